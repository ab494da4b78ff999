// Package config loads the HCL run configuration. Every block is optional;
// absent values fall back to defaults that suit a small import against a
// nearby service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// File is the top-level HCL document.
type File struct {
	API      *APIBlock      `hcl:"api,block"`
	Cache    *CacheBlock    `hcl:"cache,block"`
	Throttle *ThrottleBlock `hcl:"throttle,block"`
	Safety   *SafetyBlock   `hcl:"safety,block"`
	Log      *LogBlock      `hcl:"log,block"`
}

// APIBlock configures the remote inventory service connection.
type APIBlock struct {
	BaseURL        string `hcl:"base_url"`
	Username       string `hcl:"username,optional"`
	Password       string `hcl:"password,optional"`
	TimeoutSeconds int    `hcl:"timeout_seconds,optional"`
	Insecure       bool   `hcl:"insecure,optional"`
}

// CacheBlock configures the resolver cache tiers.
type CacheBlock struct {
	Dir             string `hcl:"dir,optional"`
	TTLSeconds      int    `hcl:"ttl_seconds,optional"`
	ViewTTLSeconds  int    `hcl:"view_ttl_seconds,optional"`
}

// ThrottleBlock configures the adaptive concurrency controller.
type ThrottleBlock struct {
	InitialConcurrency  int     `hcl:"initial_concurrency,optional"`
	MinConcurrency      int     `hcl:"min_concurrency,optional"`
	MaxConcurrency      int     `hcl:"max_concurrency,optional"`
	IncreaseFactor      float64 `hcl:"increase_factor,optional"`
	DecreaseFactor      float64 `hcl:"decrease_factor,optional"`
	RateLimitDecrease   float64 `hcl:"rate_limit_decrease,optional"`
	AdjustmentSeconds   int     `hcl:"adjustment_interval_seconds,optional"`
	HealthyErrorRate    float64 `hcl:"healthy_error_rate,optional"`
	UnhealthyErrorRate  float64 `hcl:"unhealthy_error_rate,optional"`
	HighLatencyMillis   int     `hcl:"high_latency_ms,optional"`
	MaxLatencySamples   int     `hcl:"max_latency_samples,optional"`
}

// SafetyBlock configures delete screening.
type SafetyBlock struct {
	AllowDangerousOperations bool `hcl:"allow_dangerous_operations,optional"`
}

// LogBlock configures output logging.
type LogBlock struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// Load reads and validates the file at path. A missing path yields the
// defaults with no API endpoint, which Validate rejects.
func Load(path string) (*File, error) {
	var f File
	if path != "" {
		if err := hclsimple.DecodeFile(path, evalContext(), &f); err != nil {
			return nil, fmt.Errorf("loading config %q: %w", path, err)
		}
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// evalContext exposes env() to the config file, so credentials stay out of
// committed files.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": function.New(&function.Spec{
				Params: []function.Parameter{{Name: "name", Type: cty.String}},
				Type:   function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					return cty.StringVal(os.Getenv(args[0].AsString())), nil
				},
			}),
		},
	}
}

func (f *File) applyDefaults() {
	if f.API == nil {
		f.API = &APIBlock{}
	}
	if f.API.TimeoutSeconds <= 0 {
		f.API.TimeoutSeconds = 30
	}
	if f.Cache == nil {
		f.Cache = &CacheBlock{}
	}
	if f.Cache.TTLSeconds <= 0 {
		f.Cache.TTLSeconds = 3600
	}
	if f.Cache.ViewTTLSeconds <= 0 {
		f.Cache.ViewTTLSeconds = 300
	}
	if f.Throttle == nil {
		f.Throttle = &ThrottleBlock{}
	}
	if f.Safety == nil {
		f.Safety = &SafetyBlock{}
	}
	if f.Log == nil {
		f.Log = &LogBlock{}
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "text"
	}
}

// Validate rejects values the run cannot proceed with.
func (f *File) Validate() error {
	if f.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if f.Throttle.MinConcurrency > 0 && f.Throttle.MaxConcurrency > 0 &&
		f.Throttle.MinConcurrency > f.Throttle.MaxConcurrency {
		return fmt.Errorf("throttle.min_concurrency (%d) exceeds throttle.max_concurrency (%d)",
			f.Throttle.MinConcurrency, f.Throttle.MaxConcurrency)
	}
	switch f.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got %q", f.Log.Format)
	}
	return nil
}

// CacheTTL returns the persistent cache TTL.
func (f *File) CacheTTL() time.Duration {
	return time.Duration(f.Cache.TTLSeconds) * time.Second
}

// ViewCacheTTL returns the hot-tier view TTL.
func (f *File) ViewCacheTTL() time.Duration {
	return time.Duration(f.Cache.ViewTTLSeconds) * time.Second
}

// APITimeout returns the per-request timeout.
func (f *File) APITimeout() time.Duration {
	return time.Duration(f.API.TimeoutSeconds) * time.Second
}
