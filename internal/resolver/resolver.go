// Package resolver turns human-readable resource paths such as
// "Prod/10.0.0.0/8" into remote entity IDs. Lookups are serialized per
// path, answered from a two-tier cache where possible, and short-circuited
// when the target is pending creation within the same batch.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/ipamctl/internal/api"
	"github.com/vk/ipamctl/internal/cache"
	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/keyedlock"
	"github.com/vk/ipamctl/internal/metrics"
)

// Config carries the cache TTLs.
type Config struct {
	// CacheTTL bounds confirmed-identity entries in the persistent tier.
	CacheTTL time.Duration
	// ViewCacheTTL bounds view listings in the hot tier. Zone listings use
	// half of it in the hot tier and the full CacheTTL on disk.
	ViewCacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.ViewCacheTTL == 0 {
		c.ViewCacheTTL = 5 * time.Minute
	}
}

type pendingEntry struct {
	rowID        string
	resourceType string
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	PendingHits uint64 `json:"pending_hits"`
}

type Resolver struct {
	client api.Client
	store  cache.Store
	hot    *cache.Memory
	locks  *keyedlock.KeyedLock
	met    *metrics.Metrics
	cfg    Config

	mu      sync.Mutex
	pending map[string]pendingEntry

	hits        atomic.Uint64
	misses      atomic.Uint64
	pendingHits atomic.Uint64
}

func New(client api.Client, store cache.Store, met *metrics.Metrics, cfg Config) *Resolver {
	cfg.applyDefaults()
	return &Resolver{
		client:  client,
		store:   store,
		hot:     cache.NewMemory(),
		locks:   keyedlock.New(),
		met:     met,
		cfg:     cfg,
		pending: make(map[string]pendingEntry),
	}
}

// normalizedType maps loose type aliases to the canonical cache namespace.
var normalizedType = map[string]string{
	"block":               "Block",
	"ip4_block":           "Block",
	"ip6_block":           "IPv6Block",
	"network":             "Network",
	"ip4_network":         "Network",
	"ip6_network":         "IPv6Network",
	"view":                "View",
	"zone":                "Zone",
	"dns_zone":            "Zone",
	"configuration":       "Configuration",
	"location":            "Location",
	"dns_deployment_role": "DNSDeploymentRole",
}

func canonicalType(resourceType string) string {
	if n, ok := normalizedType[strings.ToLower(resourceType)]; ok {
		return n
	}
	return resourceType
}

func cacheKey(resourceType, path string) string {
	return canonicalType(resourceType) + ":" + path
}

// RegisterPendingCreate marks a path as owned by a row in the current batch.
func (r *Resolver) RegisterPendingCreate(path, rowID, resourceType string) {
	unlock := r.locks.Lock(path)
	defer unlock()

	r.mu.Lock()
	r.pending[path] = pendingEntry{rowID: rowID, resourceType: resourceType}
	r.mu.Unlock()
}

// ConfirmCreate clears the pending mark and caches the assigned identity.
func (r *Resolver) ConfirmCreate(ctx context.Context, path, resourceType string, id int64) {
	unlock := r.locks.Lock(path)
	defer unlock()

	r.mu.Lock()
	delete(r.pending, path)
	r.mu.Unlock()

	if err := r.cacheSet(cacheKey(resourceType, path), id, time.Hour); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to cache confirmed resource.",
			"path", path, "error", err)
	}
}

// CancelCreate clears the pending mark without caching anything.
func (r *Resolver) CancelCreate(path string) {
	unlock := r.locks.Lock(path)
	defer unlock()

	r.mu.Lock()
	delete(r.pending, path)
	r.mu.Unlock()
}

// ClearPending drops all pending marks, typically at end of run.
func (r *Resolver) ClearPending() {
	r.mu.Lock()
	r.pending = make(map[string]pendingEntry)
	r.mu.Unlock()
}

// Invalidate evicts a cached identity, used after deletes.
func (r *Resolver) Invalidate(ctx context.Context, path, resourceType string) {
	unlock := r.locks.Lock(path)
	defer unlock()

	key := cacheKey(resourceType, path)
	r.hot.Delete(key)
	if err := r.store.Delete(key); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to invalidate cache entry.",
			"key", key, "error", err)
	}
}

// Resolve maps a path to a remote entity ID. It returns *PendingCreateError
// when the path is scheduled for creation in this batch and *NotFoundError
// when neither the cache nor the remote service knows it. bypassCache forces
// a fresh remote lookup; the pending check still applies, a promise beats any
// stale cache line.
func (r *Resolver) Resolve(ctx context.Context, path, resourceType string, bypassCache bool) (int64, error) {
	unlock := r.locks.Lock(path)
	defer unlock()

	log := ctxlog.FromContext(ctx)

	r.mu.Lock()
	entry, isPending := r.pending[path]
	r.mu.Unlock()
	if isPending {
		r.pendingHits.Add(1)
		if r.met != nil {
			r.met.PendingDefers.WithLabelValues(canonicalType(resourceType)).Inc()
		}
		return 0, &PendingCreateError{Path: path, RowID: entry.rowID}
	}

	key := cacheKey(resourceType, path)
	if !bypassCache {
		if id, ok := r.cacheGet(ctx, key); ok {
			r.hits.Add(1)
			if r.met != nil {
				r.met.CacheHits.WithLabelValues("disk", canonicalType(resourceType)).Inc()
			}
			return id, nil
		}
	}
	r.misses.Add(1)
	if r.met != nil {
		r.met.CacheMisses.WithLabelValues("disk", canonicalType(resourceType)).Inc()
	}

	id, err := r.queryRemote(ctx, path, resourceType)
	if err != nil {
		if r.met != nil {
			r.met.ResolutionFails.WithLabelValues(canonicalType(resourceType)).Inc()
		}
		return 0, err
	}

	if err := r.cacheSet(key, id, r.cfg.CacheTTL); err != nil {
		log.Warn("Failed to cache resolved resource.", "path", path, "error", err)
	}
	return id, nil
}

func (r *Resolver) cacheGet(ctx context.Context, key string) (int64, bool) {
	raw, err := r.store.Get(key)
	if err != nil {
		if err != cache.ErrMiss {
			ctxlog.FromContext(ctx).Warn("Cache read failed, treating as miss.",
				"key", key, "error", err)
		}
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		ctxlog.FromContext(ctx).Warn("Corrupt cache entry, treating as miss.",
			"key", key, "error", err)
		return 0, false
	}
	return id, true
}

func (r *Resolver) cacheSet(key string, id int64, ttl time.Duration) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return r.store.Set(key, raw, ttl)
}

// queryRemote parses the path per resource type and asks the remote service.
// All lookup failures come back as *NotFoundError.
func (r *Resolver) queryRemote(ctx context.Context, path, resourceType string) (int64, error) {
	notFound := func(cause error) (int64, error) {
		return 0, &NotFoundError{Path: path, ResourceType: canonicalType(resourceType), Cause: cause}
	}

	switch canonicalType(resourceType) {
	case "Configuration":
		ent, err := r.client.GetConfigurationByName(ctx, path)
		if err != nil {
			return notFound(err)
		}
		return ent.ID, nil

	case "Block":
		parts := strings.Split(path, "/")
		if len(parts) < 3 {
			return notFound(fmt.Errorf("expected 'Config/addr/prefix', got %q", path))
		}
		configID, err := r.Resolve(ctx, parts[0], "configuration", false)
		if err != nil {
			return notFound(err)
		}
		cidr := strings.Join(parts[1:], "/")
		ent, err := r.client.GetBlockByCIDRInConfig(ctx, configID, cidr)
		if err != nil {
			return notFound(err)
		}
		return ent.ID, nil

	case "IPv6Block":
		parts := strings.Split(path, "/")
		if len(parts) < 3 {
			return notFound(fmt.Errorf("expected 'Config/addr/prefix', got %q", path))
		}
		configID, err := r.Resolve(ctx, parts[0], "configuration", false)
		if err != nil {
			return notFound(err)
		}
		cidr := strings.Join(parts[1:], "/")
		ent, err := r.client.GetIP6BlockByCIDRInConfig(ctx, configID, cidr)
		if err != nil {
			return notFound(err)
		}
		return ent.ID, nil

	case "Network":
		parts := strings.Split(path, "/")
		if len(parts) < 5 {
			return notFound(fmt.Errorf("expected 'Config/blockAddr/blockPrefix/netAddr/netPrefix', got %q", path))
		}
		blockPath := strings.Join(parts[:3], "/")
		blockID, err := r.Resolve(ctx, blockPath, "block", false)
		if err != nil {
			return notFound(err)
		}
		networkCIDR := parts[3] + "/" + parts[4]
		ent, err := r.client.GetNetworkByCIDRInBlock(ctx, blockID, networkCIDR)
		if err != nil {
			return notFound(err)
		}
		return ent.ID, nil

	case "IPv6Network":
		parts := strings.Split(path, "/")
		if len(parts) < 5 {
			return notFound(fmt.Errorf("expected 'Config/blockAddr/blockPrefix/netAddr/netPrefix', got %q", path))
		}
		blockPath := strings.Join(parts[:3], "/")
		blockID, err := r.Resolve(ctx, blockPath, "ip6_block", false)
		if err != nil {
			return notFound(err)
		}
		networkCIDR := parts[3] + "/" + parts[4]
		ent, err := r.client.GetIP6NetworkByCIDRInBlock(ctx, blockID, networkCIDR)
		if err != nil {
			return notFound(err)
		}
		return ent.ID, nil

	case "View":
		parts := strings.Split(path, "/")
		configID, err := r.Resolve(ctx, parts[0], "configuration", false)
		if err != nil {
			return notFound(err)
		}
		if len(parts) >= 2 {
			ent, err := r.client.GetViewByNameInConfig(ctx, configID, parts[1])
			if err != nil {
				return notFound(err)
			}
			return ent.ID, nil
		}
		views, err := r.viewsInConfig(ctx, configID)
		if err != nil || len(views) == 0 {
			return notFound(err)
		}
		return views[0].ID, nil

	case "Zone":
		return r.resolveZone(ctx, path, notFound)

	case "Location":
		ent, err := r.client.GetLocationByCode(ctx, path)
		if err != nil {
			return notFound(err)
		}
		return ent.ID, nil
	}

	return notFound(fmt.Errorf("unsupported resource type %q", resourceType))
}

func (r *Resolver) resolveZone(ctx context.Context, path string, notFound func(error) (int64, error)) (int64, error) {
	log := ctxlog.FromContext(ctx)
	parts := strings.Split(path, "/")

	var viewPath, zoneName string
	switch len(parts) {
	case 3:
		viewPath = parts[0] + "/" + parts[1]
		zoneName = parts[2]
	case 2:
		log.Warn("Zone path has no configuration, trying 'Default'.", "path", path)
		viewPath = "Default/" + parts[0]
		zoneName = parts[1]
	case 1:
		log.Warn("Bare zone name, trying first view of 'Default'.", "path", path)
		viewPath = "Default"
		zoneName = parts[0]
	default:
		return notFound(fmt.Errorf("expected 'Config/View/Zone', got %q", path))
	}

	viewID, err := r.Resolve(ctx, viewPath, "view", false)
	if err != nil {
		return notFound(err)
	}
	ent, err := r.client.GetZoneByFQDN(ctx, viewID, zoneName)
	if err != nil {
		return notFound(err)
	}
	return ent.ID, nil
}

func (r *Resolver) viewsInConfig(ctx context.Context, configID int64) ([]api.Entity, error) {
	key := fmt.Sprintf("views_in_config:%d", configID)
	if v, ok := r.hot.Get(key); ok {
		if r.met != nil {
			r.met.CacheHits.WithLabelValues("memory", "View").Inc()
		}
		return v.([]api.Entity), nil
	}
	if r.met != nil {
		r.met.CacheMisses.WithLabelValues("memory", "View").Inc()
	}
	views, err := r.client.GetViewsInConfiguration(ctx, configID)
	if err != nil {
		return nil, err
	}
	r.hot.Set(key, views, r.cfg.ViewCacheTTL)
	return views, nil
}

// ZonesInView lists a view's zones through both cache tiers. The hot tier
// holds them for half the view TTL; the persistent tier for the full cache
// TTL, and a disk hit is promoted back into the hot tier.
func (r *Resolver) ZonesInView(ctx context.Context, viewID int64) ([]api.Entity, error) {
	log := ctxlog.FromContext(ctx)
	key := fmt.Sprintf("zones_in_view:%d", viewID)

	if v, ok := r.hot.Get(key); ok {
		if r.met != nil {
			r.met.CacheHits.WithLabelValues("memory", "Zone").Inc()
		}
		return v.([]api.Entity), nil
	}

	hotTTL := r.cfg.ViewCacheTTL / 2
	if raw, err := r.store.Get(key); err == nil {
		var zones []api.Entity
		if err := json.Unmarshal(raw, &zones); err == nil {
			if r.met != nil {
				r.met.CacheHits.WithLabelValues("disk", "Zone").Inc()
			}
			r.hot.Set(key, zones, hotTTL)
			return zones, nil
		}
		log.Warn("Corrupt zone listing in cache, refetching.", "key", key, "error", err)
	}
	if r.met != nil {
		r.met.CacheMisses.WithLabelValues("disk", "Zone").Inc()
	}

	zones, err := r.client.GetZonesInView(ctx, viewID)
	if err != nil {
		return nil, err
	}
	r.hot.Set(key, zones, hotTTL)
	if raw, err := json.Marshal(zones); err == nil {
		if err := r.store.Set(key, raw, r.cfg.CacheTTL); err != nil {
			log.Warn("Failed to persist zone listing.", "key", key, "error", err)
		}
	}
	return zones, nil
}

// ViewID resolves a view by configuration and view name through the cache.
func (r *Resolver) ViewID(ctx context.Context, configName, viewName string) (int64, error) {
	path := configName
	if viewName != "" {
		path = configName + "/" + viewName
	}
	return r.Resolve(ctx, path, "view", false)
}

func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:        r.hits.Load(),
		Misses:      r.misses.Load(),
		PendingHits: r.pendingHits.Load(),
	}
}
