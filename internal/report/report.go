// Package report aggregates operation results into a run summary.
package report

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/model"
	"github.com/vk/ipamctl/internal/resolver"
)

// Summary is the JSON-emittable outcome of one import run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Existing  int `json:"existing"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	CacheStats resolver.Stats  `json:"cache_stats"`
	Results    []*model.Result `json:"results"`
}

// NewRunID returns the unique identifier stamped on a run's summary and logs.
func NewRunID() string {
	return uuid.NewString()
}

// Build assembles the summary from results.
func Build(runID string, startedAt time.Time, dryRun bool, results []*model.Result, stats resolver.Stats) *Summary {
	s := &Summary{
		RunID:      runID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		DryRun:     dryRun,
		Total:      len(results),
		CacheStats: stats,
		Results:    results,
	}
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Success:
			s.Succeeded++
			if r.Existing {
				s.Existing++
			}
		default:
			s.Failed++
		}
	}
	return s
}

// Write emits the summary as indented JSON.
func (s *Summary) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Log prints the headline counts through the run logger.
func (s *Summary) Log(ctx context.Context) {
	log := ctxlog.FromContext(ctx)
	log.Info("Run finished.",
		"runID", s.RunID,
		"total", s.Total,
		"succeeded", s.Succeeded,
		"existing", s.Existing,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"dryRun", s.DryRun,
		"cacheHits", s.CacheStats.Hits,
		"cacheMisses", s.CacheStats.Misses,
		"pendingHits", s.CacheStats.PendingHits,
	)
	for _, r := range s.Results {
		if !r.Success && !r.Skipped {
			log.Error("Operation failed.", "rowID", r.RowID, "objectType", r.ObjectType, "error", r.ErrorMessage)
		}
	}
}
