// Package monitor implements the per-execution telemetry accumulator.
//
// Each execution owns exactly one Accumulator; stages open sequentially,
// record model calls against their own entry, and freeze the entry on End.
// Flush persists everything for the execution as one batch write and is
// idempotent. Telemetry loss is always preferred over failing a response:
// a flush failure is logged and swallowed.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight/finsight/engine/internal/store"
	"github.com/finsight/finsight/engine/pkg/models"
)

// Accumulator is the mutable telemetry ledger for a single execution.
// It must never be shared between executions.
type Accumulator struct {
	runID string
	store store.Store

	mu      sync.Mutex
	entries []models.MonitorEntry
}

// NewAccumulator creates the accumulator for one execution.
func NewAccumulator(runID string, s store.Store) *Accumulator {
	return &Accumulator{runID: runID, store: s}
}

// RunID returns the execution id the accumulator belongs to.
func (a *Accumulator) RunID() string { return a.runID }

// StartStage opens a new stage entry and returns its mutable handle.
// Stages within one execution are sequential; the handle is owned by the
// stage until End is called.
func (a *Accumulator) StartStage(name string) *Stage {
	return &Stage{
		acc: a,
		entry: models.MonitorEntry{
			RunID:     a.runID,
			StageName: name,
			StartTime: time.Now().UTC(),
		},
	}
}

// Flush persists all accumulated entries as one batch write, then clears
// the in-memory list. A second call with no new entries writes zero rows.
// Persistence failures never propagate: they are logged and swallowed.
func (a *Accumulator) Flush(ctx context.Context) {
	a.mu.Lock()
	entries := a.entries
	a.entries = nil
	a.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	if err := a.store.SaveMonitorEntries(ctx, entries); err != nil {
		log.Warn().
			Err(err).
			Str("run_id", a.runID).
			Int("entries", len(entries)).
			Msg("Telemetry flush failed, entries dropped")
		return
	}

	log.Debug().
		Str("run_id", a.runID).
		Int("entries", len(entries)).
		Msg("Telemetry flushed")
}

func (a *Accumulator) append(entry models.MonitorEntry) {
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
}

// Stage is the mutable handle for one open pipeline stage.
type Stage struct {
	acc *Accumulator

	mu    sync.Mutex
	entry models.MonitorEntry
	ended bool
}

// RecordCall appends one model invocation to the stage and bumps the
// running token/cost totals. Safe for concurrent callers within a stage.
func (s *Stage) RecordCall(model string, tokens int64, cost float64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.entry.LLMCalls = append(s.entry.LLMCalls, models.LLMCall{
		Model:     model,
		Tokens:    tokens,
		Cost:      cost,
		LatencyMs: latency.Milliseconds(),
	})
	s.entry.TotalTokens += tokens
	s.entry.TotalCost += cost
	if s.entry.ModelName == "" {
		s.entry.ModelName = model
	}
}

// EndOption customizes the frozen entry at stage end.
type EndOption func(*models.MonitorEntry)

// WithDecision attaches free-text decision details.
func WithDecision(details string) EndOption {
	return func(e *models.MonitorEntry) { e.DecisionDetails = details }
}

// WithError attaches an error message.
func WithError(err error) EndOption {
	return func(e *models.MonitorEntry) {
		if err != nil {
			e.ErrorMessage = err.Error()
		}
	}
}

// WithMetadata merges keys into the entry's custom metadata.
func WithMetadata(meta map[string]any) EndOption {
	return func(e *models.MonitorEntry) {
		if e.CustomMetadata == nil {
			e.CustomMetadata = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			e.CustomMetadata[k] = v
		}
	}
}

// End stamps the end time, computes the duration, freezes the entry and
// appends it to the execution's ledger. Calling End twice is a no-op.
func (s *Stage) End(status models.StageStatus, opts ...EndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	s.entry.EndTime = time.Now().UTC()
	if s.entry.EndTime.Before(s.entry.StartTime) {
		// Clock went backwards; clamp so end >= start always holds.
		s.entry.EndTime = s.entry.StartTime
	}
	s.entry.DurationMs = s.entry.EndTime.Sub(s.entry.StartTime).Milliseconds()
	s.entry.Status = status
	for _, opt := range opts {
		opt(&s.entry)
	}

	s.acc.append(s.entry)
}

// Snapshot returns a copy of the stage's entry as it currently stands.
// Intended for tests and diagnostics.
func (s *Stage) Snapshot() models.MonitorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entry
	entry.LLMCalls = append([]models.LLMCall(nil), s.entry.LLMCalls...)
	return entry
}
