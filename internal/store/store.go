// Package store provides the persistence interface and implementations for
// the FinSight analysis engine. The in-memory store backs tests and
// zero-config runs; PostgreSQL backs production telemetry.
package store

import (
	"context"
	"errors"

	"github.com/finsight/finsight/engine/pkg/models"
)

// Store is the data-access layer the engine depends on. All callers hold
// this interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
type Store interface {
	// SaveMonitorEntries persists one execution's telemetry entries as a
	// single batch write.
	SaveMonitorEntries(ctx context.Context, entries []models.MonitorEntry) error

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ErrPoolExhausted is returned when no pooled connection became available
// within the configured acquire timeout.
var ErrPoolExhausted = errors.New("store: connection pool exhausted")
