// Package namesync refreshes the denormalized patient_name carried by
// evolutions and record documents when they are read.
package namesync

import (
	"context"

	"github.com/rs/zerolog"
)

// NameLookup resolves a patient's current display name.
type NameLookup interface {
	PatientName(ctx context.Context, patientID string) (string, error)
}

// Accessor tells Apply how to read and write the cached name of T and how
// to persist a corrected one.
type Accessor[T any] struct {
	PatientID func(T) string
	Name      func(T) string
	SetName   func(T, string)
	Repair    func(ctx context.Context, item T, name string) error
}

type Syncer struct {
	lookup NameLookup
	logger zerolog.Logger
}

func New(lookup NameLookup, logger zerolog.Logger) *Syncer {
	return &Syncer{lookup: lookup, logger: logger.With().Str("component", "namesync").Logger()}
}

// Apply substitutes the current patient name into every item whose cached
// name is stale and persists the correction. A failed lookup leaves the
// item untouched; a failed repair still returns the corrected name. Lookups
// are memoized for the duration of the call. It returns how many items were
// corrected.
func Apply[T any](ctx context.Context, s *Syncer, items []T, acc Accessor[T]) int {
	if s == nil || s.lookup == nil {
		return 0
	}

	type result struct {
		name string
		ok   bool
	}
	memo := make(map[string]result)
	fixed := 0

	for _, item := range items {
		pid := acc.PatientID(item)
		if pid == "" {
			continue
		}
		r, seen := memo[pid]
		if !seen {
			name, err := s.lookup.PatientName(ctx, pid)
			if err != nil {
				s.logger.Debug().Err(err).Str("patient_id", pid).Msg("patient name lookup failed")
			}
			r = result{name: name, ok: err == nil && name != ""}
			memo[pid] = r
		}
		if !r.ok || acc.Name(item) == r.name {
			continue
		}

		acc.SetName(item, r.name)
		fixed++
		if acc.Repair == nil {
			continue
		}
		if err := acc.Repair(ctx, item, r.name); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", pid).Msg("persist refreshed patient name")
		}
	}
	return fixed
}

// One is Apply for a single item.
func One[T any](ctx context.Context, s *Syncer, item T, acc Accessor[T]) bool {
	return Apply(ctx, s, []T{item}, acc) == 1
}
