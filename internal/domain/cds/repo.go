package cds

import (
	"context"
	"sync"
)

// OverrideRepo stores card override records. Records are append-only.
type OverrideRepo interface {
	Create(ctx context.Context, rec *OverrideRecord) error
	ListByPatient(ctx context.Context, patientID string) ([]*OverrideRecord, error)
	List(ctx context.Context, limit, offset int) ([]*OverrideRecord, int, error)
}

// overrideRepoMemory is the default store when no database is configured.
type overrideRepoMemory struct {
	mu      sync.RWMutex
	records []*OverrideRecord
}

// NewOverrideRepoMemory creates an in-memory override store.
func NewOverrideRepoMemory() OverrideRepo {
	return &overrideRepoMemory{}
}

func (r *overrideRepoMemory) Create(ctx context.Context, rec *OverrideRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *rec
	r.records = append(r.records, &copied)
	return nil
}

func (r *overrideRepoMemory) ListByPatient(ctx context.Context, patientID string) ([]*OverrideRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*OverrideRecord{}
	// Newest first.
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].PatientID != patientID {
			continue
		}
		copied := *r.records[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (r *overrideRepoMemory) List(ctx context.Context, limit, offset int) ([]*OverrideRecord, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.records)
	out := []*OverrideRecord{}
	// Newest first.
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		copied := *r.records[i]
		out = append(out, &copied)
	}
	return out, total, nil
}
