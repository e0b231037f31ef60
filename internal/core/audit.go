package core

import (
	"context"
	"sync"
)

// AuditSink is an append-only log of lifecycle transitions. Entries for the
// same job must be returned in append order.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
	// List returns the entries of one job, or every entry when jobID is empty.
	List(ctx context.Context, jobID string) ([]AuditEntry, error)
}

type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []AuditEntry
	seq     uint64
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Append(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	entry.Details = copyDetails(entry.Details)
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditSink) List(_ context.Context, jobID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AuditEntry, 0)
	for _, e := range s.entries {
		if jobID != "" && e.JobID != jobID {
			continue
		}
		e.Details = copyDetails(e.Details)
		out = append(out, e)
	}
	return out, nil
}

func copyDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
