package core

import (
	"context"
	"sort"
	"sync"
)

// JobStore persists PrintJob records. Implementations must return copies so
// callers never share mutable state with the store.
type JobStore interface {
	CreateJob(ctx context.Context, job *PrintJob) error
	GetJob(ctx context.Context, id string) (*PrintJob, error)
	UpdateJob(ctx context.Context, job *PrintJob) error
	// ListJobs returns jobs in any of the given statuses ordered by Seq.
	// No statuses means all jobs.
	ListJobs(ctx context.Context, statuses ...JobStatus) ([]*PrintJob, error)
}

type BatchStore interface {
	CreateBatch(ctx context.Context, batch *BatchPrintJob) error
	GetBatch(ctx context.Context, id string) (*BatchPrintJob, error)
	UpdateBatch(ctx context.Context, batch *BatchPrintJob) error
	ListBatches(ctx context.Context, statuses ...BatchStatus) ([]*BatchPrintJob, error)
}

// Store is what the engine needs from a persistence layer.
type Store interface {
	JobStore
	BatchStore
}

type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*PrintJob
	batches map[string]*BatchPrintJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*PrintJob),
		batches: make(map[string]*BatchPrintJob),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *PrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*PrintJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *PrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, statuses ...JobStatus) ([]*PrintJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	jobs := make([]*PrintJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if len(want) > 0 && !want[j.Status] {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Seq < jobs[k].Seq })
	return jobs, nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, batch *BatchPrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = batch.Clone()
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*BatchPrintJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) UpdateBatch(_ context.Context, batch *BatchPrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return ErrBatchNotFound
	}
	s.batches[batch.ID] = batch.Clone()
	return nil
}

func (s *MemoryStore) ListBatches(_ context.Context, statuses ...BatchStatus) ([]*BatchPrintJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[BatchStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	batches := make([]*BatchPrintJob, 0, len(s.batches))
	for _, b := range s.batches {
		if len(want) > 0 && !want[b.Status] {
			continue
		}
		batches = append(batches, b.Clone())
	}
	sort.Slice(batches, func(i, k int) bool {
		return batches[i].ScheduledAt.Before(batches[k].ScheduledAt)
	})
	return batches, nil
}
