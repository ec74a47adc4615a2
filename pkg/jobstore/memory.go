package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"pewcron/pkg/job"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps jobs in a slice ordered by job.Less, with an id index.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  []job.Job
	index map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: map[string]int{}}
}

func (s *MemoryStore) Open(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) AddJob(_ context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[j.ID]; ok {
		return job.Conflict(j.ID)
	}
	s.insertLocked(j.Clone())
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, j job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[j.ID]
	if !ok {
		return job.NotFound(j.ID)
	}
	s.deleteLocked(i)
	s.insertLocked(j.Clone())
	return nil
}

func (s *MemoryStore) RemoveJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return job.NotFound(id)
	}
	s.deleteLocked(i)
	return nil
}

func (s *MemoryStore) RemoveAllJobs(context.Context) error {
	s.mu.Lock()
	s.jobs = nil
	s.index = map[string]int{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LookupJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return job.Job{}, job.NotFound(id)
	}
	return s.jobs[i].Clone(), nil
}

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Paused() || j.NextRunTime.After(now) {
			break
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) NextRunTime(context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.jobs) == 0 {
		return time.Time{}, nil
	}
	return s.jobs[0].NextRunTime, nil
}

func (s *MemoryStore) Jobs(context.Context) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

func (s *MemoryStore) insertLocked(j job.Job) {
	i := sort.Search(len(s.jobs), func(k int) bool { return job.Less(j, s.jobs[k]) })
	s.jobs = append(s.jobs, job.Job{})
	copy(s.jobs[i+1:], s.jobs[i:])
	s.jobs[i] = j
	s.reindexLocked(i)
}

func (s *MemoryStore) deleteLocked(i int) {
	delete(s.index, s.jobs[i].ID)
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	s.reindexLocked(i)
}

func (s *MemoryStore) reindexLocked(from int) {
	for k := from; k < len(s.jobs); k++ {
		s.index[s.jobs[k].ID] = k
	}
}
