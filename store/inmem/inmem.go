// Package inmem provides in-memory implementations of every store
// interface for tests and local development, with no persistence across
// process restarts. Records are defensively copied on read and write, the
// same convention the teacher's runtime/agent/run/inmem.Store uses for its
// single-entity map. It is the only store backend in this module, and
// cmd/fabricd uses it too.
package inmem

import (
	"context"
	"sync"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/store"
)

// TaskStore is an in-memory, thread-safe store.TaskStore.
type TaskStore struct {
	mu        sync.RWMutex
	tasks     map[string]store.Task
	runs      map[string]store.TaskRun
	runsByTask map[string][]string // taskID -> run IDs in creation order
	nextRun   map[string]int
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:      make(map[string]store.Task),
		runs:       make(map[string]store.TaskRun),
		runsByTask: make(map[string][]string),
		nextRun:    make(map[string]int),
	}
}

func (s *TaskStore) CreateTask(_ context.Context, t store.Task) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return t, nil
}

func (s *TaskStore) GetTask(_ context.Context, id string) (store.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return cloneTask(t), ok, nil
}

func (s *TaskStore) UpdateTask(_ context.Context, t store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ferrors.New(ferrors.KindNotFound, "store.UpdateTask", "task not found")
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *TaskStore) NextRunNumber(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun[taskID]++
	return s.nextRun[taskID], nil
}

func (s *TaskStore) CreateRun(_ context.Context, r store.TaskRun) (store.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = cloneRun(r)
	s.runsByTask[r.TaskID] = append(s.runsByTask[r.TaskID], r.ID)
	return r, nil
}

func (s *TaskStore) GetRun(_ context.Context, id string) (store.TaskRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return cloneRun(r), ok, nil
}

func (s *TaskStore) UpdateRun(_ context.Context, r store.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ferrors.New(ferrors.KindNotFound, "store.UpdateRun", "run not found")
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *TaskStore) RunningRun(_ context.Context, taskID string) (store.TaskRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.runsByTask[taskID] {
		r := s.runs[id]
		if !r.Status.Terminal() {
			return cloneRun(r), true, nil
		}
	}
	return store.TaskRun{}, false, nil
}

func (s *TaskStore) ListRuns(_ context.Context, taskID string) ([]store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.runsByTask[taskID]
	out := make([]store.TaskRun, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRun(s.runs[id]))
	}
	return out, nil
}

func cloneTask(t store.Task) store.Task {
	t.Config = cloneMap(t.Config)
	return t
}

func cloneRun(r store.TaskRun) store.TaskRun {
	r.Plan = cloneMap(r.Plan)
	r.Results = cloneMap(r.Results)
	if r.Error != nil {
		e := *r.Error
		e.Details = cloneMap(e.Details)
		r.Error = &e
	}
	return r
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
