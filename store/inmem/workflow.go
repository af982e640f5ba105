package inmem

import (
	"context"
	"sync"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/store"
)

// WorkflowStore is an in-memory, thread-safe store.WorkflowStore.
type WorkflowStore struct {
	mu              sync.RWMutex
	workflows       map[string]store.Workflow
	executions      map[string]store.WorkflowExecution
	stepExecs       map[string]store.WorkflowStepExecution
	stepExecsByExec map[string][]string // executionID -> step execution IDs, creation order
}

// NewWorkflowStore constructs an empty WorkflowStore.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		workflows:       make(map[string]store.Workflow),
		executions:      make(map[string]store.WorkflowExecution),
		stepExecs:       make(map[string]store.WorkflowStepExecution),
		stepExecsByExec: make(map[string][]string),
	}
}

func (s *WorkflowStore) CreateWorkflow(_ context.Context, w store.Workflow) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	return w, nil
}

func (s *WorkflowStore) GetWorkflow(_ context.Context, id string) (store.Workflow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	return w, ok, nil
}

func (s *WorkflowStore) CreateExecution(_ context.Context, e store.WorkflowExecution) (store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = cloneExecution(e)
	return e, nil
}

func (s *WorkflowStore) GetExecution(_ context.Context, id string) (store.WorkflowExecution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	return cloneExecution(e), ok, nil
}

func (s *WorkflowStore) UpdateExecution(_ context.Context, e store.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return ferrors.New(ferrors.KindNotFound, "store.UpdateExecution", "execution not found")
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *WorkflowStore) CreateStepExecution(_ context.Context, se store.WorkflowStepExecution) (store.WorkflowStepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepExecs[se.ID] = cloneStepExecution(se)
	s.stepExecsByExec[se.ExecutionID] = append(s.stepExecsByExec[se.ExecutionID], se.ID)
	return se, nil
}

func (s *WorkflowStore) GetStepExecution(_ context.Context, id string) (store.WorkflowStepExecution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.stepExecs[id]
	return cloneStepExecution(se), ok, nil
}

func (s *WorkflowStore) UpdateStepExecution(_ context.Context, se store.WorkflowStepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stepExecs[se.ID]; !ok {
		return ferrors.New(ferrors.KindNotFound, "store.UpdateStepExecution", "step execution not found")
	}
	s.stepExecs[se.ID] = cloneStepExecution(se)
	return nil
}

func (s *WorkflowStore) ListStepExecutions(_ context.Context, executionID string) ([]store.WorkflowStepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.stepExecsByExec[executionID]
	out := make([]store.WorkflowStepExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStepExecution(s.stepExecs[id]))
	}
	return out, nil
}

func cloneExecution(e store.WorkflowExecution) store.WorkflowExecution {
	e.InputVariables = cloneMap(e.InputVariables)
	e.Results = cloneMap(e.Results)
	if e.Error != nil {
		err := *e.Error
		err.Details = cloneMap(err.Details)
		e.Error = &err
	}
	return e
}

func cloneStepExecution(se store.WorkflowStepExecution) store.WorkflowStepExecution {
	se.Input = cloneMap(se.Input)
	se.Output = cloneMap(se.Output)
	if se.Error != nil {
		err := *se.Error
		err.Details = cloneMap(err.Details)
		se.Error = &err
	}
	return se
}
