package inmem

import (
	"context"
	"sync"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/store"
)

// ApprovalStore is an in-memory, thread-safe store.ApprovalStore. It
// enforces the "exactly one terminal transition" invariant (spec §8
// property 9) at the storage layer: UpdateApproval only succeeds while the
// stored record is still pending.
type ApprovalStore struct {
	mu         sync.Mutex
	approvals  map[string]store.StepApproval
}

// NewApprovalStore constructs an empty ApprovalStore.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{approvals: make(map[string]store.StepApproval)}
}

func (s *ApprovalStore) CreateApproval(_ context.Context, a store.StepApproval) (store.StepApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.ID] = cloneApproval(a)
	return a, nil
}

func (s *ApprovalStore) GetApproval(_ context.Context, id string) (store.StepApproval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	return cloneApproval(a), ok, nil
}

// UpdateApproval persists a iff the stored record is still pending. The
// caller (approval.Gate) holds this as the single serialization point
// between a human response and the background sweeper (spec §4.6).
func (s *ApprovalStore) UpdateApproval(_ context.Context, a store.StepApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.approvals[a.ID]
	if !ok {
		return ferrors.New(ferrors.KindNotFound, "store.UpdateApproval", "approval not found")
	}
	if existing.Status.Terminal() {
		return ferrors.New(ferrors.KindConflict, "store.UpdateApproval", "approval already resolved").
			WithDetails(map[string]any{"status": string(existing.Status)})
	}
	s.approvals[a.ID] = cloneApproval(a)
	return nil
}

func (s *ApprovalStore) ListPending(_ context.Context) ([]store.StepApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.StepApproval, 0)
	for _, a := range s.approvals {
		if a.Status == store.ApprovalStatusPending {
			out = append(out, cloneApproval(a))
		}
	}
	return out, nil
}

func cloneApproval(a store.StepApproval) store.StepApproval {
	a.ApprovalData = cloneMap(a.ApprovalData)
	a.ResponseData = cloneMap(a.ResponseData)
	if len(a.RequiredApprovers) > 0 {
		dup := make([]string, len(a.RequiredApprovers))
		copy(dup, a.RequiredApprovers)
		a.RequiredApprovers = dup
	}
	return a
}
