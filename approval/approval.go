// Package approval implements the Approval Gate: persistent StepApproval
// records, a background sweeper that auto-approves or times out pending
// approvals, and race-safe human responses (spec §4.6). A human response
// and the sweeper race under the store's pending-only compare-and-swap
// update; the loser observes the already-resolved status and gets back a
// ferrors.KindConflict error (spec §8 property 9).
package approval

import (
	"context"
	"time"

	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/store"
	"github.com/mgxai/fabric/telemetry"
)

// CreateRequest describes a new approval gate (spec §4.6).
type CreateRequest struct {
	StepExecutionID         string
	ExecutionID             string
	Title                   string
	Description             string
	ApprovalData            map[string]any
	ExpiresAfterSeconds     int
	AutoApproveAfterSeconds *int
	RequiredApprovers       []string
	// ParentApprovalID and RevisionCount are set when this approval was
	// created by a prior RequestChanges response; zero-value otherwise.
	ParentApprovalID string
	RevisionCount    int
}

// Gate is the Approval Gate's public contract.
type Gate interface {
	// Create persists a new pending StepApproval and emits
	// approval_requested.
	Create(ctx context.Context, req CreateRequest) (store.StepApproval, error)
	// Get returns the current state of an approval.
	Get(ctx context.Context, id string) (store.StepApproval, error)
	// Approve transitions a pending approval to approved.
	Approve(ctx context.Context, id, approver string, responseData map[string]any) (store.StepApproval, error)
	// Reject transitions a pending approval to rejected.
	Reject(ctx context.Context, id, approver, feedback string) (store.StepApproval, error)
	// RequestChanges transitions a pending approval to request_changes and
	// creates a successor approval carrying parent_approval_id and an
	// incremented revision_count (spec §4.6).
	RequestChanges(ctx context.Context, id, approver, feedback string) (store.StepApproval, store.StepApproval, error)
	// Cancel transitions a pending approval to cancelled, used when the
	// owning workflow execution is cancelled.
	Cancel(ctx context.Context, id string) (store.StepApproval, error)
	// Sweep scans pending approvals once, auto-approving or timing out
	// those past their deadlines. Intended to be called on a ticker by
	// Run, but exposed directly for deterministic tests.
	Sweep(ctx context.Context) error
	// Run drives Sweep on interval until ctx is cancelled.
	Run(ctx context.Context, interval time.Duration) error
}

type gate struct {
	store       store.ApprovalStore
	broadcaster events.Broadcaster
	telem       telemetry.Set
	now         func() time.Time
}

// New constructs a Gate backed by approvalStore. broadcaster (nil-able)
// receives approval_requested/approval_responded/approval_timeout events.
func New(approvalStore store.ApprovalStore, broadcaster events.Broadcaster, telem telemetry.Set) Gate {
	return &gate{store: approvalStore, broadcaster: broadcaster, telem: telem.Fill(), now: time.Now}
}

func (g *gate) Create(ctx context.Context, req CreateRequest) (store.StepApproval, error) {
	if req.StepExecutionID == "" || req.ExecutionID == "" {
		return store.StepApproval{}, ferrors.New(ferrors.KindInvalidInput, "approval.Create", "step_execution_id and execution_id are required")
	}
	now := g.now()
	expiresAfter := req.ExpiresAfterSeconds
	a := store.StepApproval{
		ID:                      ids.NewPrefixed("appr"),
		StepExecutionID:         req.StepExecutionID,
		ExecutionID:             req.ExecutionID,
		Status:                  store.ApprovalStatusPending,
		Title:                   req.Title,
		Description:             req.Description,
		ApprovalData:            req.ApprovalData,
		RequestedAt:             now.UnixNano(),
		ExpiresAt:               now.Add(time.Duration(expiresAfter) * time.Second).UnixNano(),
		AutoApproveAfterSeconds: req.AutoApproveAfterSeconds,
		RequiredApprovers:       req.RequiredApprovers,
		ParentApprovalID:        req.ParentApprovalID,
		RevisionCount:           req.RevisionCount,
	}
	created, err := g.store.CreateApproval(ctx, a)
	if err != nil {
		return store.StepApproval{}, err
	}
	g.publish(ctx, events.TypeApprovalRequested, created, nil)

	// Boundary behavior (spec §8): auto_approve_after_s == 0 completes
	// immediately rather than waiting for the first sweep tick.
	if req.AutoApproveAfterSeconds != nil && *req.AutoApproveAfterSeconds <= 0 {
		return g.resolve(ctx, created.ID, store.ApprovalStatusApproved, "", "", nil)
	}
	return created, nil
}

func (g *gate) Get(ctx context.Context, id string) (store.StepApproval, error) {
	a, ok, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return store.StepApproval{}, err
	}
	if !ok {
		return store.StepApproval{}, ferrors.New(ferrors.KindNotFound, "approval.Get", "approval not found")
	}
	return a, nil
}

func (g *gate) Approve(ctx context.Context, id, approver string, responseData map[string]any) (store.StepApproval, error) {
	return g.resolveWithData(ctx, id, store.ApprovalStatusApproved, approver, "", responseData)
}

func (g *gate) Reject(ctx context.Context, id, approver, feedback string) (store.StepApproval, error) {
	return g.resolve(ctx, id, store.ApprovalStatusRejected, approver, feedback, nil)
}

func (g *gate) RequestChanges(ctx context.Context, id, approver, feedback string) (store.StepApproval, store.StepApproval, error) {
	resolved, err := g.resolve(ctx, id, store.ApprovalStatusRequestChanges, approver, feedback, nil)
	if err != nil {
		return store.StepApproval{}, store.StepApproval{}, err
	}
	successor, err := g.Create(ctx, CreateRequest{
		StepExecutionID:     resolved.StepExecutionID,
		ExecutionID:         resolved.ExecutionID,
		Title:               resolved.Title,
		Description:         resolved.Description,
		ApprovalData:        resolved.ApprovalData,
		ExpiresAfterSeconds: int(time.Unix(0, resolved.ExpiresAt).Sub(time.Unix(0, resolved.RequestedAt)).Seconds()),
		ParentApprovalID:    resolved.ID,
		RevisionCount:       resolved.RevisionCount + 1,
	})
	if err != nil {
		return resolved, store.StepApproval{}, err
	}
	return resolved, successor, nil
}

func (g *gate) Cancel(ctx context.Context, id string) (store.StepApproval, error) {
	return g.resolve(ctx, id, store.ApprovalStatusCancelled, "", "", nil)
}

func (g *gate) resolve(ctx context.Context, id string, status store.ApprovalStatus, approver, feedback string, responseData map[string]any) (store.StepApproval, error) {
	return g.resolveWithData(ctx, id, status, approver, feedback, responseData)
}

func (g *gate) resolveWithData(ctx context.Context, id string, status store.ApprovalStatus, approver, feedback string, responseData map[string]any) (store.StepApproval, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return store.StepApproval{}, err
	}
	if a.Status.Terminal() {
		return store.StepApproval{}, ferrors.New(ferrors.KindConflict, "approval.resolve", "approval already resolved").
			WithDetails(map[string]any{"status": string(a.Status)})
	}
	a.Status = status
	a.Approver = approver
	a.Feedback = feedback
	a.ResponseData = responseData
	a.RespondedAt = g.now().UnixNano()

	if err := g.store.UpdateApproval(ctx, a); err != nil {
		// The sweeper (or a concurrent response) won the race; surface its
		// outcome rather than masking it as this caller's success.
		return store.StepApproval{}, err
	}
	eventType := events.TypeApprovalResponded
	if status == store.ApprovalStatusTimeout {
		eventType = events.TypeApprovalTimedOut
	}
	g.publish(ctx, eventType, a, map[string]any{"status": string(status)})
	return a, nil
}

// Sweep auto-approves or times out every pending approval whose deadline
// has passed. Each transition goes through the store's pending-only CAS, so
// a concurrent human response always wins if it lands first.
func (g *gate) Sweep(ctx context.Context) error {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		return err
	}
	now := g.now()
	for _, a := range pending {
		switch {
		case a.AutoApproveAfterSeconds != nil &&
			now.UnixNano() >= time.Unix(0, a.RequestedAt).Add(time.Duration(*a.AutoApproveAfterSeconds)*time.Second).UnixNano():
			if _, err := g.resolve(ctx, a.ID, store.ApprovalStatusApproved, "", "", nil); err != nil && !ferrors.Is(err, ferrors.KindConflict) {
				g.telem.Logger.Warn(ctx, "approval: auto-approve sweep failed", "approval_id", a.ID, "err", err)
			}
		case now.UnixNano() >= a.ExpiresAt:
			if _, err := g.resolve(ctx, a.ID, store.ApprovalStatusTimeout, "", "", nil); err != nil && !ferrors.Is(err, ferrors.KindConflict) {
				g.telem.Logger.Warn(ctx, "approval: timeout sweep failed", "approval_id", a.ID, "err", err)
			}
		}
	}
	return nil
}

func (g *gate) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Sweep(ctx); err != nil {
				g.telem.Logger.Warn(ctx, "approval: sweep tick failed", "err", err)
			}
		}
	}
}

func (g *gate) publish(ctx context.Context, t events.Type, a store.StepApproval, extra map[string]any) {
	if g.broadcaster == nil {
		return
	}
	data := map[string]any{"approval_id": a.ID, "step_execution_id": a.StepExecutionID}
	for k, v := range extra {
		data[k] = v
	}
	if err := g.broadcaster.Publish(ctx, events.Event{EventType: t, Execution: a.ExecutionID, Data: data}); err != nil {
		g.telem.Logger.Warn(ctx, "approval: publish event failed", "approval_id", a.ID, "err", err)
	}
}
