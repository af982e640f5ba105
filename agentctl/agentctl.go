// Package agentctl implements the Multi-Agent Controller: agent instance
// registration and capability-aware assignment, load tracking, failover,
// and handoff of shared memory between agent instances (spec §4.5).
package agentctl

import (
	"context"
	"sort"
	"sync"

	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/memory"
	"github.com/mgxai/fabric/telemetry"
)

// Role is the single-dimension agent specialization the spec's §9 redesign
// note replaces "deep inheritance" source roles with: the executor
// dispatches on Role, never on a Go type.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleEngineer Role = "engineer"
	RoleTester   Role = "tester"
	RoleReviewer Role = "reviewer"
)

// AgentInstance is a running, assignable worker of a given Role with a
// resolved capability set.
type AgentInstance struct {
	ID           string
	Workspace    string
	Project      string
	Role         Role
	Capabilities []string
}

// AssignRequest selects an agent instance for one workflow/task step.
type AssignRequest struct {
	Workspace            string
	Project              string
	Role                 Role
	RequiredCapabilities []string
	// Exclude lists instance IDs to skip, used by callers retrying a step
	// after a non-fatal failure on a previously assigned instance
	// (spec §4.5's failover rule).
	Exclude []string
}

// Controller is the Multi-Agent Controller's public contract.
type Controller interface {
	// Register makes instance eligible for assignment.
	Register(ctx context.Context, instance AgentInstance) error
	// Deregister removes instance from the eligible pool.
	Deregister(ctx context.Context, instanceID string) error
	// Assign reserves and returns one eligible instance per the
	// capability_match -> least_loaded -> round_robin policy.
	Assign(ctx context.Context, req AssignRequest) (AgentInstance, error)
	// Release returns a previously assigned instance's reservation on step
	// terminal transition (success or failure alike).
	Release(ctx context.Context, instanceID string) error
	// Handoff atomically copies context keys from one agent instance's
	// memory to another's and emits agent_handoff.
	Handoff(ctx context.Context, fromInstanceID, toInstanceID string, keys []string) ([]memory.MemoryEntry, error)
}

type tracked struct {
	instance AgentInstance
	load     int
}

type roleKey struct {
	workspace, project string
	role                Role
}

type controller struct {
	mu         sync.Mutex
	instances  map[string]*tracked
	roundRobin map[roleKey]int

	memory      memory.Store
	broadcaster events.Broadcaster
	telem       telemetry.Set
}

// New constructs an in-process Controller. memoryStore backs Handoff;
// broadcaster (nil-able) receives agent_assigned/agent_handoff events.
func New(memoryStore memory.Store, broadcaster events.Broadcaster, telem telemetry.Set) Controller {
	return &controller{
		instances:   make(map[string]*tracked),
		roundRobin:  make(map[roleKey]int),
		memory:      memoryStore,
		broadcaster: broadcaster,
		telem:       telem.Fill(),
	}
}

func (c *controller) Register(_ context.Context, instance AgentInstance) error {
	if instance.ID == "" || instance.Workspace == "" || instance.Role == "" {
		return ferrors.New(ferrors.KindInvalidInput, "agentctl.Register", "id, workspace, and role are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[instance.ID] = &tracked{instance: instance}
	return nil
}

func (c *controller) Deregister(_ context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, instanceID)
	return nil
}

func (c *controller) Assign(ctx context.Context, req AssignRequest) (AgentInstance, error) {
	if req.Workspace == "" || req.Role == "" {
		return AgentInstance{}, ferrors.New(ferrors.KindInvalidInput, "agentctl.Assign", "workspace and role are required")
	}
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	eligible := c.eligibleLocked(req, excluded)
	if len(eligible) == 0 {
		return AgentInstance{}, ferrors.New(ferrors.KindNotFound, "agentctl.Assign", "no eligible agent instance for role").
			WithDetails(map[string]any{"role": string(req.Role), "capabilities": req.RequiredCapabilities})
	}

	minLoad := eligible[0].load
	for _, t := range eligible[1:] {
		if t.load < minLoad {
			minLoad = t.load
		}
	}
	var tied []*tracked
	for _, t := range eligible {
		if t.load == minLoad {
			tied = append(tied, t)
		}
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i].instance.ID < tied[j].instance.ID })

	key := roleKey{req.Workspace, req.Project, req.Role}
	cursor := c.roundRobin[key] % len(tied)
	chosen := tied[cursor]
	c.roundRobin[key] = (cursor + 1) % len(tied)

	chosen.load++
	c.publish(ctx, events.TypeAgentAssigned, req.Workspace, chosen.instance.ID, map[string]any{"role": string(req.Role), "load": chosen.load})
	return chosen.instance, nil
}

// eligibleLocked filters registered instances by workspace/project/role,
// exclusion, and capability_match (required must be a subset of the
// instance's declared capabilities). Callers must hold mu.
func (c *controller) eligibleLocked(req AssignRequest, excluded map[string]bool) []*tracked {
	var out []*tracked
	for id, t := range c.instances {
		if excluded[id] {
			continue
		}
		if t.instance.Workspace != req.Workspace || t.instance.Role != req.Role {
			continue
		}
		if req.Project != "" && t.instance.Project != req.Project {
			continue
		}
		if !hasAllCapabilities(t.instance.Capabilities, req.RequiredCapabilities) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func hasAllCapabilities(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, req := range required {
		if !set[req] {
			return false
		}
	}
	return true
}

func (c *controller) Release(_ context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.instances[instanceID]
	if !ok {
		return nil // already deregistered; releasing is idempotent
	}
	if t.load > 0 {
		t.load--
	}
	return nil
}

func (c *controller) Handoff(ctx context.Context, fromInstanceID, toInstanceID string, keys []string) ([]memory.MemoryEntry, error) {
	if c.memory == nil {
		return nil, ferrors.New(ferrors.KindInvalidInput, "agentctl.Handoff", "no memory store configured")
	}
	entries, err := c.memory.Handoff(ctx, fromInstanceID, toInstanceID, keys)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	workspace := ""
	if t, ok := c.instances[toInstanceID]; ok {
		workspace = t.instance.Workspace
	}
	c.mu.Unlock()

	c.publish(ctx, events.TypeAgentHandoff, workspace, toInstanceID, map[string]any{
		"from_agent": fromInstanceID,
		"keys":       keys,
	})
	return entries, nil
}

func (c *controller) publish(ctx context.Context, t events.Type, workspace, agentID string, data map[string]any) {
	if c.broadcaster == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := c.broadcaster.Publish(ctx, events.Event{EventType: t, Workspace: workspace, Agent: agentID, Data: data}); err != nil {
		c.telem.Logger.Warn(ctx, "agentctl: publish event failed", "agent_id", agentID, "event_type", string(t), "err", err)
	}
}
