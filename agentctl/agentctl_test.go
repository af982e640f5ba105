package agentctl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/agentctl"
	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/memory"
	"github.com/mgxai/fabric/telemetry"
)

func newController(t *testing.T) agentctl.Controller {
	t.Helper()
	return agentctl.New(memory.NewInMemoryStore(memory.Limits{}), events.NewBroadcaster(telemetry.NoopSet()), telemetry.NoopSet())
}

func TestAssignFiltersByCapabilityMatch(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a1", Workspace: "ws1", Role: agentctl.RoleEngineer, Capabilities: []string{"go"}}))
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a2", Workspace: "ws1", Role: agentctl.RoleEngineer, Capabilities: []string{"go", "python"}}))

	got, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RoleEngineer, RequiredCapabilities: []string{"python"}})
	require.NoError(t, err)
	require.Equal(t, "a2", got.ID)
}

func TestAssignPrefersLeastLoaded(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a1", Workspace: "ws1", Role: agentctl.RoleTester}))
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a2", Workspace: "ws1", Role: agentctl.RoleTester}))

	first, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RoleTester})
	require.NoError(t, err)

	second, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RoleTester})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID, "second assignment should prefer the still-unloaded instance")
}

func TestAssignRoundRobinsAmongTiedLoad(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a1", Workspace: "ws1", Role: agentctl.RolePlanner}))
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a2", Workspace: "ws1", Role: agentctl.RolePlanner}))

	first, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RolePlanner})
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, first.ID))

	second, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RolePlanner})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID, "round-robin should rotate even when load is tied at zero again after release")
}

func TestAssignFailoverExcludesFailedInstance(t *testing.T) {
	c := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a1", Workspace: "ws1", Role: agentctl.RoleReviewer}))
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "a2", Workspace: "ws1", Role: agentctl.RoleReviewer}))

	failed, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RoleReviewer})
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, failed.ID))

	retry, err := c.Assign(ctx, agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RoleReviewer, Exclude: []string{failed.ID}})
	require.NoError(t, err)
	require.NotEqual(t, failed.ID, retry.ID)
}

func TestAssignReturnsNotFoundWhenNoEligibleInstance(t *testing.T) {
	c := newController(t)
	_, err := c.Assign(context.Background(), agentctl.AssignRequest{Workspace: "ws1", Role: agentctl.RoleEngineer})
	require.Error(t, err)
}

func TestHandoffDelegatesToMemoryAndEmitsEvent(t *testing.T) {
	memStore := memory.NewInMemoryStore(memory.Limits{})
	b := events.NewBroadcaster(telemetry.NoopSet())
	c := agentctl.New(memStore, b, telemetry.NoopSet())
	ctx := context.Background()

	sub, err := b.Subscribe("watch", []string{"all"})
	require.NoError(t, err)
	defer b.Unsubscribe("watch")

	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "from1", Workspace: "ws1", Role: agentctl.RoleEngineer}))
	require.NoError(t, c.Register(ctx, agentctl.AgentInstance{ID: "to1", Workspace: "ws1", Role: agentctl.RoleReviewer}))
	require.NoError(t, memStore.Remember(ctx, "from1", "summary", "done"))

	copied, err := c.Handoff(ctx, "from1", "to1", []string{"summary"})
	require.NoError(t, err)
	require.Len(t, copied, 1)

	e := <-sub.Events()
	require.Equal(t, events.TypeAgentHandoff, e.EventType)
	require.Equal(t, "to1", e.Agent)
}
