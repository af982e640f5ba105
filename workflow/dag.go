// Package workflow implements the Workflow Engine: DAG validation,
// continuous-readiness scheduling with parallel groups, condition
// branching, retries, and approval-gate steps (spec §4.2). The scheduler
// is built on the same engine.Engine abstraction the Task Executor uses,
// so the same step-dispatch code runs against Temporal in production and
// the in-memory engine in tests.
package workflow

import (
	"fmt"
	"sort"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/store"
)

// ValidationResult is ValidateWorkflow's {ok, errors[]} return value.
type ValidationResult struct {
	OK     bool
	Errors []string
}

// dagNode is one step plus the resolved dependent edges computed from
// DependsOnSteps, mirroring the teacher's dagNode (Task/InDegree/Children)
// generalized from a single-parent task list to the richer WorkflowStep
// shape (condition branches, approval/agent step types).
type dagNode struct {
	Step     store.WorkflowStep
	InDegree int
	Children []*dagNode
}

type dag struct {
	Nodes map[string]*dagNode
	Roots []*dagNode
}

// ValidateWorkflow checks workflow.Steps forms a valid DAG: every
// DependsOnSteps/TrueSteps/FalseSteps reference resolves to a real step,
// and Kahn's algorithm can fully order the graph (spec §4.2: "Fails with
// InvalidDAG if Kahn's algorithm leaves any node unqueued").
func ValidateWorkflow(wf store.Workflow) ValidationResult {
	var errs []string
	if len(wf.Steps) == 0 {
		return ValidationResult{OK: false, Errors: []string{"workflow has no steps"}}
	}

	byID := make(map[string]store.WorkflowStep, len(wf.Steps))
	for _, s := range wf.Steps {
		if _, dup := byID[s.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		byID[s.ID] = s
	}

	for _, s := range wf.Steps {
		for _, dep := range s.DependsOnSteps {
			if _, ok := byID[dep]; !ok {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
		for _, child := range s.TrueSteps {
			if _, ok := byID[child]; !ok {
				errs = append(errs, fmt.Sprintf("step %q true-branch references unknown step %q", s.ID, child))
			}
		}
		for _, child := range s.FalseSteps {
			if _, ok := byID[child]; !ok {
				errs = append(errs, fmt.Sprintf("step %q false-branch references unknown step %q", s.ID, child))
			}
		}
	}
	if len(errs) > 0 {
		return ValidationResult{OK: false, Errors: errs}
	}

	_, _, err := buildDAG(wf)
	if err != nil {
		return ValidationResult{OK: false, Errors: []string{err.Error()}}
	}
	return ValidationResult{OK: true}
}

// buildDAG constructs the dependency graph and, via Kahn's algorithm,
// verifies it is acyclic, returning the topological layers (each a set of
// steps with no intra-layer edges) exposed for telemetry per spec §4.2.
func buildDAG(wf store.Workflow) (*dag, [][]string, error) {
	nodes := make(map[string]*dagNode, len(wf.Steps))
	for _, s := range wf.Steps {
		nodes[s.ID] = &dagNode{Step: s, InDegree: len(s.DependsOnSteps)}
	}
	for _, node := range nodes {
		for _, depID := range node.Step.DependsOnSteps {
			parent := nodes[depID]
			parent.Children = append(parent.Children, node)
		}
	}

	var roots []*dagNode
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if nodes[id].InDegree == 0 {
			roots = append(roots, nodes[id])
		}
	}
	if len(roots) == 0 {
		return nil, nil, ferrors.New(ferrors.KindInvalidInput, "workflow.ValidateWorkflow", "workflow has circular dependencies (no root steps)")
	}

	remaining := make(map[string]int, len(nodes))
	for id, n := range nodes {
		remaining[id] = n.InDegree
	}
	var layers [][]string
	frontier := make([]*dagNode, len(roots))
	copy(frontier, roots)
	visited := 0
	for len(frontier) > 0 {
		layer := make([]string, 0, len(frontier))
		var next []*dagNode
		for _, n := range frontier {
			layer = append(layer, n.Step.ID)
			visited++
			for _, child := range n.Children {
				remaining[child.Step.ID]--
				if remaining[child.Step.ID] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		frontier = next
	}
	if visited != len(nodes) {
		return nil, nil, ferrors.New(ferrors.KindInvalidInput, "workflow.ValidateWorkflow", "workflow has a cycle: Kahn's algorithm left steps unqueued")
	}

	return &dag{Nodes: nodes, Roots: roots}, layers, nil
}
