// Package graph arranges operations into a dependency DAG. Edges come from
// deferred references detected during payload building, and phase barriers
// force deletes to run leaf-first before any create touches the tree.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/model"
)

// CyclicDependencyError reports a dependency cycle, either at edge insertion
// or when the sort finds unreachable nodes.
type CyclicDependencyError struct {
	Nodes []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Nodes, ", "))
}

// DanglingReferenceError reports a deferred reference to a row that is not
// part of the batch.
type DanglingReferenceError struct {
	NodeID string
	RowID  string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("node %s references row %q which is not in the batch", e.NodeID, e.RowID)
}

type Node struct {
	ID    string
	Op    *model.Operation
	Depth int

	dependencies map[string]struct{}
	dependents   map[string]struct{}

	skipOnce sync.Once
}

// SkipOnce runs f at most once for this node's lifetime. Several upstream
// failures in the same wave can cascade into one shared dependent
// concurrently; only the first caller gets to mark it skipped.
func (n *Node) SkipOnce(f func()) {
	n.skipOnce.Do(f)
}

// Dependencies returns the IDs of nodes this node waits for.
func (n *Node) Dependencies() []string {
	return sortedKeys(n.dependencies)
}

// Dependents returns the IDs of nodes waiting for this node.
func (n *Node) Dependents() []string {
	return sortedKeys(n.dependents)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, keeps batches deterministic
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Len() int { return len(g.nodes) }

// AddOperation inserts a node for the operation, keyed by object type and
// row ID.
func (g *Graph) AddOperation(op *model.Operation) *Node {
	id := op.NodeID()
	if existing, ok := g.nodes[id]; ok {
		return existing
	}
	n := &Node{
		ID:           id,
		Op:           op,
		dependencies: make(map[string]struct{}),
		dependents:   make(map[string]struct{}),
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n
}

// AddDependency makes dependent wait for dependency. The edge is rejected,
// and removed, when it would close a cycle.
func (g *Graph) AddDependency(dependentID, dependencyID string) error {
	if dependentID == dependencyID {
		return &CyclicDependencyError{Nodes: []string{dependentID}}
	}
	dependent, ok := g.nodes[dependentID]
	if !ok {
		return fmt.Errorf("unknown node %q", dependentID)
	}
	dependency, ok := g.nodes[dependencyID]
	if !ok {
		return fmt.Errorf("unknown node %q", dependencyID)
	}

	dependent.dependencies[dependencyID] = struct{}{}
	dependency.dependents[dependentID] = struct{}{}

	if cycle := g.findCycle(dependentID); cycle != nil {
		delete(dependent.dependencies, dependencyID)
		delete(dependency.dependents, dependentID)
		return &CyclicDependencyError{Nodes: cycle}
	}
	return nil
}

// findCycle runs an iterative DFS from start over dependency edges and
// returns the nodes on the first cycle found.
func (g *Graph) findCycle(start string) []string {
	type frame struct {
		id   string
		next []string
	}
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	stack := []frame{{id: start, next: g.nodes[start].Dependencies()}}
	onStack[start] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.next) == 0 {
			onStack[top.id] = false
			visited[top.id] = true
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.next[0]
		top.next = top.next[1:]
		if onStack[next] {
			// Only the frames from next onward are on the cycle; anything
			// earlier is just the path that led into it.
			start := 0
			for i, f := range stack {
				if f.id == next {
					start = i
					break
				}
			}
			cycle := make([]string, 0, len(stack)-start)
			for _, f := range stack[start:] {
				cycle = append(cycle, f.id)
			}
			return cycle
		}
		if !visited[next] {
			onStack[next] = true
			stack = append(stack, frame{id: next, next: g.nodes[next].Dependencies()})
		}
	}
	return nil
}

// BuildFromOperations assembles the full execution graph: one node per
// operation, reference edges, phase barriers and depths.
func BuildFromOperations(ctx context.Context, ops []*model.Operation) (*Graph, error) {
	g := New()
	for _, op := range ops {
		g.AddOperation(op)
	}
	if err := g.detectDependencies(ctx); err != nil {
		return nil, err
	}
	if err := g.applyPhasing(); err != nil {
		return nil, err
	}
	if err := g.calculateDepths(); err != nil {
		return nil, err
	}
	return g, nil
}

// rowRefKeys maps deferred payload keys naming a provider row to the object
// types that row may have.
var rowRefKeys = []struct {
	key   string
	types []model.ObjectType
}{
	{model.KeyDeferredBlockRow, []model.ObjectType{model.TypeIP4Block, model.TypeIP6Block}},
	{model.KeyDeferredNetworkRow, []model.ObjectType{model.TypeIP4Network, model.TypeIP6Network}},
	{model.KeyDeferredZoneRow, []model.ObjectType{model.TypeDNSZone}},
	{model.KeyDeferredLocationRow, []model.ObjectType{model.TypeLocation}},
	{model.KeyDeferredDevTypeRow, []model.ObjectType{model.TypeDeviceType}},
	{model.KeyDeferredSubtypeRow, []model.ObjectType{model.TypeDeviceSubtype}},
	{model.KeyDeferredDeviceRow, []model.ObjectType{model.TypeDevice}},
}

func (g *Graph) detectDependencies(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	for _, id := range g.order {
		node := g.nodes[id]
		for _, ref := range rowRefKeys {
			rowID, ok := node.Op.Payload[ref.key].(string)
			if !ok || rowID == "" {
				continue
			}
			found := false
			for _, t := range ref.types {
				providerID := string(t) + ":" + rowID
				if _, exists := g.nodes[providerID]; !exists {
					continue
				}
				found = true
				if providerID == id {
					break
				}
				if err := g.AddDependency(id, providerID); err != nil {
					return err
				}
				break
			}
			if !found {
				return &DanglingReferenceError{NodeID: id, RowID: rowID}
			}
		}
	}

	log.Debug("Detected reference dependencies.", "nodes", len(g.nodes))
	return nil
}

// phaseIndex maps each object type to its phase position.
var phaseIndex = func() map[model.ObjectType]int {
	m := make(map[model.ObjectType]int)
	for i, phase := range model.PhaseOrder {
		for _, t := range phase {
			m[t] = i
		}
	}
	return m
}()

// applyPhasing inserts barrier nodes between phases. Delete phases run in
// reverse order, and the whole delete chain completes before the first
// create phase starts.
func (g *Graph) applyPhasing() error {
	deletes := make([][]string, len(model.PhaseOrder))
	creates := make([][]string, len(model.PhaseOrder))
	for _, id := range g.order {
		node := g.nodes[id]
		phase, ok := phaseIndex[node.Op.ObjectType]
		if !ok {
			continue
		}
		if node.Op.Type == model.OpDelete {
			deletes[phase] = append(deletes[phase], id)
		} else {
			creates[phase] = append(creates[phase], id)
		}
	}

	previousBarrier := ""
	link := func(barrierRow string, phaseNodes []string) error {
		barrier := g.AddOperation(&model.Operation{
			RowID:      barrierRow,
			Type:       model.OpNoop,
			ObjectType: model.TypeSystemBarrier,
			Payload:    make(map[string]any),
			Status:     model.StatusPending,
		})
		for _, id := range phaseNodes {
			if previousBarrier != "" {
				if err := g.AddDependency(id, previousBarrier); err != nil {
					return err
				}
			}
			if err := g.AddDependency(barrier.ID, id); err != nil {
				return err
			}
		}
		previousBarrier = barrier.ID
		return nil
	}

	for i := len(model.PhaseOrder) - 1; i >= 0; i-- {
		if len(deletes[i]) == 0 {
			continue
		}
		if err := link(fmt.Sprintf("barrier_delete_phase_%d", i), deletes[i]); err != nil {
			return err
		}
	}
	for i := range model.PhaseOrder {
		if len(creates[i]) == 0 {
			continue
		}
		if err := link(fmt.Sprintf("barrier_create_phase_%d", i), creates[i]); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalSort returns node IDs in dependency order using Kahn's
// algorithm, or an error naming the nodes stuck on a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id, node := range g.nodes {
		inDegree[id] = len(node.dependencies)
	}

	var ready []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	sorted := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)
		for _, dep := range g.nodes[id].Dependents() {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(g.nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CyclicDependencyError{Nodes: stuck}
	}
	return sorted, nil
}

// calculateDepths assigns each node one more than the deepest dependency.
func (g *Graph) calculateDepths() error {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	for _, id := range sorted {
		node := g.nodes[id]
		depth := 0
		for depID := range node.dependencies {
			if d := g.nodes[depID].Depth + 1; d > depth {
				depth = d
			}
		}
		node.Depth = depth
	}
	return nil
}

// ExecutionBatches groups operations by depth. Everything within one batch
// is safe to run concurrently.
func (g *Graph) ExecutionBatches() [][]*model.Operation {
	byDepth := make(map[int][]string)
	maxDepth := 0
	for id, node := range g.nodes {
		byDepth[node.Depth] = append(byDepth[node.Depth], id)
		if node.Depth > maxDepth {
			maxDepth = node.Depth
		}
	}

	batches := make([][]*model.Operation, 0, maxDepth+1)
	for depth := 0; depth <= maxDepth; depth++ {
		ids := byDepth[depth]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		batch := make([]*model.Operation, 0, len(ids))
		for _, id := range ids {
			batch = append(batch, g.nodes[id].Op)
		}
		batches = append(batches, batch)
	}
	return batches
}

// Validate checks the assembled graph: it must sort cleanly, and object
// types with no phase are flagged.
func (g *Graph) Validate(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)
	for _, id := range g.order {
		t := g.nodes[id].Op.ObjectType
		if t == model.TypeSystemBarrier {
			continue
		}
		if _, ok := phaseIndex[t]; !ok {
			log.Warn("Object type has no phase, running unordered.", "objectType", t)
		}
	}
	_, err := g.TopologicalSort()
	return err
}
