package scheduler

import (
	"fmt"
	"sync"

	"github.com/taskmesh/orchestrator/core"
)

// nodeStatus mirrors a plan step's lifecycle for DAG bookkeeping purposes.
type nodeStatus int

const (
	nodePending nodeStatus = iota
	nodeRunning
	nodeCompleted
	nodeFailed
	nodeSkipped
)

type dagNode struct {
	ID           string
	Dependencies []string
	Dependents   []string
	Status       nodeStatus
}

// dag is the dependency graph backing a single plan's execution. It is the
// Scheduler's private bookkeeping structure, not exposed outside this
// package: ready-set computation, cycle detection and skip-cascade
// propagation all live here.
type dag struct {
	nodes map[string]*dagNode
	mu    sync.RWMutex
}

func newDAG() *dag {
	return &dag{nodes: make(map[string]*dagNode)}
}

func (d *dag) addNode(id string, deps []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.nodes[id]; ok {
		existing.Dependencies = deps
	} else {
		d.nodes[id] = &dagNode{ID: id, Dependencies: deps, Status: nodePending}
	}
	d.rebuildDependents()
}

func (d *dag) rebuildDependents() {
	for _, n := range d.nodes {
		n.Dependents = nil
	}
	for id, n := range d.nodes {
		for _, dep := range n.Dependencies {
			depNode, ok := d.nodes[dep]
			if !ok {
				continue
			}
			found := false
			for _, existing := range depNode.Dependents {
				if existing == id {
					found = true
					break
				}
			}
			if !found {
				depNode.Dependents = append(depNode.Dependents, id)
			}
		}
	}
}

// validate enforces invariants 1 and 2: the graph is acyclic and every
// dependency resolves to a node that exists in the same plan.
func (d *dag) validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, n := range d.nodes {
		for _, dep := range n.Dependencies {
			if _, ok := d.nodes[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", core.ErrUnknownDependency, id, dep)
			}
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for id := range d.nodes {
		if !visited[id] {
			if d.hasCycle(id, visited, inStack) {
				return core.ErrCyclicDependency
			}
		}
	}
	return nil
}

func (d *dag) hasCycle(id string, visited, inStack map[string]bool) bool {
	visited[id] = true
	inStack[id] = true

	for _, dep := range d.nodes[id].Dependencies {
		if !visited[dep] {
			if d.hasCycle(dep, visited, inStack) {
				return true
			}
		} else if inStack[dep] {
			return true
		}
	}

	inStack[id] = false
	return false
}

// readyNodes returns node IDs whose status is pending and whose
// dependencies are all completed or skipped.
func (d *dag) readyNodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []string
	for id, n := range d.nodes {
		if n.Status == nodePending && d.depsSettled(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *dag) depsSettled(id string) bool {
	n := d.nodes[id]
	for _, dep := range n.Dependencies {
		depNode := d.nodes[dep]
		if depNode.Status != nodeCompleted && depNode.Status != nodeSkipped {
			return false
		}
	}
	return true
}

func (d *dag) markRunning(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = nodeRunning
	}
}

func (d *dag) markCompleted(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = nodeCompleted
	}
}

// markFailed marks id as failed and cascades skips to every transitive
// dependent still pending, per invariant 5.
func (d *dag) markFailed(id string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return nil
	}
	n.Status = nodeFailed

	var skipped []string
	d.cascadeSkip(id, &skipped)
	return skipped
}

func (d *dag) cascadeSkip(id string, skipped *[]string) {
	n := d.nodes[id]
	for _, dependent := range n.Dependents {
		depNode := d.nodes[dependent]
		if depNode != nil && depNode.Status == nodePending {
			depNode.Status = nodeSkipped
			*skipped = append(*skipped, dependent)
			d.cascadeSkip(dependent, skipped)
		}
	}
}

func (d *dag) hasRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.nodes {
		if n.Status == nodeRunning {
			return true
		}
	}
	return false
}

func (d *dag) counts() (completed, failed, skipped, total int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total = len(d.nodes)
	for _, n := range d.nodes {
		switch n.Status {
		case nodeCompleted:
			completed++
		case nodeFailed:
			failed++
		case nodeSkipped:
			skipped++
		}
	}
	return
}
