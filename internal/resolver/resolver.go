// Package resolver computes dependency-ordered start and stop sequences
// over the registered service graph.
package resolver

import (
	"sort"

	"github.com/helios-os/service_core/internal/service"
)

// Graph supplies dependency edges for resolution. The registry implements it.
type Graph interface {
	// Dependencies returns the declared dependencies of a service, or
	// service.ErrServiceNotFound if the ID is unknown.
	Dependencies(id service.ID) ([]service.Dependency, error)
}

// color marks DFS progress per node.
type color uint8

const (
	white color = iota // unvisited
	gray               // on the current DFS path
	black              // fully resolved
)

// Resolver produces deterministic dependency orderings.
type Resolver struct {
	graph Graph
}

// New creates a resolver over the given dependency graph.
func New(g Graph) *Resolver {
	return &Resolver{graph: g}
}

// StartOrder returns the services in an order where every dependency
// precedes its dependents. Input IDs and their transitive dependencies
// are all included. The ordering is deterministic: ties break on
// ascending service ID.
//
// Returns a *service.CycleError wrapping service.ErrCircularDependency
// when the graph contains a cycle reachable from the inputs, and
// service.ErrServiceNotFound when an edge points at an unknown service.
func (r *Resolver) StartOrder(ids []service.ID) ([]service.ID, error) {
	roots := make([]service.ID, len(ids))
	copy(roots, ids)
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	colors := make(map[service.ID]color)
	order := make([]service.ID, 0, len(roots))

	var visit func(id service.ID) error
	visit = func(id service.ID) error {
		switch colors[id] {
		case black:
			return nil
		case gray:
			return service.NewCycleError(id)
		}
		colors[id] = gray

		deps, err := r.graph.Dependencies(id)
		if err != nil {
			return err
		}
		edges := make([]service.ID, 0, len(deps))
		for _, d := range deps {
			edges = append(edges, d.ID)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		for _, dep := range edges {
			if err := visit(dep); err != nil {
				return err
			}
		}

		colors[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range roots {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StopOrder is the exact reverse of StartOrder: dependents stop before
// their dependencies.
func (r *Resolver) StopOrder(ids []service.ID) ([]service.ID, error) {
	order, err := r.StartOrder(ids)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Validate checks the whole subgraph reachable from ids for cycles and
// dangling edges without producing an ordering.
func (r *Resolver) Validate(ids []service.ID) error {
	_, err := r.StartOrder(ids)
	return err
}
