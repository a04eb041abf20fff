package topology

import (
	"fmt"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
)

// ErrRouteResolving reports that dst is no longer reachable through
// any live gateway, e.g. because its only path was marked unreachable.
type ErrRouteResolving struct{ Dst string }

func (e *ErrRouteResolving) Error() string {
	return fmt.Sprintf("topology: no route to %q", e.Dst)
}

// Router answers "which of the root's children leads to dst", and
// remembers gateways that have failed so they are never routed through
// again during the same run (spec.md §4.E "Failure").
type Router struct {
	tree        *Tree
	unreachable map[string]bool
}

func NewRouter(t *Tree) *Router {
	return &Router{tree: t, unreachable: make(map[string]bool)}
}

// NextHop returns the name of the root's child whose subtree contains
// dst.
func (r *Router) NextHop(dst string) (string, error) {
	for _, child := range r.tree.Root.Children {
		if r.unreachable[child.Name] {
			continue
		}
		for _, name := range Subtree(child) {
			if name == dst {
				return child.Name, nil
			}
		}
	}
	return "", &ErrRouteResolving{Dst: dst}
}

// MarkUnreachable permanently removes gw from future routing.
func (r *Router) MarkUnreachable(gw string) { r.unreachable[gw] = true }

// Distribute partitions target set d by next-hop, returning one
// (gateway, subset) pair per child whose subtree intersects d, per
// spec.md §4.E "Work distribution": D_i = D ∩ subtree(gw_i).
func (r *Router) Distribute(d *nodeset.NodeSet) (map[string]*nodeset.NodeSet, error) {
	result := make(map[string]*nodeset.NodeSet)
	for _, child := range r.tree.Root.Children {
		if r.unreachable[child.Name] {
			continue
		}
		sub := nodeset.New()
		for _, name := range Subtree(child) {
			if d.Contains(name) {
				one, err := nodeset.Parse(name, nil)
				if err != nil {
					return nil, err
				}
				sub = sub.Union(one)
			}
		}
		if !sub.IsEmpty() {
			result[child.Name] = sub
		}
	}
	return result, nil
}

// FanoutSlice returns a proportional slice of fanout F for a subset of
// size n out of total targets, per spec.md §4.E: "a proportional slice
// of F". Always at least 1 when n > 0.
func FanoutSlice(f, n, total int) int {
	if n <= 0 || total <= 0 {
		return 0
	}
	slice := f * n / total
	if slice < 1 {
		slice = 1
	}
	return slice
}
