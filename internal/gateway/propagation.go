package gateway

import (
	"context"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/topology"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentGateways bounds how many gateway subprocesses get a CTL
// message in flight at once, the same bounded-fanout idiom the teacher
// uses for concurrent child loads.
const maxConcurrentGateways = 8

// PropagationTree fans a shell command out to every next-hop gateway
// reachable from the router, splitting the target NodeSet along
// subtree boundaries per spec.md §4.E's D_i = D ∩ subtree(gw_i).
type PropagationTree struct {
	router      *topology.Router
	controllers map[string]*Controller
}

// NewPropagationTree wires a PropagationTree over an already-built set
// of per-gateway controllers.
func NewPropagationTree(router *topology.Router, controllers map[string]*Controller) *PropagationTree {
	return &PropagationTree{router: router, controllers: controllers}
}

// Shell distributes targets across next-hop gateways and sends each
// its slice of the command concurrently, bounded by
// maxConcurrentGateways in flight at once.
func (p *PropagationTree) Shell(targets *nodeset.NodeSet, command string) error {
	perGateway, err := p.router.Distribute(targets)
	if err != nil {
		return err
	}
	semc := make(chan struct{}, maxConcurrentGateways)
	g, _ := errgroup.WithContext(context.Background())
	for gw, slice := range perGateway {
		gw, slice := gw, slice
		ctrl, ok := p.controllers[gw]
		if !ok || slice.IsEmpty() {
			continue
		}
		g.Go(func() error {
			semc <- struct{}{}
			defer func() { <-semc }()
			return ctrl.Shell(slice.Fold(0), command)
		})
	}
	return g.Wait()
}
