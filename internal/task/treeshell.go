package task

import (
	"sort"

	"github.com/cea-hpc/clustershell-go/internal/gateway"
	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/topology"
	"github.com/cea-hpc/clustershell-go/internal/worker"
)

// scheduleTree is Shell's tree-propagation path (spec.md §4.E): instead
// of one Client per leaf node, it partitions nodes by next-hop gateway
// via t.router.Distribute and runs one gateway.SubprocessClient per
// gateway, each driving its own subtree through the wire protocol.
// Completion and result bookkeeping for the leaf nodes inside a
// gateway's subtree arrives later, out of band, through that
// SubprocessClient's RelayCallbacks rather than through onClientClose.
func (t *Task) scheduleTree(spec worker.Spec, nodes *nodeset.NodeSet, h Handler) (*worker.Worker, error) {
	dist, err := t.router.Distribute(nodes)
	if err != nil {
		return nil, err
	}
	if len(dist) == 0 {
		return nil, &ErrTask{Msg: "shell: no reachable gateway covers the requested targets"}
	}

	gwNames := make([]string, 0, len(dist))
	for gw := range dist {
		gwNames = append(gwNames, gw)
	}
	sort.Strings(gwNames)

	w := &worker.Worker{Spec: spec}
	total := nodes.Len()

	t.mu.Lock()
	t.workers = append(t.workers, w)
	for _, gwName := range gwNames {
		gwName := gwName
		slice := dist[gwName]
		slot := &clientSlot{node: gwName, w: w, state: queued}
		idx := len(t.slots)
		t.slots = append(t.slots, slot)
		w.ClientIndexes = append(w.ClientIndexes, idx)

		info := map[string]interface{}{
			"debug":           t.cfg.Debug,
			"fanout":          topology.FanoutSlice(t.cfg.Fanout, slice.Len(), total),
			"grooming_delay":  t.cfg.GroomingDelay,
			"connect_timeout": spec.ConnectTimeout,
			"command_timeout": spec.CommandTimeout,
		}
		argv, err := spec.GatewayArgv(gwName)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}

		cb := gateway.RelayCallbacks{
			OnPickup: func(node string) {
				if h.OnPickup != nil {
					h.OnPickup(w, node)
				}
			},
			OnLine: func(node, stream, line string) {
				t.mu.Lock()
				if stream == "stdout" && t.stdoutTree != nil {
					t.stdoutTree.Add(node, line)
				}
				if stream == "stderr" && t.stderrTree != nil {
					t.stderrTree.Add(node, line)
				}
				t.mu.Unlock()
				if h.OnRead != nil {
					h.OnRead(w, node, stream, line)
				}
			},
			OnRetcode: func(node string, rc int, timedout bool) {
				t.mu.Lock()
				if timedout {
					t.timeouts[node] = true
				} else {
					t.retcodes[node] = rc
				}
				t.mu.Unlock()
				if h.OnHup != nil && !timedout {
					h.OnHup(w, node, rc)
				}
			},
			OnClose: func(timedout bool) {
				t.onGatewayClose(idx, w, h)
			},
		}

		client := gateway.NewSubprocessClient(gwName, slice, spec.Command, info, t.cfg.GroomingDelay, argv, t.router, cb)
		slot.client = client
	}
	t.mu.Unlock()

	if h.OnStart != nil {
		h.OnStart(w)
	}
	t.promote()
	return w, nil
}

// onGatewayClose runs when a gateway's SubprocessClient closes: unlike
// onClientClose, it never records a retcode under the gateway's own
// name (per-leaf retcodes already arrived through RelayCallbacks.
// OnRetcode), it only retires the slot and fires ev_close once every
// slot belonging to w has closed.
func (t *Task) onGatewayClose(idx int, w *worker.Worker, h Handler) {
	t.mu.Lock()
	slot := t.slots[idx]
	slot.state = closed
	t.fanoutRunning--
	allClosed := true
	for _, i := range w.ClientIndexes {
		if t.slots[i].state != closed {
			allClosed = false
			break
		}
	}
	t.mu.Unlock()

	t.promote()
	if allClosed && h.OnClose != nil {
		h.OnClose(w, false)
	}
}
