// Package task implements the Task public surface from spec.md §4.D: a
// logical execution context owning one Engine, one set of live
// Workers, a default/info configuration, stdout and stderr MsgTrees,
// and a completion condition.
//
// The Client arena below is grounded on the teacher's
// internal/block.Factory pattern: one owner hands out stable indices
// into a slab of records instead of letting Workers hold pointers back
// into Task state, which is how spec.md §9 says to break the
// Client-Worker cyclic reference.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cea-hpc/clustershell-go/internal/engine"
	"github.com/cea-hpc/clustershell-go/internal/gateway"
	"github.com/cea-hpc/clustershell-go/internal/msgtree"
	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/topology"
	"github.com/cea-hpc/clustershell-go/internal/worker"
)

// ErrTask reports task-level misuse or structural failure (spec.md §7:
// engine-not-supported, engine-timeout surface through here too).
type ErrTask struct{ Msg string }

func (e *ErrTask) Error() string { return "task: " + e.Msg }

// Handler carries the event callbacks spec.md §4.D names:
// ev_start/ev_pickup/ev_read/ev_hup/ev_timer/ev_close. Any callback may
// be left nil.
type Handler struct {
	OnStart  func(w *worker.Worker)
	OnPickup func(w *worker.Worker, node string)
	OnRead   func(w *worker.Worker, node, stream, line string)
	OnHup    func(w *worker.Worker, node string, rc int)
	OnTimer  func()
	OnClose  func(w *worker.Worker, timedout bool)
}

// AdaptLegacy wraps a handler of the legacy shape (node, line string)
// -- with no worker/stream parameters -- into a Handler, per spec.md
// §4.D: "a legacy handler shape ... must be tolerated and adapted."
func AdaptLegacy(fn func(node, line string)) Handler {
	return Handler{
		OnRead: func(_ *worker.Worker, node, _, line string) { fn(node, line) },
	}
}

type clientState int

const (
	queued clientState = iota
	running
	closed
)

// clientSlot is one arena entry: a spawned (or not-yet-spawned) Client
// plus the bookkeeping Task needs to run fanout scheduling and gather
// results. Workers reference slots by index (worker.ClientIndexes), not
// by pointer.
type clientSlot struct {
	node    string
	w       *worker.Worker
	client  engine.EngineClient // *worker.Client, or *gateway.SubprocessClient for a Tree slot
	state   clientState
	rc      int
	hasRC   bool
	timeout bool
}

// Port is a bounded inter-task mailbox (spec.md §5): one goroutine
// posts a message with Send and the receiver reads it from Chan(). A
// Port is not registered with any Engine, so messages are not delivered
// from inside a reactor's event loop. Grounded on the teacher's semaphore-channel idiom in
// internal/tree/tree_walking.go, generalized from a counting semaphore
// to a payload-carrying mailbox with the same backpressure shape.
type Port struct {
	ch chan interface{}
}

// NewPort creates a port with capacity qlimit; Send blocks once qlimit
// messages are outstanding, exactly as the teacher's semc acquire
// blocks on a full channel.
func NewPort(qlimit int) *Port {
	if qlimit <= 0 {
		qlimit = 1
	}
	return &Port{ch: make(chan interface{}, qlimit)}
}

func (p *Port) Send(msg interface{}) { p.ch <- msg }
func (p *Port) Chan() <-chan interface{} { return p.ch }

// Task is the top-level execution context: one Engine, its Workers,
// its gathered MsgTrees, and its config.
type Task struct {
	mu sync.Mutex

	eng *engine.Engine
	cfg *Config

	stdoutTree *msgtree.Tree
	stderrTree *msgtree.Tree

	workers []*worker.Worker
	slots   []*clientSlot

	retcodes map[string]int
	timeouts map[string]bool

	fanoutRunning int
	timeout       time.Duration

	router *topology.Router
}

// New constructs a Task with the given configuration (see Config for
// the recognized keys from spec.md §4.D).
func New(cfg *Config) (*Task, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, &ErrTask{Msg: fmt.Sprintf("could not start engine: %v", err)}
	}
	mode := msgtree.Defer
	if cfg.TraceOutput {
		mode = msgtree.Trace
	}
	t := &Task{
		eng:      eng,
		cfg:      cfg,
		retcodes: make(map[string]int),
		timeouts: make(map[string]bool),
	}
	if cfg.StdoutMsgtree {
		t.stdoutTree = msgtree.New(mode)
	}
	if cfg.StderrMsgtree {
		t.stderrTree = msgtree.New(mode)
	}
	return t, nil
}

var (
	selfMu   sync.Mutex
	selfByID = map[interface{}]*Task{}
)

// Self lazily constructs a default Task keyed by an opaque caller
// context key. Go has no true thread-local storage, so this is an
// explicit stand-in for the original's per-thread task_self(): callers
// that want isolated defaults pass distinct keys (e.g. a goroutine ID
// surrogate, or simply their own *Task owner struct).
func Self(key interface{}) *Task {
	selfMu.Lock()
	defer selfMu.Unlock()
	if t, ok := selfByID[key]; ok {
		return t
	}
	t, err := New(DefaultConfig())
	if err != nil {
		panic(err) // default config must always be constructible
	}
	selfByID[key] = t
	return t
}

func (t *Task) SetInfo(key string, value interface{})    { t.cfg.SetInfo(key, value) }
func (t *Task) SetDefault(key string, value interface{}) { t.cfg.SetDefault(key, value) }

// SetRouter gives the task a topology to propagate shells through. A
// Shell call only takes the tree path when both this is set and
// cfg.AutoTree is true -- otherwise it falls back to direct fanout,
// per spec.md §4.E: propagation is an opt-in behind auto_tree.
func (t *Task) SetRouter(r *topology.Router) { t.router = r }

// Engine exposes the underlying reactor, e.g. for adding ad hoc timers
// with Engine().AddTimer directly, as spec.md §4.C's supplement wants.
func (t *Task) Engine() *engine.Engine { return t.eng }

// ShellOption adjusts a single Shell call without widening Shell's
// fixed parameter list, the same functional-option shape the teacher
// uses for tree construction (WithRootKey/WithRevisionKey).
type ShellOption func(*worker.Spec)

// WithLocal forces the command to run in the local shell instead of
// over ssh/rsh, per the original's distant=False task.shell() kwarg.
func WithLocal(local bool) ShellOption {
	return func(s *worker.Spec) {
		if local {
			s.Category = worker.LocalExec
		}
	}
}

// Shell schedules a command against nodes, respecting the fanout
// policy: at most cfg.Fanout clients run concurrently; the rest queue
// and are promoted as running clients close.
func (t *Task) Shell(command string, nodes *nodeset.NodeSet, spec worker.Spec, h Handler, opts ...ShellOption) (*worker.Worker, error) {
	if nodes == nil || nodes.IsEmpty() {
		return nil, &ErrTask{Msg: "shell: empty target node set"}
	}
	spec.Command = command
	for _, opt := range opts {
		opt(&spec)
	}
	if t.cfg.AutoTree && t.router != nil && spec.Category != worker.LocalExec {
		return t.scheduleTree(spec, nodes, h)
	}
	return t.schedule(spec, nodes, h)
}

// Copy schedules a file push to nodes.
func (t *Task) Copy(src, dst string, nodes *nodeset.NodeSet, spec worker.Spec, h Handler) (*worker.Worker, error) {
	spec.Category = worker.Copy
	spec.CopySource, spec.CopyDest = src, dst
	return t.schedule(spec, nodes, h)
}

// Rcopy schedules a file pull from nodes.
func (t *Task) Rcopy(src, dst string, nodes *nodeset.NodeSet, spec worker.Spec, h Handler) (*worker.Worker, error) {
	spec.Category = worker.Rcopy
	spec.CopySource, spec.CopyDest = src, dst
	return t.schedule(spec, nodes, h)
}

func (t *Task) schedule(spec worker.Spec, nodes *nodeset.NodeSet, h Handler) (*worker.Worker, error) {
	names := nodes.Slice()
	w := &worker.Worker{Spec: spec}

	t.mu.Lock()
	t.workers = append(t.workers, w)
	for i, node := range names {
		node, rank := node, i
		slot := &clientSlot{node: node, w: w, state: queued}
		idx := len(t.slots)
		t.slots = append(t.slots, slot)
		w.ClientIndexes = append(w.ClientIndexes, idx)

		cb := worker.Callbacks{
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
			OnClose: func(node string, rc int, timedout bool) {
				t.onClientClose(idx, node, rc, timedout, w, h)
			},
		}
		client, err := worker.NewClient(spec, node, rank, cb)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		slot.client = client
	}
	t.mu.Unlock()

	if h.OnStart != nil {
		h.OnStart(w)
	}
	t.promote()
	return w, nil
}

// onClientClose runs when a client's last stream hits EOF (or it was
// aborted). It records the retcode/timeout, fires ev_hup, promotes the
// next queued client, and -- once every slot belonging to w is closed
// -- fires ev_close.
func (t *Task) onClientClose(idx int, node string, rc int, timedout bool, w *worker.Worker, h Handler) {
	t.mu.Lock()
	slot := t.slots[idx]
	slot.state = closed
	slot.rc, slot.hasRC, slot.timeout = rc, !timedout, timedout
	if timedout {
		t.timeouts[node] = true
	} else {
		t.retcodes[node] = rc
	}
	t.fanoutRunning--
	allClosed := true
	for _, i := range w.ClientIndexes {
		if t.slots[i].state != closed {
			allClosed = false
			break
		}
	}
	t.mu.Unlock()

	if h.OnHup != nil && !timedout {
		h.OnHup(w, node, rc)
	}
	t.promote()
	if allClosed && h.OnClose != nil {
		h.OnClose(w, timedout)
	}
}

// promote starts queued clients, up to the fanout limit, by registering
// them with the engine. Grounded on the teacher's errgroup-plus-
// buffered-channel fanout gate (internal/tree/tree_walking.go), adapted
// from a one-shot bounded fan-out to a running promote-on-close gate.
func (t *Task) promote() {
	t.mu.Lock()
	fanout := t.cfg.Fanout
	if fanout <= 0 {
		fanout = 1 << 30 // effectively unbounded
	}
	var toStart []*clientSlot
	for _, slot := range t.slots {
		if t.fanoutRunning >= fanout {
			break
		}
		if slot.state == queued {
			slot.state = running
			t.fanoutRunning++
			toStart = append(toStart, slot)
		}
	}
	t.mu.Unlock()

	for _, slot := range toStart {
		if err := t.eng.RegisterClient(slot.client); err != nil {
			// Start can fail after already spawning a child (e.g. ssh
			// launched, then a post-spawn step errors). Close reaps
			// the process and drives the same cb.OnClose bookkeeping
			// path a normal EOF would, instead of leaking the child
			// or double-counting the slot's completion.
			slot.client.Close(true, false)
		}
	}
}

// Timer schedules delay/interval exactly like Engine().AddTimer, but
// also fires the ev_timer callback on h if non-nil.
func (t *Task) Timer(delay, interval time.Duration, h Handler) *engine.Timer {
	return t.eng.AddTimer(delay, interval, false, func() {
		if h.OnTimer != nil {
			h.OnTimer()
		}
	})
}

// Run blocks until all workers finish or the task timeout elapses.
func (t *Task) Run(timeout time.Duration) error {
	t.timeout = timeout
	if timeout > 0 {
		t.eng.SetTimeout(timeout)
	}
	return t.eng.Run()
}

// Resume calls Run with the command_timeout task-info value as the
// task timeout, matching spec.md's resume()/run() pair for tasks that
// already had their timeout set via SetInfo.
func (t *Task) Resume() error {
	d := t.cfg.CommandTimeout
	return t.Run(d)
}

// Abort cancels every live client. kill=true skips graceful shutdown.
func (t *Task) Abort(kill bool) { t.eng.Abort(kill) }

// IterBuffers returns one (message, nodes) pair per distinct gathered
// stdout buffer, sorted for determinism.
func (t *Task) IterBuffers() []msgtree.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdoutTree == nil {
		return nil
	}
	return t.stdoutTree.Walk()
}

// IterErrors returns one (message, nodes) pair per distinct gathered
// stderr buffer.
func (t *Task) IterErrors() []msgtree.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stderrTree == nil {
		return nil
	}
	return t.stderrTree.Walk()
}

// NodeBuffer returns the gathered stdout for one node.
func (t *Task) NodeBuffer(node string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdoutTree == nil {
		return "", false
	}
	return t.stdoutTree.Get(node)
}

// MaxRetcode returns the maximum of all per-node retcodes that
// produced a value; unaffected by timed-out nodes, per spec.md §8
// property 7.
func (t *Task) MaxRetcode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := 0
	first := true
	for _, rc := range t.retcodes {
		if first || rc > max {
			max = rc
			first = false
		}
	}
	return max
}

// NumTimeout returns the number of nodes that timed out rather than
// producing a retcode.
func (t *Task) NumTimeout() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timeouts)
}

// Retcodes returns a copy of every recorded retcode, keyed by node. The
// map carries no order; SortedNodes gives the nodes in sorted order.
func (t *Task) Retcodes() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.retcodes))
	for k, v := range t.retcodes {
		out[k] = v
	}
	return out
}

// Timeouts returns the sorted list of nodes that timed out rather than
// producing a retcode.
func (t *Task) Timeouts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.timeouts))
	for n := range t.timeouts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SortedNodes is a small convenience used by CLIs to render output in a
// stable order.
func SortedNodes(m map[string]int) []string {
	nodes := make([]string, 0, len(m))
	for n := range m {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
