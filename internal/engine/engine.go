// Package engine implements the event-driven I/O reactor that
// multiplexes many EngineClients (processes, sockets) plus timers onto
// a single goroutine, under a fanout-independent refcount that drives
// loop termination.
//
// The backend that actually waits for readiness (epoll / poll / a
// last-resort select) is pluggable, mirroring the teacher's
// build-tag-driven platform dispatch between cmd/musclefs/
// musclefs_linux.go and musclefs_plan9.go: one generic Engine type,
// several concrete pollers selected at construction time.
package engine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cea-hpc/clustershell-go/internal/xlog"
)

var log = xlog.New("engine")

// Event is a readiness flag delivered by a poller for one registered
// file descriptor.
type Event uint8

const (
	Read Event = 1 << iota
	Write
	Error
)

// EngineClient is implemented by anything the Engine can multiplex:
// one logical I/O endpoint (usually a child process or a socket) with
// up to three named byte streams.
type EngineClient interface {
	// Start opens file descriptors (or spawns a process) and returns the
	// set of (stream name, fd, interest) triples to register with the
	// Engine.
	Start() ([]StreamFD, error)
	// HandleRead is invoked when the engine observes stream readable.
	// Returning ErrClientEOF unregisters the stream.
	HandleRead(stream string) error
	// HandleWrite is invoked when the engine observes stream writable.
	HandleWrite(stream string) error
	// HandleError is invoked when the engine observes the error
	// condition on stream; treated like a read from stderr.
	HandleError(stream string) error
	// Close releases file descriptors, reaps any child process, and
	// delivers the final outcome. abort indicates the client was closed
	// by Task.Abort rather than reaching EOF on its own; timedout
	// indicates a deadline elapsed.
	Close(abort, timedout bool)
}

// StreamFD names one fd of a client along with its initial interest
// mask.
type StreamFD struct {
	Name   string
	FD     int
	Events Event
}

// clientEntry tracks one EngineClient's still-open streams. The client
// itself (and thus one unit of evloop_refcount) stays alive until its
// last stream reaches EOF.
type clientEntry struct {
	client     EngineClient
	openFDs    map[int]bool
	closedOnce bool
}

type registration struct {
	entry  *clientEntry
	stream string
	fd     int
	events Event
}

// Timer is a scheduled callback. Timers form a min-heap keyed by
// absolute deadline; ties are broken by insertion order, matching
// spec's "non-decreasing deadline order, ties broken by insertion
// order".
type Timer struct {
	deadline  time.Time
	interval  time.Duration
	fn        func()
	autoclose bool
	seq       int
	index     int // heap index, maintained by container/heap
	cancelled bool
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Poller is the capability set a concrete backend must implement:
// register/modify/unregister one fd, and block until one or more fds
// are ready or the timeout elapses.
type Poller interface {
	Name() string
	Register(fd int, events Event) error
	Modify(fd int, events Event) error
	Unregister(fd int) error
	Poll(timeout time.Duration) ([]ReadyFD, error)
	Close() error
}

// ReadyFD reports one fd's readiness as returned by Poll.
type ReadyFD struct {
	FD     int
	Events Event
}

// Engine owns the fd table, the timer heap, and evloop_refcount (alive
// clients + alive non-autoclose timers). Invariants: every registered
// fd belongs to exactly one client; a client's fd-set is a subset of
// the Engine's map; refcount == 0 implies the loop exits.
type Engine struct {
	mu sync.Mutex

	poller   Poller
	regs     map[int]*registration
	timers   timerHeap
	timerSeq int

	refcount int

	userTimeout time.Duration
	start       time.Time

	aborted bool
}

// New constructs an Engine using the backend chosen by selectBackend (user
// override, else preferred, else fallback).
func New(preferred string) (*Engine, error) {
	p, err := selectBackend(preferred)
	if err != nil {
		return nil, err
	}
	return &Engine{
		poller: p,
		regs:   make(map[int]*registration),
		start:  time.Now(),
	}, nil
}

// BackendName reports which concrete poller this Engine is using.
func (e *Engine) BackendName() string { return e.poller.Name() }

// SetTimeout sets the Task-level wall-clock timeout for the run; zero
// means no timeout.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userTimeout = d
}

// RegisterClient starts a client and registers all the streams it
// returns.
func (e *Engine) RegisterClient(c EngineClient) error {
	const method = "Engine.RegisterClient"
	streams, err := c.Start()
	if err != nil {
		return errorf(method, "starting client: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := &clientEntry{client: c, openFDs: make(map[int]bool, len(streams))}
	for _, s := range streams {
		if _, exists := e.regs[s.FD]; exists {
			return errorf(method, "fd %d already registered", s.FD)
		}
		if err := e.poller.Register(s.FD, s.Events); err != nil {
			return errorf(method, "registering fd %d: %v", s.FD, err)
		}
		e.regs[s.FD] = &registration{entry: entry, stream: s.Name, fd: s.FD, events: s.Events}
		entry.openFDs[s.FD] = true
	}
	e.refcount++
	return nil
}

// removeStream unregisters one fd. Once a client's last stream is
// removed, its Close is invoked and evloop_refcount drops by one for
// that client (not per stream). Caller holds e.mu.
func (e *Engine) removeStream(fd int) {
	reg, ok := e.regs[fd]
	if !ok {
		return
	}
	_ = e.poller.Unregister(fd)
	delete(e.regs, fd)
	entry := reg.entry
	delete(entry.openFDs, fd)
	if len(entry.openFDs) == 0 && !entry.closedOnce {
		entry.closedOnce = true
		e.refcount--
		e.mu.Unlock()
		entry.client.Close(false, false)
		e.mu.Lock()
	}
}

// AddTimer schedules fn to run after delay, then (if interval > 0)
// repeatedly every interval, until cancelled. autoclose timers don't
// contribute to evloop_refcount (spec.md §9 open-question resolution).
func (e *Engine) AddTimer(delay, interval time.Duration, autoclose bool, fn func()) *Timer {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timerSeq++
	t := &Timer{
		deadline:  time.Now().Add(delay),
		interval:  interval,
		fn:        fn,
		autoclose: autoclose,
		seq:       e.timerSeq,
	}
	heap.Push(&e.timers, t)
	if !autoclose {
		e.refcount++
	}
	return t
}

// RemoveTimer cancels a pending/repeating timer.
func (e *Engine) RemoveTimer(t *Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return
	}
	t.cancelled = true
	heap.Remove(&e.timers, t.index)
	if !t.autoclose {
		e.refcount--
	}
}

// Refcount returns evloop_refcount: alive clients plus alive
// non-autoclose timers.
func (e *Engine) Refcount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}

// nextTimerDelay returns the delay until the next timer fires, or -1 if
// there are none pending. Caller holds e.mu.
func (e *Engine) nextTimerDelay() time.Duration {
	if len(e.timers) == 0 {
		return -1
	}
	d := time.Until(e.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	return d
}

// fireDueTimers runs every timer whose deadline has passed, in
// non-decreasing deadline order (guaranteed by the heap), rescheduling
// repeating timers. Caller holds e.mu; fn is invoked with the lock
// released to honor "handlers must not be called while holding engine
// state locks that they might reenter".
func (e *Engine) fireDueTimers() {
	now := time.Now()
	var due []*Timer
	for len(e.timers) > 0 && !e.timers[0].deadline.After(now) {
		t := heap.Pop(&e.timers).(*Timer)
		due = append(due, t)
	}
	e.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	e.mu.Lock()
	for _, t := range due {
		if t.cancelled {
			continue
		}
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
			heap.Push(&e.timers, t)
		} else if !t.autoclose {
			e.refcount--
		}
	}
}

// Run executes the reactor loop per spec.md §4.C steps 1-7, until
// evloop_refcount reaches zero or the user timeout elapses.
func (e *Engine) Run() error {
	for {
		e.mu.Lock()
		if e.aborted {
			e.mu.Unlock()
			return nil
		}
		if e.refcount == 0 {
			e.mu.Unlock()
			return nil
		}
		timerDelay := e.nextTimerDelay()
		e.mu.Unlock()

		timeout := timerDelay
		if e.userTimeout > 0 {
			remaining := e.userTimeout - time.Since(e.start)
			if remaining <= 0 {
				return ErrTimeout
			}
			if timeout < 0 || remaining < timeout {
				timeout = remaining
			}
		}
		if timeout < 0 {
			timeout = 24 * time.Hour
		}

		ready, err := e.poller.Poll(timeout)
		if err != nil {
			return err
		}

		e.mu.Lock()
		for _, r := range ready {
			reg, ok := e.regs[r.FD]
			if !ok {
				continue
			}
			client, stream := reg.entry.client, reg.stream
			ev := r.Events
			e.mu.Unlock()
			e.dispatch(client, stream, ev, r.FD)
			e.mu.Lock()
		}
		e.fireDueTimers()
		e.mu.Unlock()

		if e.userTimeout > 0 && time.Since(e.start) >= e.userTimeout {
			return ErrTimeout
		}
	}
}

// dispatch invokes the appropriate handler for one ready (fd, event)
// pair, and unregisters the stream on client-EOF. Runs without e.mu
// held, per "handlers must not perform blocking I/O and run to
// completion before the loop returns to poll" -- they may safely call
// back into the Engine (e.g. RegisterClient) since that re-acquires the
// lock itself.
func (e *Engine) dispatch(client EngineClient, stream string, ev Event, fd int) {
	var err error
	switch {
	case ev&Read != 0:
		err = client.HandleRead(stream)
	case ev&Error != 0:
		err = client.HandleError(stream)
	case ev&Write != 0:
		err = client.HandleWrite(stream)
	}
	if err == ErrClientEOF {
		e.mu.Lock()
		e.removeStream(fd)
		e.mu.Unlock()
		return
	}
	if err != nil {
		log.WithField("stream", stream).WithField("fd", fd).Debugf("engine: handler error: %v", err)
	}
	e.mu.Lock()
	if reg, ok := e.regs[fd]; ok {
		_ = e.poller.Modify(fd, reg.events)
	}
	e.mu.Unlock()
}

// Abort unregisters all clients, requests each to terminate (closing
// with abort=true), and causes Run to return on its next iteration.
// kill=true skips any graceful wait the client's Close implementation
// would otherwise perform.
func (e *Engine) Abort(kill bool) {
	e.mu.Lock()
	entries := make(map[*clientEntry]bool)
	for fd, reg := range e.regs {
		entries[reg.entry] = true
		_ = e.poller.Unregister(fd)
	}
	e.regs = make(map[int]*registration)
	e.refcount = 0
	e.aborted = true
	e.mu.Unlock()
	for entry := range entries {
		if !entry.closedOnce {
			entry.closedOnce = true
			entry.client.Close(true, kill)
		}
	}
}

// Close releases the underlying poller's resources. Call after Run
// returns.
func (e *Engine) Close() error {
	return e.poller.Close()
}
