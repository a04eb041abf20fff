package gateway

import (
	"encoding/xml"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cea-hpc/clustershell-go/internal/engine"
	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/topology"
)

// RelayCallbacks lets the owning Task observe a SubprocessClient's
// progress without this package importing internal/task, one layer
// further up the same shape worker.Callbacks gives internal/task for
// plain EngineClients.
type RelayCallbacks struct {
	OnPickup  func(node string)
	OnLine    func(node, stream, line string)
	OnRetcode func(node string, rc int, timedout bool)
	OnClose   func(timedout bool)
}

// relayEvent is one decoded wire event, queued by relay (its own
// goroutine) for HandleRead (the engine's single dispatch goroutine)
// to deliver. Only HandleRead ever calls into cb, keeping every
// Task-visible callback on the reactor thread the same way a plain
// worker.Client's callbacks are.
type relayEvent struct {
	line     bool // line event if true, retcode event if false
	node     string
	stream   string
	text     string
	rc       int
	timedout bool
}

// SubprocessClient is the Tree-category EngineClient: it speaks the
// propagation wire protocol to a gateway reached by spawning argv
// (normally ssh to the gateway host re-invoking this binary with its
// hidden gateway flag). The XML channel isn't line-framed the way
// worker.Client's stdout is, so decoding runs on its own goroutine
// instead of the reactor's HandleRead; a self-pipe wakes the reactor
// whenever relay has queued a new event, and HandleRead drains both
// the pipe and the queue so every RelayCallbacks invocation still
// happens on the engine's single dispatch goroutine, not relay's.
type SubprocessClient struct {
	gwName        string
	targets       *nodeset.NodeSet
	command       string
	info          map[string]interface{}
	groomingDelay time.Duration
	argv          []string
	router        *topology.Router
	cb            RelayCallbacks

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ctrl   *Controller
	doneR  *os.File
	doneW  *os.File

	mu      sync.Mutex
	pending []relayEvent
	closed  bool // relay has finished; next drain ends the stream
}

// NewSubprocessClient builds a SubprocessClient. router is the same
// Router the caller used to compute targets; an abnormal subprocess
// exit marks gwName unreachable on it, exactly as
// Controller.HandleSubprocessExit documents.
func NewSubprocessClient(gwName string, targets *nodeset.NodeSet, command string, info map[string]interface{}, groomingDelay time.Duration, argv []string, router *topology.Router, cb RelayCallbacks) *SubprocessClient {
	return &SubprocessClient{
		gwName: gwName, targets: targets, command: command,
		info: info, groomingDelay: groomingDelay, argv: argv,
		router: router, cb: cb,
	}
}

// Start spawns the gateway subprocess, sends CFG and CTL(shell) over
// its stdin, and registers the done-pipe's read end with the engine.
func (s *SubprocessClient) Start() ([]engine.StreamFD, error) {
	s.cmd = exec.Command(s.argv[0], s.argv[1:]...)
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := s.cmd.Start(); err != nil {
		return nil, err
	}
	s.stdin, s.stdout = stdin, stdout

	doneR, doneW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(doneR.Fd()), true); err != nil {
		return nil, err
	}
	s.doneR, s.doneW = doneR, doneW

	s.ctrl = NewController(s.gwName, s.router, s.targets.Slice(), s.groomingDelay, stdin)
	if err := s.ctrl.Configure(s.info); err != nil {
		return nil, err
	}
	if err := s.ctrl.Shell(s.targets.Fold(0), s.command); err != nil {
		return nil, err
	}

	// This call runs on the reactor thread (Start is only ever invoked
	// from engine.RegisterClient), so it's safe to fire directly.
	if s.cb.OnPickup != nil {
		s.cb.OnPickup(s.gwName)
	}

	go s.relay()

	return []engine.StreamFD{
		{Name: "done", FD: int(s.doneR.Fd()), Events: engine.Read},
	}, nil
}

// enqueue appends an event and wakes the reactor by writing one byte
// to the self-pipe. It never blocks on doneW: the pipe is drained by
// HandleRead far faster than relay can decode XML off the wire.
func (s *SubprocessClient) enqueue(ev relayEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	_, _ = s.doneW.Write([]byte{0})
}

// relay decodes the gateway's replies until eof, a protocol error, or
// the subprocess closes its stdout early. It only ever queues events
// via enqueue/finish; it never calls s.cb itself.
func (s *SubprocessClient) relay() {
	dec := xml.NewDecoder(s.stdout)
loop:
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			s.ctrl.HandleSubprocessExit(func(node string) {
				s.enqueue(relayEvent{line: false, node: node, timedout: true})
			})
			break loop
		}
		if m.Kind == kindACK {
			_ = s.ctrl.channel.Receive(m)
			continue
		}
		if m.Kind != kindCTL {
			continue
		}
		switch m.Action {
		case ActionRes:
			onLine := func(node, stream, line string) {
				s.enqueue(relayEvent{line: true, node: node, stream: stream, text: line})
			}
			onRetcode := func(node string, rc int, timedout bool) {
				s.enqueue(relayEvent{line: false, node: node, rc: rc, timedout: timedout})
			}
			_ = s.ctrl.HandleResult(m, onLine, onRetcode)
			_ = s.ctrl.writeMessage(NewACK(0, m.MsgID))
		case ActionEOF:
			_ = s.ctrl.channel.Receive(m)
			_ = s.ctrl.writeMessage(NewACK(0, m.MsgID))
			s.ctrl.HandleEOF()
			break loop
		}
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_, _ = s.doneW.Write([]byte{0})
	_ = s.doneW.Close()
	_ = s.stdin.Close()
}

// HandleRead drains the self-pipe and delivers every event relay has
// queued since the last call, then reports EOF once relay has finished
// and every queued event has been delivered. Running on the engine's
// single dispatch goroutine, this is the only place RelayCallbacks is
// invoked from.
func (s *SubprocessClient) HandleRead(stream string) error {
	var discard [4096]byte
	for {
		_, err := s.doneR.Read(discard[:])
		if err == nil {
			continue
		}
		if errno, ok := err.(syscall.Errno); ok && errno == syscall.EAGAIN {
			break
		}
		break
	}

	s.mu.Lock()
	events := s.pending
	s.pending = nil
	done := s.closed
	s.mu.Unlock()

	for _, ev := range events {
		if ev.line {
			if s.cb.OnLine != nil {
				s.cb.OnLine(ev.node, ev.stream, ev.text)
			}
			continue
		}
		if s.cb.OnRetcode != nil {
			s.cb.OnRetcode(ev.node, ev.rc, ev.timedout)
		}
	}

	if done {
		return engine.ErrClientEOF
	}
	return nil
}

func (s *SubprocessClient) HandleError(stream string) error { return engine.ErrClientEOF }
func (s *SubprocessClient) HandleWrite(stream string) error { return nil }

// Close waits for the subprocess, per engine.EngineClient.
func (s *SubprocessClient) Close(abort, timedout bool) {
	if abort && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	_ = s.doneR.Close()
	if s.cb.OnClose != nil {
		s.cb.OnClose(timedout)
	}
}
