// Package worker implements the concrete job categories a Task can
// spawn (local shell, distant ssh/rsh, copy/rcopy, and tree/gateway
// propagation), each exposing an engine.EngineClient per target so the
// reactor in internal/engine can multiplex them.
//
// Grounded on the teacher's capability-interface-plus-tagged-variant
// style (internal/block.Factory issuing distinct *Block behaviors from
// one entry point) and on internal/tree/tree_walking.go's pattern of
// keeping I/O state behind a small struct rather than a class
// hierarchy.
package worker

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cea-hpc/clustershell-go/internal/engine"
)

// Category identifies which concrete job shape a Worker implements.
type Category int

const (
	LocalExec Category = iota
	Ssh
	Rsh
	Copy
	Rcopy
	Tree
)

func (c Category) String() string {
	switch c {
	case LocalExec:
		return "local"
	case Ssh:
		return "ssh"
	case Rsh:
		return "rsh"
	case Copy:
		return "copy"
	case Rcopy:
		return "rcopy"
	case Tree:
		return "tree"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// ErrWorker reports misuse: scheduling twice, reading before run,
// an unknown %-placeholder, or a missing command -- spec.md §7's
// "worker error" kind.
type ErrWorker struct{ Msg string }

func (e *ErrWorker) Error() string { return "worker: " + e.Msg }

// Spec configures how a Worker builds its per-target command line.
type Spec struct {
	Category Category
	Command  string // shell command; Copy/Rcopy take their paths from CopySource/CopyDest instead

	SSHPath    string
	SSHUser    string
	SSHOptions []string

	SCPPath string
	RCPPath string

	CopySource string
	CopyDest   string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// GatewayBinary is the executable a Tree-category Client re-invokes
	// on the remote gateway host, in its hidden gateway mode. Defaults
	// to "clush".
	GatewayBinary string
}

// substitute replaces %h (host) and %n (rank) placeholders in s.
// Any other %x is a *worker error*, per spec.md §4.D.
func substitute(s, host string, rank int) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", &ErrWorker{Msg: "trailing %% with no placeholder letter"}
		}
		switch s[i+1] {
		case 'h':
			b.WriteString(host)
		case 'n':
			b.WriteString(strconv.Itoa(rank))
		case '%':
			b.WriteByte('%')
		default:
			return "", &ErrWorker{Msg: fmt.Sprintf("unknown placeholder %%%c", s[i+1])}
		}
		i++
	}
	return b.String(), nil
}

// commandLine builds the argv for one target, per category.
func (s Spec) commandLine(host string, rank int) ([]string, error) {
	cmd, err := substitute(s.Command, host, rank)
	if err != nil {
		return nil, err
	}
	switch s.Category {
	case LocalExec:
		if cmd == "" {
			return nil, &ErrWorker{Msg: "missing command"}
		}
		return []string{"/bin/sh", "-c", cmd}, nil
	case Ssh:
		path := s.SSHPath
		if path == "" {
			path = "ssh"
		}
		target := host
		if s.SSHUser != "" {
			target = s.SSHUser + "@" + host
		}
		args := append([]string{path}, s.SSHOptions...)
		args = append(args, target, cmd)
		return args, nil
	case Rsh:
		target := host
		if s.SSHUser != "" {
			target = s.SSHUser + "@" + host
		}
		return []string{"rsh", target, cmd}, nil
	case Copy:
		path := s.SCPPath
		if path == "" {
			path = "scp"
		}
		dest := s.CopyDest
		if s.SSHUser != "" {
			dest = s.SSHUser + "@" + host + ":" + dest
		} else {
			dest = host + ":" + dest
		}
		return []string{path, s.CopySource, dest}, nil
	case Tree:
		// The remote end is re-invoked in gateway mode rather than
		// running cmd directly: the command travels over the
		// propagation channel's CTL(shell) instead, once the gateway
		// process is up. Grounded on Ssh's own argv shape above.
		path := s.SSHPath
		if path == "" {
			path = "ssh"
		}
		target := host
		if s.SSHUser != "" {
			target = s.SSHUser + "@" + host
		}
		bin := s.GatewayBinary
		if bin == "" {
			bin = "clush"
		}
		args := append([]string{path}, s.SSHOptions...)
		args = append(args, target, bin, "--gateway")
		return args, nil
	case Rcopy:
		path := s.RCPPath
		if path == "" {
			path = "scp"
		}
		// rcopy rewrites the destination to <dest>/<basename>.<host> to
		// avoid collisions when gathering from many targets.
		base := s.CopySource
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		src := host + ":" + s.CopySource
		dst := fmt.Sprintf("%s/%s.%s", s.CopyDest, base, host)
		return []string{path, src, dst}, nil
	default:
		return nil, &ErrWorker{Msg: fmt.Sprintf("category %v has no command line", s.Category)}
	}
}

// GatewayArgv builds the argv a Tree-category client spawns to reach
// the gateway host named by host, reusing commandLine's Tree branch
// regardless of the Spec's own Category.
func (s Spec) GatewayArgv(host string) ([]string, error) {
	s.Category = Tree
	return s.commandLine(host, 0)
}

// Callbacks lets the owning Task observe per-client progress without
// Worker importing internal/task (which would recreate the cyclic
// reference spec.md §9 warns about).
type Callbacks struct {
	OnPickup func(node string)
	OnLine   func(node, stream, line string)
	OnClose  func(node string, rc int, timedout bool)
}

// Client is one per-target EngineClient: a spawned process plus its
// line-framing buffers for stdout and stderr.
type Client struct {
	node string
	rank int
	spec Spec
	cb   Callbacks

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdoutF   *osFile
	stderrF   *osFile
	stdoutBuf []byte // bytes read but not yet split into a complete line
	stderrBuf []byte

	rc        int
	hasRC     bool
	timedout  bool
	startedAt time.Time
}

// osFile is the minimal surface Client needs from an *os.File,
// factored out so tests can substitute pipes without importing os
// directly into every signature.
type osFile = fileWithFD

type fileWithFD interface {
	Fd() uintptr
	Read(p []byte) (int, error)
	Close() error
}

// NewClient builds a Client for one target, substituting placeholders
// and preparing (but not yet starting) the underlying command.
func NewClient(spec Spec, node string, rank int, cb Callbacks) (*Client, error) {
	argv, err := spec.commandLine(node, rank)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	return &Client{node: node, rank: rank, spec: spec, cb: cb, cmd: cmd}, nil
}

// Start implements engine.EngineClient: spawns the child and returns
// its stdout/stderr fds for registration.
func (c *Client) Start() ([]engine.StreamFD, error) {
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := c.cmd.Start(); err != nil {
		return nil, err
	}
	c.startedAt = time.Now()
	if c.cb.OnPickup != nil {
		c.cb.OnPickup(c.node)
	}
	c.stdoutF = stdout.(fileWithFD)
	c.stderrF = stderr.(fileWithFD)
	if err := unix.SetNonblock(int(c.stdoutF.Fd()), true); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(c.stderrF.Fd()), true); err != nil {
		return nil, err
	}
	return []engine.StreamFD{
		{Name: "stdout", FD: int(c.stdoutF.Fd()), Events: engine.Read},
		{Name: "stderr", FD: int(c.stderrF.Fd()), Events: engine.Read | engine.Error},
	}, nil
}

// readChunkSize bounds a single HandleRead call's syscall, so one noisy
// or slow client never keeps the reactor goroutine off the poller for
// longer than one read(2) on its pipe.
const readChunkSize = 64 * 1024

// readLines performs one bounded Read on f, appends it to *pending (the
// bytes left over from the previous call that didn't yet form a full
// line), and emits every complete line found. Any trailing partial line
// is kept in *pending for the next call instead of being held hostage
// in an internal bufio.Reader across possibly-blocking Read calls.
func (c *Client) readLines(stream string, f fileWithFD, pending *[]byte) error {
	var chunk [readChunkSize]byte
	n, err := f.Read(chunk[:])
	if n > 0 {
		*pending = append(*pending, chunk[:n]...)
		for {
			idx := bytes.IndexByte(*pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string((*pending)[:idx]), "\r")
			*pending = (*pending)[idx+1:]
			if c.cb.OnLine != nil {
				c.cb.OnLine(c.node, stream, line)
			}
		}
	}
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok && errno == syscall.EAGAIN {
		return nil
	}
	// Any other error (EOF or otherwise) ends the stream; flush a
	// trailing line that never got its newline.
	if len(*pending) > 0 {
		line := strings.TrimRight(string(*pending), "\r\n")
		*pending = nil
		if c.cb.OnLine != nil {
			c.cb.OnLine(c.node, stream, line)
		}
	}
	return engine.ErrClientEOF
}

func (c *Client) HandleRead(stream string) error {
	if stream == "stderr" {
		return c.readLines("stderr", c.stderrF, &c.stderrBuf)
	}
	return c.readLines("stdout", c.stdoutF, &c.stdoutBuf)
}

func (c *Client) HandleError(stream string) error {
	return c.readLines("stderr", c.stderrF, &c.stderrBuf)
}

func (c *Client) HandleWrite(stream string) error { return nil }

// Close kills the child first when aborting, then waits for it, and
// records the final retcode: 128+signal for a signalled child, per
// spec.md §4.D.
func (c *Client) Close(abort, timedout bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if abort && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	err := c.cmd.Wait()
	c.timedout = timedout
	if timedout {
		return
	}
	if err == nil {
		c.rc, c.hasRC = 0, true
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				c.rc = 128 + int(status.Signal())
			} else {
				c.rc = status.ExitStatus()
			}
			c.hasRC = true
		}
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(c.node, c.rc, c.timedout)
	}
}

// Retcode returns the recorded exit code and whether one was recorded
// (absent for timed-out clients).
func (c *Client) Retcode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rc, c.hasRC
}

func (c *Client) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedout
}

// Worker is one logical job: a category, a command template, and the
// set of per-target Clients it spawns. The owning Task looks Clients
// up by index into its own arena rather than Worker holding pointers
// back to the Task, breaking the cyclic reference spec.md §9 names.
type Worker struct {
	Spec         Spec
	ClientIndexes []int // indices into the Task's client arena
}
