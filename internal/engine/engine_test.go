package engine

import (
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

// pipeClient is a minimal EngineClient backed by an os.Pipe, used to
// drive the reactor without spawning real child processes.
type pipeClient struct {
	r, w   *os.File
	reads  int
	closed bool
	done   chan struct{}
}

func newPipeClient(t *testing.T) *pipeClient {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	return &pipeClient{r: r, w: w, done: make(chan struct{})}
}

func (c *pipeClient) Start() ([]StreamFD, error) {
	return []StreamFD{{Name: "stdout", FD: int(c.r.Fd()), Events: Read}}, nil
}

func (c *pipeClient) HandleRead(stream string) error {
	buf := make([]byte, 256)
	n, err := c.r.Read(buf)
	if n == 0 || err != nil {
		return ErrClientEOF
	}
	c.reads++
	return nil
}

func (c *pipeClient) HandleWrite(stream string) error { return nil }
func (c *pipeClient) HandleError(stream string) error { return ErrClientEOF }

func (c *pipeClient) Close(abort, timedout bool) {
	c.closed = true
	_ = c.r.Close()
	close(c.done)
}

func TestRefcountReachesZeroOnClientEOF(t *testing.T) {
	defer leaktest.Check(t)()

	e, err := New("")
	require.NoError(t, err)
	defer e.Close()

	c := newPipeClient(t)
	require.NoError(t, e.RegisterClient(c))
	require.Equal(t, 1, e.Refcount())

	go func() {
		_, _ = c.w.WriteString("hello\n")
		_ = c.w.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	require.Equal(t, 0, e.Refcount())
	require.GreaterOrEqual(t, c.reads, 1)
}

func TestTimerFiresAndRefcountDrops(t *testing.T) {
	defer leaktest.Check(t)()

	e, err := New("")
	require.NoError(t, err)
	defer e.Close()

	fired := make(chan struct{}, 1)
	e.AddTimer(10*time.Millisecond, 0, false, func() {
		fired <- struct{}{}
	})
	require.Equal(t, 1, e.Refcount())

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after one-shot timer fired")
	}
	require.Equal(t, 0, e.Refcount())
}

func TestAutocloseTimerDoesNotHoldRefcount(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)
	defer e.Close()

	e.AddTimer(time.Hour, 0, true, func() {})
	require.Equal(t, 0, e.Refcount(), "autoclose timers must not contribute to evloop_refcount")
}

func TestAbortClosesClientsAndStopsRun(t *testing.T) {
	defer leaktest.Check(t)()

	e, err := New("")
	require.NoError(t, err)
	defer e.Close()

	c := newPipeClient(t)
	require.NoError(t, e.RegisterClient(c))

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	time.Sleep(20 * time.Millisecond)
	e.Abort(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Abort")
	}
	require.True(t, c.closed)
	require.Equal(t, 0, e.Refcount())
	_ = c.w.Close()
}

func TestBackendSelectionRejectsUnknownOverride(t *testing.T) {
	_, err := New("nonexistent-backend")
	require.Error(t, err)
}
