package task

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/worker"
)

func mustNodes(t *testing.T, pattern string) *nodeset.NodeSet {
	t.Helper()
	ns, err := nodeset.Parse(pattern, nil)
	require.NoError(t, err)
	return ns
}

func TestShellGathersStdoutPerNode(t *testing.T) {
	defer leaktest.Check(t)()

	tk, err := New(DefaultConfig())
	require.NoError(t, err)

	nodes := mustNodes(t, "n[1-3]")
	spec := worker.Spec{Category: worker.LocalExec}

	var closed int
	_, err = tk.Shell("echo hello-%h", nodes, spec, Handler{
		OnClose: func(w *worker.Worker, timedout bool) { closed++ },
	})
	require.NoError(t, err)

	require.NoError(t, tk.Run(5*time.Second))
	require.Equal(t, 1, closed)
	require.Equal(t, 0, tk.MaxRetcode())
	require.Equal(t, 0, tk.NumTimeout())

	for _, n := range []string{"n1", "n2", "n3"} {
		buf, ok := tk.NodeBuffer(n)
		require.True(t, ok)
		require.Equal(t, "hello-"+n, buf)
	}
}

func TestFanoutSerializesRunningClients(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := DefaultConfig()
	cfg.Fanout = 1
	tk, err := New(cfg)
	require.NoError(t, err)

	nodes := mustNodes(t, "n[1-2]")
	spec := worker.Spec{Category: worker.LocalExec, Command: "sleep 0.05; echo $HOSTNAME"}

	var pickups []string
	_, err = tk.Shell(spec.Command, nodes, spec, Handler{
		OnPickup: func(w *worker.Worker, node string) {
			pickups = append(pickups, node)
		},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tk.Run(5*time.Second))
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.Len(t, pickups, 2)
}

func TestMaxRetcodeReportsExitCode(t *testing.T) {
	defer leaktest.Check(t)()

	tk, err := New(DefaultConfig())
	require.NoError(t, err)

	nodes := mustNodes(t, "n1")
	spec := worker.Spec{Category: worker.LocalExec, Command: "exit 3"}

	_, err = tk.Shell(spec.Command, nodes, spec, Handler{})
	require.NoError(t, err)
	require.NoError(t, tk.Run(5*time.Second))
	require.Equal(t, 3, tk.MaxRetcode())
}

func TestPortBackpressure(t *testing.T) {
	p := NewPort(1)
	p.Send("a")

	sent := make(chan struct{})
	go func() {
		p.Send("b")
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("second send should have blocked on a full port")
	case <-time.After(20 * time.Millisecond):
	}

	<-p.Chan()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after receive")
	}
}

func TestWithLocalOverridesCategory(t *testing.T) {
	defer leaktest.Check(t)()

	tk, err := New(DefaultConfig())
	require.NoError(t, err)

	nodes := mustNodes(t, "n1")
	spec := worker.Spec{Category: worker.Ssh, SSHPath: "/bin/echo"}

	var got string
	h := AdaptLegacy(func(node, line string) { got = line })
	_, err = tk.Shell("echo forced-local", nodes, spec, h, WithLocal(true))
	require.NoError(t, err)
	require.NoError(t, tk.Run(5*time.Second))
	require.Equal(t, "forced-local", got)
}

func TestAdaptLegacyHandler(t *testing.T) {
	defer leaktest.Check(t)()

	tk, err := New(DefaultConfig())
	require.NoError(t, err)

	nodes := mustNodes(t, "n1")
	spec := worker.Spec{Category: worker.LocalExec, Command: "echo legacy"}

	var got string
	h := AdaptLegacy(func(node, line string) { got = node + ":" + line })
	_, err = tk.Shell(spec.Command, nodes, spec, h)
	require.NoError(t, err)
	require.NoError(t, tk.Run(5*time.Second))
	require.Equal(t, "n1:legacy", got)
}
