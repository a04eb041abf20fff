package task

import (
	"strings"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/clustershell-go/internal/topology"
	"github.com/cea-hpc/clustershell-go/internal/worker"
)

func buildTestRouter(t *testing.T) *topology.Router {
	t.Helper()
	g, err := topology.Parse(strings.NewReader("head: gw[1-2]\ngw1: node[1-10]\ngw2: node[11-20]\n"), nil)
	require.NoError(t, err)
	tree, err := g.ToTree("head")
	require.NoError(t, err)
	return topology.NewRouter(tree)
}

func TestShellWithoutRouterIgnoresAutoTree(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := DefaultConfig()
	cfg.AutoTree = true
	tk, err := New(cfg)
	require.NoError(t, err)

	nodes := mustNodes(t, "n1")
	spec := worker.Spec{Category: worker.LocalExec, Command: "echo direct"}
	_, err = tk.Shell(spec.Command, nodes, spec, Handler{})
	require.NoError(t, err)
	require.NoError(t, tk.Run(0))
}

func TestShellWithLocalNeverGoesThroughTree(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := DefaultConfig()
	cfg.AutoTree = true
	tk, err := New(cfg)
	require.NoError(t, err)
	tk.SetRouter(buildTestRouter(t))

	nodes := mustNodes(t, "node1")
	spec := worker.Spec{Category: worker.Ssh}
	_, err = tk.Shell("echo forced-local", nodes, spec, Handler{}, WithLocal(true))
	require.NoError(t, err)
	require.NoError(t, tk.Run(0))
}

func TestScheduleTreeRejectsUnroutableTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoTree = true
	tk, err := New(cfg)
	require.NoError(t, err)
	tk.SetRouter(buildTestRouter(t))

	nodes := mustNodes(t, "node99") // outside every gateway's subtree
	spec := worker.Spec{Category: worker.Ssh}
	_, err = tk.Shell("uptime", nodes, spec, Handler{})
	require.Error(t, err)
}
