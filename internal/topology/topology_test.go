package topology

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
)

const sample = `
# comment
head: gw[1-2]
gw1: node[1-10]
gw2: node[11-20]
`

func TestParseAndToTree(t *testing.T) {
	g, err := Parse(strings.NewReader(sample), nil)
	require.NoError(t, err)

	tree, err := g.ToTree("head")
	require.NoError(t, err)
	require.Equal(t, "head", tree.Root.Name)
	require.Len(t, tree.Root.Children, 2)

	gw1, ok := tree.Node("gw1")
	require.True(t, ok)
	require.Len(t, gw1.Children, 10)
}

func TestToTreeDetectsMultipleParents(t *testing.T) {
	g, err := Parse(strings.NewReader("head: gw[1-2]\ngw1: node1\ngw2: node1\n"), nil)
	require.NoError(t, err)
	_, err = g.ToTree("head")
	require.Error(t, err)
}

func TestToTreeDetectsUnreachableRoot(t *testing.T) {
	g, err := Parse(strings.NewReader("gw1: node[1-5]\n"), nil)
	require.NoError(t, err)
	_, err = g.ToTree("head")
	require.Error(t, err)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("this has no separator\n"), nil)
	require.Error(t, err)
}

func TestRouterNextHopAndDistribute(t *testing.T) {
	g, err := Parse(strings.NewReader(sample), nil)
	require.NoError(t, err)
	tree, err := g.ToTree("head")
	require.NoError(t, err)

	r := NewRouter(tree)
	hop, err := r.NextHop("node3")
	require.NoError(t, err)
	require.Equal(t, "gw1", hop)

	targets, err := nodeset.Parse("node[1-20]", nil)
	require.NoError(t, err)
	dist, err := r.Distribute(targets)
	require.NoError(t, err)
	require.Len(t, dist, 2)
	require.Equal(t, 10, dist["gw1"].Len())
	require.Equal(t, 10, dist["gw2"].Len())
}

func TestRouterMarkUnreachable(t *testing.T) {
	g, err := Parse(strings.NewReader(sample), nil)
	require.NoError(t, err)
	tree, err := g.ToTree("head")
	require.NoError(t, err)

	r := NewRouter(tree)
	r.MarkUnreachable("gw1")
	_, err = r.NextHop("node3")
	require.Error(t, err)
	var target *ErrRouteResolving
	require.ErrorAs(t, err, &target)
}

func TestFanoutSliceIsProportionalAndAtLeastOne(t *testing.T) {
	require.Equal(t, 32, FanoutSlice(64, 10, 20))
	require.Equal(t, 1, FanoutSlice(64, 1, 1000))
	require.Equal(t, 0, FanoutSlice(64, 0, 20))
}
