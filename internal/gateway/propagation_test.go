package gateway

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/topology"
	"github.com/stretchr/testify/require"
)

const sampleTopology = "head: gw[1-2]\ngw1: node[1-10]\ngw2: node[11-20]\n"

func buildRouter(t *testing.T) *topology.Router {
	t.Helper()
	g, err := topology.Parse(strings.NewReader(sampleTopology), nil)
	require.NoError(t, err)
	tr, err := g.ToTree("head")
	require.NoError(t, err)
	return topology.NewRouter(tr)
}

func TestPropagationTreeShellSplitsAcrossGateways(t *testing.T) {
	router := buildRouter(t)

	var buf1, buf2 bytes.Buffer
	ctrl1 := NewController("gw1", router, []string{"node1"}, 0, &buf1)
	ctrl2 := NewController("gw2", router, []string{"node11"}, 0, &buf2)

	pt := NewPropagationTree(router, map[string]*Controller{"gw1": ctrl1, "gw2": ctrl2})

	targets, err := nodeset.Parse("node[1-20]", nil)
	require.NoError(t, err)
	require.NoError(t, pt.Shell(targets, "uptime"))

	require.Contains(t, buf1.String(), `action="shell"`)
	require.Contains(t, buf2.String(), `action="shell"`)

	var m1, m2 Message
	require.NoError(t, xml.Unmarshal(buf1.Bytes(), &m1))
	require.NoError(t, xml.Unmarshal(buf2.Bytes(), &m2))

	raw1, err := DecodeCTLPayload(m1)
	require.NoError(t, err)
	var p1 ShellPayload
	require.NoError(t, json.Unmarshal(raw1, &p1))
	require.Equal(t, "uptime", p1.Command)
}
