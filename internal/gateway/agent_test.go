package gateway

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"testing"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, r *bytes.Buffer) []Message {
	t.Helper()
	dec := xml.NewDecoder(r)
	var out []Message
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			break
		}
		out = append(out, m)
	}
	return out
}

func TestAgentRunsShellAndRepliesOverWire(t *testing.T) {
	var in bytes.Buffer
	enc := xml.NewEncoder(&in)

	cfg, err := NewCFG(map[string]interface{}{"fanout": 4})
	require.NoError(t, err)
	require.NoError(t, enc.Encode(cfg))

	ctl, err := NewCTL(ActionShell, "n[1-2]", 0, ShellPayload{Kind: PayloadShell, Command: "uptime"})
	require.NoError(t, err)
	require.NoError(t, enc.Encode(ctl))

	var ran string
	runner := func(targets *nodeset.NodeSet, command string, info map[string]interface{}, onLine func(node, stream, line string), onRetcode func(node string, rc int, timedout bool)) error {
		ran = command
		for _, n := range targets.Slice() {
			onLine(n, "stdout", "ok")
			onRetcode(n, 0, false)
		}
		return nil
	}

	var out bytes.Buffer
	agent := NewAgent("gw1", runner, &out)
	require.NoError(t, agent.Serve(&in))
	require.Equal(t, "uptime", ran)

	got := decodeAll(t, &out)
	require.Len(t, got, 7) // ACK(cfg), ACK(ctl), 2x(res line + res retcode), eof

	require.Equal(t, kindACK, got[0].Kind)
	require.Equal(t, kindACK, got[1].Kind)

	var lines, retcodes, eofs int
	for _, m := range got[2:] {
		require.Equal(t, kindCTL, m.Kind)
		switch m.Action {
		case ActionRes:
			raw, err := DecodeCTLPayload(m)
			require.NoError(t, err)
			var res ResultPayload
			require.NoError(t, json.Unmarshal(raw, &res))
			if res.Stream != "" {
				lines++
			} else {
				retcodes++
			}
		case ActionEOF:
			eofs++
		default:
			t.Fatalf("unexpected action %q", m.Action)
		}
	}
	require.Equal(t, 2, lines)
	require.Equal(t, 2, retcodes)
	require.Equal(t, 1, eofs)
}

func TestAgentReportsControllerError(t *testing.T) {
	var in bytes.Buffer
	enc := xml.NewEncoder(&in)

	cfg, err := NewCFG(nil)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(cfg))
	ctl, err := NewCTL(ActionShell, "n1", 0, ShellPayload{Kind: PayloadShell, Command: "true"})
	require.NoError(t, err)
	require.NoError(t, enc.Encode(ctl))
	require.NoError(t, enc.Encode(NewErr(1, "boom")))

	runner := func(targets *nodeset.NodeSet, command string, info map[string]interface{}, onLine func(node, stream, line string), onRetcode func(node string, rc int, timedout bool)) error {
		return nil
	}
	agent := NewAgent("gw1", runner, &bytes.Buffer{})
	err = agent.Serve(&in)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
