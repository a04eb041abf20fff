package gateway

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCFGRoundTrip(t *testing.T) {
	info := map[string]interface{}{"fanout": float64(16), "debug": true}
	m, err := NewCFG(info)
	require.NoError(t, err)
	require.Equal(t, kindCFG, m.Kind)

	got, err := DecodeCFG(m)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestCTLShellPayloadRoundTrip(t *testing.T) {
	m, err := NewCTL(ActionShell, "node[1-4]", 5, ShellPayload{Kind: PayloadShell, Command: "uptime"})
	require.NoError(t, err)
	require.Equal(t, kindCTL, m.Kind)
	require.Equal(t, ActionShell, m.Action)

	raw, err := DecodeCTLPayload(m)
	require.NoError(t, err)
	require.Contains(t, string(raw), "uptime")
}

func TestDecodeCFGRejectsWrongKind(t *testing.T) {
	m := NewACK(1, 1)
	_, err := DecodeCFG(m)
	require.Error(t, err)
}

func TestXMLEnvelopeMarshalsMessages(t *testing.T) {
	env := Channel{Src: "controller", Dst: "gw1", Messages: []Message{NewACK(3, 2)}}
	b, err := xml.Marshal(env)
	require.NoError(t, err)

	var got Channel
	require.NoError(t, xml.Unmarshal(b, &got))
	require.Equal(t, "controller", got.Src)
	require.Equal(t, "gw1", got.Dst)
	require.Len(t, got.Messages, 1)
	require.Equal(t, kindACK, got.Messages[0].Kind)
}
