package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelLegalTransitions(t *testing.T) {
	var sent []Message
	ch := NewChannel("a", "b", time.Millisecond, 3, func(m Message) error {
		sent = append(sent, m)
		return nil
	})
	require.Equal(t, StateNew, ch.State())

	cfg, err := NewCFG(map[string]interface{}{"fanout": 8})
	require.NoError(t, err)
	require.NoError(t, ch.Receive(cfg))
	require.Equal(t, StateConfigured, ch.State())

	ctl, err := NewCTL(ActionShell, "node[1-2]", 1, ShellPayload{Kind: PayloadShell, Command: "uptime"})
	require.NoError(t, err)
	require.NoError(t, ch.Receive(ctl))
	require.Equal(t, StateRunning, ch.State())
}

func TestChannelIllegalTransitionClosesAndErrors(t *testing.T) {
	ch := NewChannel("a", "b", time.Millisecond, 3, func(Message) error { return nil })
	ctl, err := NewCTL(ActionShell, "node1", 1, ShellPayload{Kind: PayloadShell, Command: "x"})
	require.NoError(t, err)

	err = ch.Receive(ctl) // CTL illegal from StateNew
	require.Error(t, err)
	require.Equal(t, StateClosed, ch.State())
}

func TestChannelRetransmitsUnackedMessage(t *testing.T) {
	var sends int
	ch := NewChannel("a", "b", time.Millisecond, 1, func(Message) error {
		sends++
		return nil
	})
	require.NoError(t, ch.Send(throwawayCTL(t)))
	require.Equal(t, 1, sends)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, ch.CheckRetransmits())
	require.Equal(t, 2, sends)
}

func TestChannelACKStopsRetransmit(t *testing.T) {
	var sends int
	ch := NewChannel("a", "b", time.Millisecond, 1, func(Message) error {
		sends++
		return nil
	})
	require.NoError(t, ch.Send(throwawayCTL(t)))
	require.NoError(t, ch.Receive(NewACK(0, 1)))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, ch.CheckRetransmits())
	require.Equal(t, 1, sends, "acked message must not be retransmitted")
}

// throwawayCTL is a small test helper building a throwaway CTL message.
func throwawayCTL(t *testing.T) Message {
	t.Helper()
	m, err := NewCTL(ActionShell, "node1", 0, ShellPayload{Kind: PayloadShell, Command: "date"})
	require.NoError(t, err)
	return m
}
