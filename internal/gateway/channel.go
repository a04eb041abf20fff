package gateway

import (
	"fmt"
	"sync"
	"time"
)

// State is one stage of a PropagationChannel's lifecycle. Modeled as
// an explicit enum plus a transition table per spec.md §9
// ("Coroutine-like control flow"), rather than as nested callbacks.
type State int

const (
	StateNew State = iota
	StateConfigured
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions enumerates every legal (state, message kind) -> next
// state edge. An edge absent from this table is an ErrProtocol.
var transitions = map[State]map[string]State{
	StateNew: {
		kindCFG: StateConfigured,
	},
	StateConfigured: {
		kindCTL: StateRunning,
	},
	StateRunning: {
		kindCTL: StateRunning,
		kindACK: StateRunning,
		kindErr: StateClosing,
	},
	StateClosing: {
		kindErr: StateClosed,
	},
}

// pendingMsg is an unacknowledged outbound message awaiting retransmit.
type pendingMsg struct {
	msg     Message
	sentAt  time.Time
	retries int
}

// PropagationChannel is one side (controller or gateway; the machine is
// symmetric, per spec.md §9) of a controller-gateway connection: a
// state machine plus an outbound retransmission queue.
type PropagationChannel struct {
	mu sync.Mutex

	src, dst string
	state    State
	nextMsgID int

	pending map[int]*pendingMsg

	groomingDelay time.Duration
	retransmitK   int // retransmit if no ACK within groomingDelay*k

	send func(Message) error
}

// NewChannel constructs a channel in StateNew. send is called to
// actually write one message to the wire; it is injected so
// PropagationChannel has no I/O dependency of its own. Controller and
// Agent both pass a send that XML-encodes a bare <message> element,
// so the wire carries a sequence of <message> elements with no
// enclosing <channel> root element.
func NewChannel(src, dst string, groomingDelay time.Duration, retransmitK int, send func(Message) error) *PropagationChannel {
	if retransmitK < 1 {
		retransmitK = 3
	}
	return &PropagationChannel{
		src: src, dst: dst,
		state:         StateNew,
		pending:       make(map[int]*pendingMsg),
		groomingDelay: groomingDelay,
		retransmitK:   retransmitK,
		send:          send,
	}
}

func (c *PropagationChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Receive advances the state machine on an inbound message, per the
// transition table. An ACK always just clears a pending retransmit
// regardless of current state (spec.md: "every non-ACK message must
// be acknowledged"); anything else not in the table is a protocol
// error that closes the channel.
func (c *PropagationChannel) Receive(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.Kind == kindACK {
		delete(c.pending, m.Ack)
		return nil
	}

	edges, ok := transitions[c.state]
	if !ok {
		c.state = StateClosed
		return &ErrProtocol{Msg: fmt.Sprintf("no transitions defined from state %v", c.state)}
	}
	next, ok := edges[m.Kind]
	if !ok {
		err := &ErrProtocol{Msg: fmt.Sprintf("message kind %q illegal in state %v", m.Kind, c.state)}
		c.state = StateClosed
		return err
	}
	c.state = next
	return nil
}

// Send transmits m and, unless it's itself an ACK, registers it for
// retransmission until acknowledged. A sent message whose kind has an
// edge from the current state in the transition table advances the
// state the same way receiving it would, so the controller side (which
// sends CFG and CTL(shell) rather than receiving them) reaches
// StateRunning before the gateway's CTL replies arrive.
func (c *PropagationChannel) Send(m Message) error {
	c.mu.Lock()
	c.nextMsgID++
	id := c.nextMsgID
	m.MsgID = id
	if m.Kind != kindACK {
		c.pending[id] = &pendingMsg{msg: m, sentAt: timeNow()}
		if next, ok := transitions[c.state][m.Kind]; ok {
			c.state = next
		}
	}
	sendFn := c.send
	c.mu.Unlock()
	return sendFn(m)
}

// CheckRetransmits resends any message that has gone unacknowledged
// longer than groomingDelay*k, per spec.md §4.E. Intended to be driven
// by a Task timer.
func (c *PropagationChannel) CheckRetransmits() error {
	c.mu.Lock()
	deadline := c.groomingDelay * time.Duration(c.retransmitK)
	var toResend []*pendingMsg
	now := timeNow()
	for _, p := range c.pending {
		if now.Sub(p.sentAt) >= deadline {
			p.retries++
			p.sentAt = now
			toResend = append(toResend, p)
		}
	}
	sendFn := c.send
	c.mu.Unlock()

	for _, p := range toResend {
		if err := sendFn(p.msg); err != nil {
			return err
		}
	}
	return nil
}

// timeNow is indirected so tests can fake the clock without the
// package reaching for a global mockable clock abstraction.
var timeNow = time.Now
