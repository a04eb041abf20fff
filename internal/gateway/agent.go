package gateway

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/cea-hpc/clustershell-go/internal/nodeset"
)

// Runner executes command against targets, reporting every output
// line and final per-node retcode through the callbacks, and returns
// once every target has closed. info carries the safe task-info keys
// the controller sent in CFG (debug, fanout, grooming_delay,
// connect_timeout, command_timeout). Supplied by the caller (an
// adapted internal/task.Task.Shell) so this package never imports
// internal/task, keeping the Task->gateway import direction one-way.
type Runner func(targets *nodeset.NodeSet, command string, info map[string]interface{}, onLine func(node, stream, line string), onRetcode func(node string, rc int, timedout bool)) error

// Agent is the gateway side of the propagation protocol (spec.md
// §4.E "Gateway lifecycle"): it decodes inbound CFG/CTL(shell) from a
// controller reached over this process's stdin, runs the command
// through Runner against its own subset of targets, and streams
// CTL(res)/CTL(eof) back over stdout -- the counterpart this package
// was missing to Controller, which only ever spoke the parent half.
type Agent struct {
	gwName  string
	channel *PropagationChannel
	enc     *xml.Encoder
	run     Runner
	info    map[string]interface{}
}

// NewAgent wires an Agent that writes its outbound channel to w.
func NewAgent(gwName string, run Runner, w io.Writer) *Agent {
	a := &Agent{gwName: gwName, run: run, enc: xml.NewEncoder(w)}
	a.channel = NewChannel(gwName, "controller", 0, 3, a.writeMessage)
	return a
}

func (a *Agent) writeMessage(m Message) error { return a.enc.Encode(m) }

// Serve decodes one <message> element at a time from r until EOF or a
// fatal protocol error, dispatching each to HandleMessage. Mirrors
// Controller's own encoder, which writes a bare sequence of <message>
// elements rather than wrapping them in a <channel> root.
func (a *Agent) Serve(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := a.HandleMessage(m); err != nil {
			return err
		}
	}
}

// HandleMessage advances the channel state machine on one inbound
// message and reacts to CFG/CTL(shell), acknowledging everything else
// the protocol requires an ACK for.
func (a *Agent) HandleMessage(m Message) error {
	if m.Kind == kindACK {
		return a.channel.Receive(m)
	}
	if err := a.channel.Receive(m); err != nil {
		return err
	}
	switch m.Kind {
	case kindCFG:
		info, err := DecodeCFG(m)
		if err != nil {
			return err
		}
		a.info = info
		return a.writeMessage(NewACK(0, m.MsgID))
	case kindCTL:
		if err := a.writeMessage(NewACK(0, m.MsgID)); err != nil {
			return err
		}
		if m.Action != ActionShell {
			return nil
		}
		return a.runShell(m)
	case kindErr:
		return &ErrProtocol{Msg: fmt.Sprintf("controller reported error on msg %d: %s", m.MsgID, m.Reason)}
	}
	return nil
}

// runShell builds the targets/command from the CTL(shell) payload,
// runs them through Runner, and emits one CTL(res) per line or final
// retcode plus a trailing CTL(eof), per spec.md §4.E: "the gateway
// spawns its own Task, executes the command on its subset ... emits
// CTL(eof) when the whole subtree is done."
func (a *Agent) runShell(m Message) error {
	raw, err := DecodeCTLPayload(m)
	if err != nil {
		return err
	}
	var sp ShellPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return err
	}
	targets, err := nodeset.Parse(m.Targets, nil)
	if err != nil {
		return err
	}

	onLine := func(node, stream, line string) {
		msg, err := NewCTL(ActionRes, node, 0, ResultPayload{Kind: PayloadResult, Node: node, Stream: stream, Line: line})
		if err == nil {
			_ = a.channel.Send(msg)
		}
	}
	onRetcode := func(node string, rc int, timedout bool) {
		msg, err := NewCTL(ActionRes, node, 0, ResultPayload{Kind: PayloadResult, Node: node, Retcode: rc, HasRC: !timedout, Timedout: timedout})
		if err == nil {
			_ = a.channel.Send(msg)
		}
	}

	runErr := a.run(targets, sp.Command, a.info, onLine, onRetcode)

	eof, err := NewCTL(ActionEOF, m.Targets, 0, ResultPayload{Kind: PayloadResult})
	if err == nil {
		_ = a.channel.Send(eof)
	}
	return runErr
}
