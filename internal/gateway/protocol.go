// Package gateway implements the wire protocol a controller speaks to
// a propagation gateway (spec.md §4.E): an XML channel envelope
// carrying CFG/CTL/ACK/ERR messages, each payload a base64-wrapped
// JSON record. Grounded on internal/storage/rpc.go's GetArgs/GetReply
// style of small explicit typed structs per call shape -- the JSON
// "kind"-discriminated payloads below are this project's equivalent
// of that pattern, chosen over the original's opaque pickle blobs for
// the reasons recorded in DESIGN.md.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// ErrProtocol reports a malformed or out-of-sequence gateway message;
// receiving one closes the channel, per spec.md §7.
type ErrProtocol struct{ Msg string }

func (e *ErrProtocol) Error() string { return "gateway: protocol error: " + e.Msg }

// Action enumerates the CTL message actions spec.md §4.E names.
type Action string

const (
	ActionShell Action = "shell"
	ActionWrite Action = "write"
	ActionEOF   Action = "eof"
	ActionRes   Action = "res"
)

// Message is one XML element inside a <channel> envelope. Exactly one
// of CFG/CTL/ACK/ERR is populated, matching the four message kinds
// spec.md §4.E lists.
type Message struct {
	XMLName xml.Name `xml:"message"`
	Kind    string   `xml:"kind,attr"`

	// CFG
	ConfigPayload string `xml:"config,omitempty"` // base64 JSON map[string]interface{}

	// CTL
	Action    Action `xml:"action,attr,omitempty"`
	Targets   string `xml:"targets,attr,omitempty"`
	MsgID     int    `xml:"msgid,attr,omitempty"`
	CtlPayload string `xml:"payload,omitempty"` // base64 JSON, kind-discriminated

	// ACK
	Ack int `xml:"ack,attr,omitempty"`

	// ERR
	Reason string `xml:"reason,attr,omitempty"`
}

// Channel is the XML envelope wrapping an ordered stream of messages
// for one controller-gateway connection. Controller and Agent do not
// emit it: they write each Message as a bare element.
type Channel struct {
	XMLName  xml.Name  `xml:"channel"`
	Src      string    `xml:"src,attr"`
	Dst      string    `xml:"dst,attr"`
	Messages []Message `xml:"message"`
}

const (
	kindCFG = "CFG"
	kindCTL = "CTL"
	kindACK = "ACK"
	kindErr = "ERR"
)

// NewCFG builds a CFG message carrying the given safe task-info keys,
// base64-encoded JSON (spec.md §4.E: "only the safe keys debug,
// fanout, grooming_delay, connect_timeout, command_timeout").
func NewCFG(info map[string]interface{}) (Message, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kindCFG, ConfigPayload: base64.StdEncoding.EncodeToString(b)}, nil
}

// DecodeCFG extracts the task-info map from a CFG message.
func DecodeCFG(m Message) (map[string]interface{}, error) {
	if m.Kind != kindCFG {
		return nil, &ErrProtocol{Msg: fmt.Sprintf("expected CFG, got %q", m.Kind)}
	}
	raw, err := base64.StdEncoding.DecodeString(m.ConfigPayload)
	if err != nil {
		return nil, &ErrProtocol{Msg: "malformed CFG base64: " + err.Error()}
	}
	var info map[string]interface{}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, &ErrProtocol{Msg: "malformed CFG JSON: " + err.Error()}
	}
	return info, nil
}

// NewCTL builds a CTL message with a kind-discriminated JSON payload.
func NewCTL(action Action, targets string, msgid int, payload interface{}) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:       kindCTL,
		Action:     action,
		Targets:    targets,
		MsgID:      msgid,
		CtlPayload: base64.StdEncoding.EncodeToString(b),
	}, nil
}

// DecodeCTLPayload base64-decodes a CTL message's payload into raw
// JSON bytes for further kind-discriminated unmarshalling by the
// caller (ShellPayload/WritePayload/ResultPayload below).
func DecodeCTLPayload(m Message) ([]byte, error) {
	if m.Kind != kindCTL {
		return nil, &ErrProtocol{Msg: fmt.Sprintf("expected CTL, got %q", m.Kind)}
	}
	raw, err := base64.StdEncoding.DecodeString(m.CtlPayload)
	if err != nil {
		return nil, &ErrProtocol{Msg: "malformed CTL base64: " + err.Error()}
	}
	return raw, nil
}

// NewACK acknowledges receipt of message ack.
func NewACK(msgid, ack int) Message {
	return Message{Kind: kindACK, MsgID: msgid, Ack: ack}
}

// NewErr reports a non-recoverable protocol error on the sender side.
func NewErr(msgid int, reason string) Message {
	return Message{Kind: kindErr, MsgID: msgid, Reason: reason}
}

// ShellPayload is the CTL(shell) payload: the command to run. The
// task-info keys the gateway honors travel separately, in CFG.
type ShellPayload struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
}

// WritePayload is the CTL(write) payload: raw bytes to forward to a
// node's stdin.
type WritePayload struct {
	Kind string `json:"kind"`
	Data []byte `json:"data"`
}

// ResultPayload is the CTL(res) payload: one node's output line or
// final retcode.
type ResultPayload struct {
	Kind     string `json:"kind"`
	Node     string `json:"node"`
	Stream   string `json:"stream,omitempty"` // "stdout" or "stderr"; empty for a retcode record
	Line     string `json:"line,omitempty"`
	Retcode  int    `json:"retcode,omitempty"`
	HasRC    bool   `json:"has_rc,omitempty"`
	Timedout bool   `json:"timedout,omitempty"`
}

const (
	PayloadShell  = "shell"
	PayloadWrite  = "write"
	PayloadResult = "result"
)
