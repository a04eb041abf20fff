package gateway

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"time"

	"github.com/cea-hpc/clustershell-go/internal/topology"
	"github.com/cea-hpc/clustershell-go/internal/xlog"
)

var log = xlog.New("gateway")

// Controller drives one gateway subprocess: it owns the Channel state
// machine, the router's view of the gateway's reachability, and the
// set of nodes in the gateway's subtree still awaiting a retcode.
type Controller struct {
	gwName  string
	channel *PropagationChannel
	router  *topology.Router

	pendingNodes map[string]bool

	encoder *xml.Encoder
}

// NewController wires a Controller for gateway gwName, writing its
// outbound XML envelope to w.
func NewController(gwName string, router *topology.Router, subtreeNodes []string, groomingDelay time.Duration, w io.Writer) *Controller {
	c := &Controller{
		gwName:       gwName,
		router:       router,
		pendingNodes: make(map[string]bool, len(subtreeNodes)),
		encoder:      xml.NewEncoder(w),
	}
	for _, n := range subtreeNodes {
		c.pendingNodes[n] = true
	}
	c.channel = NewChannel("controller", gwName, groomingDelay, 3, c.writeMessage)
	return c
}

func (c *Controller) writeMessage(m Message) error {
	return c.encoder.Encode(m)
}

// Configure sends the CFG message adopting the safe task-info keys.
func (c *Controller) Configure(info map[string]interface{}) error {
	m, err := NewCFG(info)
	if err != nil {
		return err
	}
	return c.channel.Send(m)
}

// Shell sends a CTL(shell) message for the given command.
func (c *Controller) Shell(targets, command string) error {
	m, err := NewCTL(ActionShell, targets, 0, ShellPayload{Kind: PayloadShell, Command: command})
	if err != nil {
		return err
	}
	return c.channel.Send(m)
}

// HandleResult processes an inbound CTL(res) message, feeding the
// node's line into onLine (normally a MsgTree.Add closure) or, for a
// final retcode, clearing it from pendingNodes.
func (c *Controller) HandleResult(m Message, onLine func(node, stream, line string), onRetcode func(node string, rc int, timedout bool)) error {
	if err := c.channel.Receive(m); err != nil {
		return err
	}
	raw, err := DecodeCTLPayload(m)
	if err != nil {
		return err
	}
	var res ResultPayload
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	if res.Stream != "" {
		if onLine != nil {
			onLine(res.Node, res.Stream, res.Line)
		}
		return nil
	}
	delete(c.pendingNodes, res.Node)
	if onRetcode != nil {
		onRetcode(res.Node, res.Retcode, res.Timedout)
	}
	return nil
}

// HandleEOF processes the gateway's CTL(eof): every node still pending
// completed without error, since the gateway only sends eof once its
// own subtree Task has finished.
func (c *Controller) HandleEOF() {
	c.pendingNodes = map[string]bool{}
}

// HandleSubprocessExit implements spec.md §4.E "Failure": if the
// gateway subprocess exits before eof, every node in its subtree that
// hasn't yet produced a retcode is recorded as timed out, the gateway
// is marked unreachable, and no retry happens this run.
func (c *Controller) HandleSubprocessExit(onTimeout func(node string)) {
	for node := range c.pendingNodes {
		if onTimeout != nil {
			onTimeout(node)
		}
	}
	c.pendingNodes = map[string]bool{}
	c.router.MarkUnreachable(c.gwName)
	log.Warnf("gateway %s exited before eof, marked unreachable", c.gwName)
}
