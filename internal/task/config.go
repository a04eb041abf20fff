package task

import (
	"time"

	"github.com/cea-hpc/clustershell-go/internal/diagnostics"
)

// Config carries the task defaults and task info keys spec.md §4.D
// names. It deliberately stays a flat struct rather than a generic
// map[string]interface{} bag for the keys that drive typed behavior
// (fanout, timeouts, engine selection); SetInfo/SetDefault below
// still accept arbitrary keys for forward compatibility with gateway
// CFG payloads (internal/gateway sends a subset of these keys as
// base64 maps, see SPEC_FULL.md §4.E).
type Config struct {
	// task defaults
	Stderr            bool
	StdoutMsgtree     bool
	StderrMsgtree     bool
	TraceOutput       bool // selects msgtree.Trace instead of msgtree.Defer
	Engine            string
	PortQlimit        int
	AutoTree          bool
	LocalWorkername   string
	DistantWorkername string

	// task info
	Debug          bool
	Fanout         int
	GroomingDelay  time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	extra map[string]interface{}
}

// DefaultConfig matches the original's documented defaults: unbounded
// autodetected engine, fanout 64, no grooming delay, stdout gathering
// on.
func DefaultConfig() *Config {
	return &Config{
		StdoutMsgtree: true,
		PortQlimit:    32,
		Fanout:        64,
		extra:         make(map[string]interface{}),
	}
}

// SetDefault sets a task default by name, for keys not represented as
// a typed field (mirrors the original's string-keyed set_default).
func (c *Config) SetDefault(key string, value interface{}) { c.setExtra(key, value) }

// SetInfo sets a task info key by name.
func (c *Config) SetInfo(key string, value interface{}) { c.setExtra(key, value) }

func (c *Config) setExtra(key string, value interface{}) {
	switch key {
	case "stderr":
		c.Stderr, _ = value.(bool)
	case "stdout_msgtree":
		c.StdoutMsgtree, _ = value.(bool)
	case "stderr_msgtree":
		c.StderrMsgtree, _ = value.(bool)
	case "engine":
		c.Engine, _ = value.(string)
	case "port_qlimit":
		if v, ok := value.(int); ok {
			c.PortQlimit = v
		}
	case "auto_tree":
		c.AutoTree, _ = value.(bool)
	case "local_workername":
		c.LocalWorkername, _ = value.(string)
	case "distant_workername":
		c.DistantWorkername, _ = value.(string)
	case "debug":
		c.Debug, _ = value.(bool)
		diagnostics.SetDebug(c.Debug)
	case "fanout":
		if v, ok := value.(int); ok {
			c.Fanout = v
		}
	case "grooming_delay":
		if v, ok := value.(time.Duration); ok {
			c.GroomingDelay = v
		}
	case "connect_timeout":
		if v, ok := value.(time.Duration); ok {
			c.ConnectTimeout = v
		}
	case "command_timeout":
		if v, ok := value.(time.Duration); ok {
			c.CommandTimeout = v
		}
	default:
		if c.extra == nil {
			c.extra = make(map[string]interface{})
		}
		c.extra[key] = value
	}
}

func (c *Config) Get(key string) (interface{}, bool) {
	v, ok := c.extra[key]
	return v, ok
}

// GatewaySafeKeys are the task-info keys a CFG message may propagate
// to a gateway subtask, per spec.md §4.E.
var GatewaySafeKeys = []string{"debug", "fanout", "grooming_delay", "connect_timeout", "command_timeout"}
