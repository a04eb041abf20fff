// Command clush runs a shell command, or copies a file, in parallel
// across a set of nodes and gathers the results, per spec.md §6's
// parallel-shell CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cea-hpc/clustershell-go/internal/config"
	"github.com/cea-hpc/clustershell-go/internal/difftext"
	"github.com/cea-hpc/clustershell-go/internal/gateway"
	"github.com/cea-hpc/clustershell-go/internal/nodeset"
	"github.com/cea-hpc/clustershell-go/internal/task"
	"github.com/cea-hpc/clustershell-go/internal/topology"
	"github.com/cea-hpc/clustershell-go/internal/worker"
	"github.com/cea-hpc/clustershell-go/internal/xlog"
	log "github.com/sirupsen/logrus"
)

var logger = xlog.New("clush")

type sshOptionsFlag []string

func (s *sshOptionsFlag) String() string { return strings.Join(*s, " ") }

func (s *sshOptionsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type clushContext struct {
	targets    string
	exclude    string
	group      string
	copySrc    string
	copyDest   string
	rcopySrc   string
	rcopyDest  string
	gatherB    bool
	gatherBig  bool
	lineMode   bool
	noLabel    bool
	worstExit  bool
	showDiff   bool
	fanout     int
	connectTO  float64
	commandTO  float64
	sshOptions sshOptionsFlag
	nostdin    bool
	topology   string
	gatewayRun bool
}

func exitUsage(msg string) {
	if msg != "" {
		_, _ = fmt.Fprintln(os.Stderr, msg)
	}
	_, _ = fmt.Fprintln(os.Stderr, "Usage: clush -w NODESET [options] command")
	os.Exit(2)
}

func main() {
	var ctx clushContext

	fs := flag.NewFlagSet("clush", flag.ContinueOnError)
	fs.StringVar(&ctx.targets, "w", "", "target nodeset")
	fs.StringVar(&ctx.exclude, "x", "", "exclude nodeset")
	fs.StringVar(&ctx.group, "g", "", "target group")
	fs.StringVar(&ctx.copySrc, "c", "", "copy source path to --dest on targets (also --copy)")
	fs.StringVar(&ctx.copySrc, "copy", "", "copy source path to --dest on targets")
	fs.StringVar(&ctx.copyDest, "dest", "", "destination path for --copy/--rcopy")
	fs.StringVar(&ctx.rcopySrc, "rcopy", "", "copy source path back from targets to --dest")
	fs.BoolVar(&ctx.gatherB, "b", false, "gather identical output (also -B)")
	fs.BoolVar(&ctx.gatherBig, "B", false, "gather identical output, show all nodes")
	fs.BoolVar(&ctx.lineMode, "L", false, "line mode: prefix every line with its node")
	fs.BoolVar(&ctx.noLabel, "N", false, "do not prefix output with node names")
	fs.BoolVar(&ctx.worstExit, "S", false, "exit with the worst per-node exit code")
	fs.BoolVar(&ctx.showDiff, "diff", false, "show a unified diff of minority outputs against the majority")
	fs.IntVar(&ctx.fanout, "f", 0, "fanout override (0: use configured default)")
	fs.Float64Var(&ctx.connectTO, "t", 0, "connect timeout in seconds (0: no timeout)")
	fs.Float64Var(&ctx.commandTO, "u", 0, "command timeout in seconds (0: no timeout)")
	fs.Var(&ctx.sshOptions, "o", "extra ssh option (repeatable)")
	fs.BoolVar(&ctx.nostdin, "nostdin", false, "do not attempt to read from standard input")
	fs.StringVar(&ctx.topology, "T", "", "topology file: route through gateways instead of direct fanout (also --topology)")
	fs.StringVar(&ctx.topology, "topology", "", "topology file: route through gateways instead of direct fanout")
	fs.BoolVar(&ctx.gatewayRun, "gateway", false, "internal: run as a propagation gateway, speaking the wire protocol on stdin/stdout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if ctx.gatewayRun {
		if err := runGateway(); err != nil {
			log.Fatalf("gateway: %v", err)
		}
		return
	}

	clushCfg, err := config.LoadClushConfig()
	if err != nil {
		logger.Warnf("could not load clush.conf: %v", err)
		clushCfg = config.DefaultClushConfig()
	}
	resolver, err := config.LoadGroupResolver()
	if err != nil {
		logger.Warnf("could not load group resolver: %v", err)
	}

	targets, err := resolveTargets(ctx, resolver)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "clush: %v\n", err)
		os.Exit(1)
	}
	if targets.IsEmpty() {
		exitUsage("no targets selected, use -w or -g")
	}

	cfg := task.DefaultConfig()
	fanout := clushCfg.Fanout
	if ctx.fanout > 0 {
		fanout = ctx.fanout
	}
	cfg.SetInfo("fanout", fanout)
	if ctx.connectTO > 0 {
		cfg.SetInfo("connect_timeout", time.Duration(ctx.connectTO*float64(time.Second)))
	}
	if ctx.commandTO > 0 {
		cfg.SetInfo("command_timeout", time.Duration(ctx.commandTO*float64(time.Second)))
	}

	t, err := task.New(cfg)
	if err != nil {
		log.Fatalf("could not create task: %v", err)
	}

	spec := worker.Spec{
		Category:       worker.Ssh,
		SSHOptions:     ctx.sshOptions,
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
	}

	if ctx.topology != "" {
		router, err := loadRouter(ctx.topology, resolver)
		if err != nil {
			log.Fatalf("topology: %v", err)
		}
		cfg.SetInfo("auto_tree", true)
		t.SetRouter(router)
		spec.GatewayBinary = selfPath()
	}

	interrupted := false
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		if _, ok := <-sigCh; ok {
			interrupted = true
			t.Abort(true)
		}
	}()

	switch {
	case ctx.copySrc != "":
		if ctx.copyDest == "" {
			exitUsage("--copy requires --dest")
		}
		spec.SCPPath = "scp"
		if _, err := t.Copy(ctx.copySrc, ctx.copyDest, targets, spec, task.Handler{}); err != nil {
			log.Fatalf("copy: %v", err)
		}
	case ctx.rcopySrc != "":
		if ctx.copyDest == "" {
			exitUsage("--rcopy requires --dest")
		}
		spec.RCPPath = "scp"
		if _, err := t.Rcopy(ctx.rcopySrc, ctx.copyDest, targets, spec, task.Handler{}); err != nil {
			log.Fatalf("rcopy: %v", err)
		}
	default:
		command := strings.Join(fs.Args(), " ")
		if command == "" {
			exitUsage("no command given")
		}
		spec.Command = command

		handler := task.Handler{}
		if ctx.lineMode {
			handler.OnRead = func(_ *worker.Worker, node, stream, line string) {
				if stream == "stderr" {
					fmt.Fprintf(os.Stderr, "%s: %s\n", node, line)
					return
				}
				fmt.Printf("%s: %s\n", node, line)
			}
		}
		if _, err := t.Shell(command, targets, spec, handler); err != nil {
			log.Fatalf("shell: %v", err)
		}
	}

	if err := t.Run(0); err != nil {
		log.Fatalf("run: %v", err)
	}
	signal.Stop(sigCh)

	if interrupted {
		os.Exit(128 + 2) // SIGINT
	}

	if !ctx.lineMode {
		renderGathered(t, ctx)
	}

	if ctx.showDiff {
		renderDiff(t)
	}

	if ctx.worstExit {
		os.Exit(t.MaxRetcode())
	}
}

func resolveTargets(ctx clushContext, resolver nodeset.GroupResolver) (*nodeset.NodeSet, error) {
	result := nodeset.New()
	if ctx.targets != "" {
		ns, err := nodeset.Parse(ctx.targets, resolver)
		if err != nil {
			return nil, err
		}
		result = result.Union(ns)
	}
	if ctx.group != "" {
		ns, err := nodeset.Parse("@"+ctx.group, resolver)
		if err != nil {
			return nil, err
		}
		result = result.Union(ns)
	}
	if ctx.exclude != "" {
		ns, err := nodeset.Parse(ctx.exclude, resolver)
		if err != nil {
			return nil, err
		}
		result = result.Difference(ns)
	}
	return result, nil
}

func renderGathered(t *task.Task, ctx clushContext) {
	for _, e := range t.IterBuffers() {
		ns := nodeset.New()
		for _, k := range e.Keys {
			piece, err := nodeset.Parse(k, nil)
			if err != nil {
				continue
			}
			ns = ns.Union(piece)
		}
		label := ns.Fold(0)
		if ctx.noLabel {
			fmt.Println(e.Message)
			continue
		}
		fmt.Printf("---------------\n%s\n---------------\n%s\n", label, e.Message)
	}
}

// loadRouter parses a topology file and builds a Router rooted at this
// host, per spec.md §4.E: the controller machine is always the tree
// root since it is the one end users invoke clush from.
func loadRouter(path string, resolver nodeset.GroupResolver) (*topology.Router, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	graph, err := topology.Parse(f, resolver)
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	tree, err := graph.ToTree(hostname)
	if err != nil {
		return nil, err
	}
	return topology.NewRouter(tree), nil
}

// selfPath names the binary a Tree-category client re-invokes on the
// gateway host; os.Executable over os.Args[0] so an ssh'd-in relative
// invocation still resolves on the far side.
func selfPath() string {
	p, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return p
}

// infoDuration reads a task-info value CFG decoded from JSON, where a
// time.Duration travels as a JSON number and comes back as float64.
func infoDuration(info map[string]interface{}, key string) time.Duration {
	v, ok := info[key].(float64)
	if !ok {
		return 0
	}
	return time.Duration(v)
}

func infoInt(info map[string]interface{}, key string) int {
	v, ok := info[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// runGateway is this binary's gateway-mode entry point (spec.md §4.E
// "Gateway lifecycle"): it wires a gateway.Agent to stdin/stdout and
// runs every CTL(shell) it receives through a fresh direct-fanout
// Task against this gateway's own subset of targets -- one hop of
// propagation, not further recursive tree dispatch.
func runGateway() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "gateway"
	}

	runner := func(targets *nodeset.NodeSet, command string, info map[string]interface{}, onLine func(node, stream, line string), onRetcode func(node string, rc int, timedout bool)) error {
		cfg := task.DefaultConfig()
		if fanout := infoInt(info, "fanout"); fanout > 0 {
			cfg.SetInfo("fanout", fanout)
		}
		if d := infoDuration(info, "connect_timeout"); d > 0 {
			cfg.SetInfo("connect_timeout", d)
		}
		if d := infoDuration(info, "command_timeout"); d > 0 {
			cfg.SetInfo("command_timeout", d)
		}
		if debug, ok := info["debug"].(bool); ok {
			cfg.SetInfo("debug", debug)
		}

		t, err := task.New(cfg)
		if err != nil {
			return err
		}
		spec := worker.Spec{
			Category:       worker.Ssh,
			ConnectTimeout: cfg.ConnectTimeout,
			CommandTimeout: cfg.CommandTimeout,
		}
		h := task.Handler{
			OnRead: func(_ *worker.Worker, node, stream, line string) { onLine(node, stream, line) },
			OnHup:  func(_ *worker.Worker, node string, rc int) { onRetcode(node, rc, false) },
		}
		if _, err := t.Shell(command, targets, spec, h); err != nil {
			return err
		}
		if err := t.Run(0); err != nil {
			return err
		}
		for _, node := range t.Timeouts() {
			onRetcode(node, 0, true)
		}
		return nil
	}

	agent := gateway.NewAgent(hostname, runner, os.Stdout)
	return agent.Serve(os.Stdin)
}

func renderDiff(t *task.Task) {
	entries := t.IterBuffers()
	majority, rest := difftext.Majority(entries)
	for _, r := range rest {
		out, err := difftext.Unified(majority.Message, r.Message, difftext.DefaultContextLines)
		if err != nil {
			continue
		}
		fmt.Printf("diff %s vs %s\n%s\n", strings.Join(majority.Keys, ","), strings.Join(r.Keys, ","), out)
	}
}
