// Command clubak gathers "key: line" records from standard input into
// a MsgTree and prints one block per distinct group of output, per
// spec.md §6's output-gather CLI.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cea-hpc/clustershell-go/internal/config"
	"github.com/cea-hpc/clustershell-go/internal/msgtree"
	"github.com/cea-hpc/clustershell-go/internal/nodeset"
)

func main() {
	var (
		separator string
		trace     bool
		regroup   bool
	)

	fs := flag.NewFlagSet("clubak", flag.ContinueOnError)
	fs.StringVar(&separator, "s", ": ", "record separator between key and line (also --separator)")
	fs.StringVar(&separator, "separator", ": ", "record separator between key and line")
	fs.BoolVar(&trace, "T", false, "trace mode: indented hierarchical rendering")
	fs.BoolVar(&regroup, "r", false, "fold keysets through configured groups where possible (also --regroup)")
	fs.BoolVar(&regroup, "regroup", false, "fold keysets through configured groups where possible")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	mode := msgtree.Defer
	if trace {
		mode = msgtree.Trace
	}
	tree := msgtree.New(mode)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, separator)
		if idx < 0 {
			_, _ = fmt.Fprintf(os.Stderr, "%s: malformed record, missing separator %q: %q\n", os.Args[0], separator, line)
			continue
		}
		key := line[:idx]
		body := line[idx+len(separator):]
		tree.Add(key, body)
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: reading standard input: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	if trace {
		for _, e := range tree.WalkTrace() {
			fmt.Printf("%s%s (%d)\n", strings.Repeat("  ", e.Depth), e.Line, len(e.Keys))
		}
		return
	}

	var resolver nodeset.GroupResolver
	if regroup {
		r, err := config.LoadGroupResolver()
		if err == nil {
			resolver = r
		}
	}

	for _, e := range tree.Walk() {
		keyset := renderKeyset(e.Keys, resolver)
		fmt.Printf("---\n%s\n---\n%s\n", keyset, e.Message)
	}
}

func renderKeyset(keys []string, resolver nodeset.GroupResolver) string {
	ns := nodeset.New()
	for _, k := range keys {
		piece, err := nodeset.Parse(k, nil)
		if err != nil {
			continue
		}
		ns = ns.Union(piece)
	}
	if ns.IsEmpty() {
		return strings.Join(keys, ",")
	}
	if resolver != nil {
		return ns.Regroup(resolver)
	}
	return ns.Fold(0)
}
