// Command nodeset expands, folds and counts NodeSet patterns from the
// command line, per spec.md §6's node-set CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cea-hpc/clustershell-go/internal/config"
	"github.com/cea-hpc/clustershell-go/internal/nodeset"
)

type excludeFlag []string

func (e *excludeFlag) String() string { return strings.Join(*e, ",") }

func (e *excludeFlag) Set(v string) error {
	*e = append(*e, v)
	return nil
}

func exitUsage(msg string) {
	if msg != "" {
		_, _ = fmt.Fprintln(os.Stderr, msg)
	}
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [--count|--expand|--fold] [-a N] [-x NS]... [-i] [-q] NODESET...\n", os.Args[0])
	os.Exit(2)
}

func main() {
	var (
		doCount      bool
		doExpand     bool
		doFold       bool
		autostep     int
		excludes     excludeFlag
		intersection bool
		quiet        bool
	)

	fs := flag.NewFlagSet("nodeset", flag.ContinueOnError)
	fs.BoolVar(&doCount, "count", false, "print the number of nodes")
	fs.BoolVar(&doExpand, "expand", false, "print one node name per line")
	fs.BoolVar(&doFold, "fold", false, "print the folded range-set form")
	fs.IntVar(&autostep, "a", 0, "autostep threshold for folding (also --autostep)")
	fs.IntVar(&autostep, "autostep", 0, "autostep threshold for folding")
	fs.Var(&excludes, "x", "exclude a nodeset (repeatable, also --exclude)")
	fs.Var(&excludes, "exclude", "exclude a nodeset (repeatable)")
	fs.BoolVar(&intersection, "i", false, "intersect operands instead of union")
	fs.BoolVar(&intersection, "intersection", false, "intersect operands instead of union")
	fs.BoolVar(&quiet, "q", false, "suppress output, only set the exit code")
	fs.BoolVar(&quiet, "quiet", false, "suppress output, only set the exit code")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	resolver, err := config.LoadGroupResolver()
	if err != nil {
		exitUsage(fmt.Sprintf("could not load group resolver: %v", err))
	}

	operands := fs.Args()
	if len(operands) == 0 {
		exitUsage("at least one NODESET operand is required")
	}

	result := nodeset.New()
	for i, op := range operands {
		ns, err := nodeset.Parse(op, resolver)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		if i == 0 {
			result = ns
			continue
		}
		if intersection {
			result = result.Intersection(ns)
		} else {
			result = result.Union(ns)
		}
	}

	for _, x := range excludes {
		ns, err := nodeset.Parse(x, resolver)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		result = result.Difference(ns)
	}

	if quiet {
		if result.IsEmpty() {
			os.Exit(1)
		}
		os.Exit(0)
	}

	switch {
	case doCount:
		fmt.Println(result.Len())
	case doExpand:
		for _, n := range result.Slice() {
			fmt.Println(n)
		}
	default:
		fmt.Println(result.Fold(autostep))
	}

	if result.IsEmpty() {
		os.Exit(1)
	}
}
