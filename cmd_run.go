package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"ulang/vm"
)

type runCmd struct {
	heapStartKB int
	heapLimitKB int
	verbose     bool
}

func (*runCmd) Name() string { return "run" }

func (*runCmd) Synopsis() string { return "Compile and immediately execute a source program." }

func (*runCmd) Usage() string {
	return `run [--heapsize-start kb] [--heapsize-limit kb] [--verbose] <file.u>:
Compile the given source program and run it in one step.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.heapStartKB, "heapsize-start", 256, "starting VM heap size in KB")
	f.IntVar(&c.heapLimitKB, "heapsize-limit", 0, "VM heap size limit in KB (0 = unlimited)")
	f.BoolVar(&c.verbose, "verbose", false, "trace heap activity")
}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, file := range f.Args() {
		src, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading %s: %s\n", file, err)
			return subcommands.ExitFailure
		}

		bc, warnings, err := compileSource(file, src)
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, w.Human())
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}

		params := vm.Params{HeapStartKB: c.heapStartKB, HeapLimitKB: c.heapLimitKB, Stdout: os.Stdout, Stdin: os.Stdin}
		if c.verbose {
			params.Verbose = func(format string, args ...interface{}) { fmt.Fprintf(os.Stderr, format+"\n", args...) }
		}

		machine, err := vm.New(bc, params)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error initializing VM:", err)
			return subcommands.ExitFailure
		}
		if err := machine.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "error running file:", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}
