package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"ulang/container"
	"ulang/vm"
)

type executeCmd struct {
	heapStartKB int
	heapLimitKB int
	verbose     bool
}

func (*executeCmd) Name() string { return "execute" }

func (*executeCmd) Synopsis() string { return "Execute an already-compiled bytecode container." }

func (*executeCmd) Usage() string {
	return `execute [--heapsize-start kb] [--heapsize-limit kb] [--verbose] <file.uc>:
Execute the bytecode contained in the given container file.
`
}

func (c *executeCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.heapStartKB, "heapsize-start", 256, "starting VM heap size in KB")
	f.IntVar(&c.heapLimitKB, "heapsize-limit", 0, "VM heap size limit in KB (0 = unlimited)")
	f.BoolVar(&c.verbose, "verbose", false, "trace heap activity")
}

func (c *executeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, file := range f.Args() {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error reading file:", err)
			return subcommands.ExitFailure
		}

		bc, err := container.Deserialize(raw)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error loading container:", err)
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
