package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"ulang/container"
	"ulang/disasm"
)

type dumpCmd struct{}

func (*dumpCmd) Name() string { return "dump" }

func (*dumpCmd) Synopsis() string { return "Show the container header and section layout." }

func (*dumpCmd) Usage() string {
	return `dump <file.uc>:
Show the header fields and section sizes of a compiled bytecode container.
`
}

func (*dumpCmd) SetFlags(f *flag.FlagSet) {}

func (*dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, file := range f.Args() {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading %s: %s\n", file, err)
			return subcommands.ExitFailure
		}

		c, err := container.Deserialize(raw)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error loading container:", err)
			return subcommands.ExitFailure
		}

		if err := disasm.DumpHeader(os.Stdout, c); err != nil {
			fmt.Fprintln(os.Stderr, "error dumping container:", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}
