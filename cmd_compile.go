package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"
)

type compileCmd struct {
	output  string
	verbose bool
}

func (*compileCmd) Name() string { return "compile" }

func (*compileCmd) Synopsis() string { return "Compile a source file into a bytecode container." }

func (*compileCmd) Usage() string {
	return `compile [--output out.uc] [--verbose] <file.u>:
Compile the given source file into a bytecode container.
`
}

func (c *compileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "output", "", "output file (default: <input>.uc)")
	f.BoolVar(&c.verbose, "verbose", false, "print a summary line after writing the output")
}

func (c *compileCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
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

		out := c.output
		if out == "" {
			out = strings.TrimSuffix(file, filepath.Ext(file)) + ".uc"
		}
		if err := os.WriteFile(out, bc.Serialize(), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %s\n", out, err)
			return subcommands.ExitFailure
		}
		if c.verbose {
			fmt.Printf("wrote %s (%d instructions)\n", out, len(bc.Code))
		}
	}
	return subcommands.ExitSuccess
}
