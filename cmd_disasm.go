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

type disasmCmd struct {
	bin     bool
	symbols bool
}

func (*disasmCmd) Name() string { return "disasm" }

func (*disasmCmd) Synopsis() string { return "Disassemble a compiled bytecode container." }

func (*disasmCmd) Usage() string {
	return `disasm [--bin] [--symbols] <file>:
Disassemble a bytecode container into a readable instruction listing.
With --bin, <file> is treated as a raw .uc container; otherwise it is
compiled from source first.
`
}

func (c *disasmCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.bin, "bin", false, "treat the input file as an already-compiled container")
	f.BoolVar(&c.symbols, "symbols", false, "resolve reference operands to symbol names")
}

func (c *disasmCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, file := range f.Args() {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading %s: %s\n", file, err)
			return subcommands.ExitFailure
		}

		var bc *container.Container
		if c.bin {
			bc, err = container.Deserialize(raw)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error loading container:", err)
				return subcommands.ExitFailure
			}
		} else {
			built, w, cerr := compileSource(file, raw)
			for _, d := range w {
				fmt.Fprintln(os.Stderr, d.Human())
			}
			if cerr != nil {
				fmt.Fprintln(os.Stderr, cerr)
				return subcommands.ExitFailure
			}
			bc = built
		}

		if err := disasm.Print(os.Stdout, bc, disasm.Options{Symbols: c.symbols}); err != nil {
			fmt.Fprintln(os.Stderr, "error disassembling:", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}
