// Package disasm renders a loaded container's instructions as text,
// per spec.md §4.L: "reconstructs instructions by replaying the
// serializer's layout... prints one line per instruction." With
// symbol resolution on, OP_REFERENCE operands print as &name instead
// of a raw hex offset by matching against the symbol table's
// stack_offset entries.
package disasm

import (
	"fmt"
	"io"
	"strings"

	"ulang/bytecode"
	"ulang/container"
)

// Options controls rendering.
type Options struct {
	// Symbols, when true, resolves OP_REFERENCE operands to &name by
	// scanning the container's symbol table for a stack_offset match.
	Symbols bool
}

// Print writes one line per instruction in c.Code to w.
func Print(w io.Writer, c *container.Container, opt Options) error {
	var names map[uint32]string
	if opt.Symbols {
		var err error
		names, err = symbolNamesByOffset(c)
		if err != nil {
			return err
		}
	}

	for i, in := range c.Code {
		line, err := formatInstruction(i, in, names)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func symbolNamesByOffset(c *container.Container) (map[uint32]string, error) {
	out := map[uint32]string{}
	for _, s := range c.Symbols {
		name, err := c.StringAt(s.NameOffset)
		if err != nil {
			return nil, err
		}
		out[s.StackOffset] = name
	}
	return out, nil
}

func formatInstruction(index int, in bytecode.Instruction, names map[uint32]string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%04d  %-11s", index, in.Op)
	fmt.Fprintf(&b, " %s", formatOperand(in.A, names))
	fmt.Fprintf(&b, ", %s", formatOperand(in.B, names))
	return b.String(), nil
}

func formatOperand(op bytecode.Operand, names map[uint32]string) string {
	switch op.Type {
	case bytecode.OpNull:
		return "-"
	case bytecode.OpImmediate:
		return fmt.Sprintf("#%d", op.Data)
	case bytecode.OpConstant:
		return fmt.Sprintf("$%d", op.Data)
	case bytecode.OpRegister:
		return fmt.Sprintf("%%%s", bytecode.RegisterName(op.Data))
	case bytecode.OpReference:
		if names != nil {
			if name, ok := names[op.Data]; ok {
				return "&" + name
			}
		}
		return fmt.Sprintf("&0x%x", op.Data)
	default:
		return "?"
	}
}

// DumpHeader renders the container's header fields, used by the
// dump verb (spec.md §6 CLI surfaces, "Dumper: --file <bc>").
func DumpHeader(w io.Writer, c *container.Container) error {
	h := c.Header
	_, err := fmt.Fprintf(w,
		"version: %d.%d\nendian: %d\nword_size: %d\nflags: 0x%x\n"+
			"code: [%d,+%d)\ndata: [%d,+%d)\nmeta: [%d,+%d)\n"+
			"checksum_type: %d checksum: 0x%08x\nentry_offset: %d\n"+
			"types: %d symbols: %d string_pool: %d bytes\n",
		h.VersionMajor, h.VersionMinor, h.Endian, h.WordSize, h.Flags,
		h.CodeOffset, h.CodeSize, h.DataOffset, h.DataSize, h.MetaOffset, h.MetaSize,
		h.ChecksumType, h.Checksum, h.EntryOffset,
		len(c.Types), len(c.Symbols), len(c.Strings),
	)
	return err
}
