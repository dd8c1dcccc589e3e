package container_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"ulang/bytecode"
	"ulang/container"
	"ulang/diag"
	"ulang/symtab"
	"ulang/types"
)

func sampleCode() []bytecode.Instruction {
	return []bytecode.Instruction{
		{Op: bytecode.JMP, A: bytecode.Immediate(2), B: bytecode.Null},
		{Op: bytecode.NOP, A: bytecode.Null, B: bytecode.Null},
		{Op: bytecode.HALT, A: bytecode.Null, B: bytecode.Null},
	}
}

func TestRoundTripIsByteExact(t *testing.T) {
	syms := symtab.New()
	syms.Decl("x", types.Int32, diag.Location{File: "t.u", Line: 1, Column: 1})

	c := container.Build(sampleCode(), 8, syms)
	raw := c.Serialize()

	got, err := container.Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	raw2 := got.Serialize()
	if diff := cmp.Diff(raw, raw2); diff != "" {
		t.Fatalf("serialize(deserialize(B)) != B:\n%s", diff)
	}
	if diff := cmp.Diff(c.Code, got.Code); diff != "" {
		t.Fatalf("code section did not round-trip:\n%s", diff)
	}
}

func TestTruncatedHeaderIsRejected(t *testing.T) {
	syms := symtab.New()
	c := container.Build(sampleCode(), 0, syms)
	raw := c.Serialize()

	truncated := raw[:container.HeaderSize+3]
	if _, err := container.Deserialize(truncated); err == nil {
		t.Fatal("expected BytecodeTruncated on a file truncated to header_size+3")
	}
}

func TestBadMagicIsRejected(t *testing.T) {
	syms := symtab.New()
	c := container.Build(sampleCode(), 0, syms)
	raw := c.Serialize()
	raw[0] = 'X'
	if _, err := container.Deserialize(raw); err == nil {
		t.Fatal("expected BytecodeInvalidHeader on bad magic")
	}
}

func TestCorruptedChecksumIsRejected(t *testing.T) {
	syms := symtab.New()
	c := container.Build(sampleCode(), 0, syms)
	raw := c.Serialize()
	raw[len(raw)-1] ^= 0xff
	if _, err := container.Deserialize(raw); err == nil {
		t.Fatal("expected BytecodeChecksum on a corrupted trailing byte")
	}
}
