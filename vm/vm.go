// Package vm implements the register-based dispatch loop from
// spec.md §4.K, adapted from the teacher's cpu.Run/cpu.Register/
// cpu.Stack (muhtutorials-vm): a flat register file, a dedicated
// stack buffer, and a straight-line switch over every opcode.
//
// Where the teacher kept registers as *Register wrapping tagged
// int/string Objects, this VM's registers are untyped 64-bit words
// (spec.md §3: "Register file. 32 × 64-bit."), since the language has
// exactly one runtime value shape; operand decoding (spec.md §4.K)
// does the only type-like dispatch the VM needs.
package vm

import (
	"bufio"
	"io"

	"github.com/pkg/errors"

	"ulang/bytecode"
	"ulang/container"
	"ulang/diag"
	"ulang/heap"
)

// StackSize is the fixed size of the VM's dedicated call/PUSH stack
// buffer (spec.md §4.K: "a 256 KiB stack buffer").
const StackSize = 256 * 1024

const zeroFlag = uint64(1)

// Params mirrors the VM CLI surface (spec.md §6): heap sizing and a
// verbose trace sink.
type Params struct {
	HeapStartKB int
	HeapLimitKB int
	Verbose     func(format string, args ...interface{})
	Stdout      io.Writer
	Stdin       io.Reader
}

// VM is one execution of a loaded program against a fresh heap,
// stack, and register file.
type VM struct {
	regs    [bytecode.RegisterCount]uint64
	stack   [StackSize]byte
	sp      int64 // index into stack; starts at StackSize and grows down
	program []bytecode.Instruction
	pc      int64
	running bool

	h       *heap.Heap
	out     io.Writer
	in      *bufio.Reader
	verbose func(format string, args ...interface{})
}

func runtimeErr(code diag.Code, format string, args ...interface{}) error {
	return errors.WithStack(diag.New(code, diag.Location{File: "<vm>"}, format, args...))
}

// New constructs a VM for one container: it allocates the heap (the
// container's data section reserved up front), loads the static data
// image, and resets the register file and stack per spec.md §4.K's
// init().
func New(c *container.Container, p Params) (*VM, error) {
	if p.HeapStartKB == 0 {
		p.HeapStartKB = 256
	}
	h, err := heap.New(p.HeapStartKB, p.HeapLimitKB, len(c.Data), heap.WithVerbose(p.Verbose))
	if err != nil {
		return nil, err
	}
	if err := h.LoadData(c.Data); err != nil {
		return nil, err
	}

	out := p.Stdout
	if out == nil {
		out = io.Discard
	}
	var in io.Reader = p.Stdin
	if in == nil {
		in = emptyReader{}
	}

	v := &VM{
		program: c.Code,
		h:       h,
		out:     out,
		in:      bufio.NewReader(in),
		verbose: p.Verbose,
	}
	v.init()
	return v, nil
}

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

func (v *VM) init() {
	for i := range v.regs {
		v.regs[i] = 0
	}
	v.sp = StackSize
	v.regs[bytecode.SP] = uint64(v.sp)
	v.pc = 0
	v.running = true
}

func (v *VM) trace(format string, args ...interface{}) {
	if v.verbose != nil {
		v.verbose(format, args...)
	}
}

// Run executes program[0] onward until HALT or a fatal runtime
// error, per spec.md §4.K's straight-line dispatch loop.
func (v *VM) Run() error {
	for v.running && v.pc >= 0 && v.pc < int64(len(v.program)) {
		instr := v.program[v.pc]
		jumped, err := v.step(instr)
		if err != nil {
			return err
		}
		if !jumped {
			v.pc++
		}
	}
	return nil
}

// Register reads a named register's current value, used by tests and
// the CLI to observe results (e.g. &FNR after a call).
func (v *VM) Register(n uint32) uint64 { return v.regs[n] }

// HeapLoad reads a 64-bit word at a heap offset, used by tests to
// read variable values after execution.
func (v *VM) HeapLoad(offset uint32) (uint64, error) { return v.h.Load(offset) }

func (v *VM) read(op bytecode.Operand) (uint64, error) {
	switch op.Type {
	case bytecode.OpNull:
		return 0, nil
	case bytecode.OpImmediate, bytecode.OpConstant:
		return uint64(op.Data), nil
	case bytecode.OpRegister:
		if int(op.Data) >= len(v.regs) {
			return 0, runtimeErr(diag.InvalidOperand, "register %d out of range", op.Data)
		}
		return v.regs[op.Data], nil
	case bytecode.OpReference:
		return v.h.Load(op.Data)
	default:
		return 0, runtimeErr(diag.InvalidOperand, "unknown operand type %d", op.Type)
	}
}

func (v *VM) write(op bytecode.Operand, val uint64) error {
	switch op.Type {
	case bytecode.OpRegister:
		if int(op.Data) >= len(v.regs) {
			return runtimeErr(diag.InvalidOperand, "register %d out of range", op.Data)
		}
		v.regs[op.Data] = val
		v.setZero(val == 0)
		return nil
	case bytecode.OpReference:
		return v.h.Store(op.Data, val)
	default:
		return runtimeErr(diag.OperandNotWriteable, "operand type %s is not writeable", op.Type)
	}
}

func (v *VM) setZero(z bool) {
	if z {
		v.regs[bytecode.FLAGS] |= zeroFlag
	} else {
		v.regs[bytecode.FLAGS] &^= zeroFlag
	}
}

func (v *VM) zeroFlagSet() bool { return v.regs[bytecode.FLAGS]&zeroFlag != 0 }

func (v *VM) pushStack(val uint64) error {
	if v.sp-8 < 0 {
		return runtimeErr(diag.StackOverflow, "stack overflow pushing onto a full %d-byte stack", StackSize)
	}
	v.sp -= 8
	byteOrderPut(v.stack[v.sp:v.sp+8], val)
	v.regs[bytecode.SP] = uint64(v.sp)
	return nil
}

func (v *VM) popStack() (uint64, error) {
	if v.sp+8 > StackSize {
		return 0, runtimeErr(diag.StackUnderflow, "stack underflow popping an empty stack")
	}
	val := byteOrderGet(v.stack[v.sp : v.sp+8])
	v.sp += 8
	v.regs[bytecode.SP] = uint64(v.sp)
	return val, nil
}

// step executes one instruction, reporting whether it altered PC
// itself (a jump/call/ret), in which case the caller must not add 1.
func (v *VM) step(in bytecode.Instruction) (jumped bool, err error) {
	switch in.Op {
	case bytecode.NOP:
		return false, nil

	case bytecode.PUSH:
		val, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		return false, v.pushStack(val)

	case bytecode.POP:
		val, err := v.popStack()
		if err != nil {
			return false, err
		}
		if in.A.Type != bytecode.OpNull {
			if err := v.write(in.A, val); err != nil {
				return false, err
			}
		}
		return false, nil

	case bytecode.ADD, bytecode.SUB, bytecode.MUL:
		a, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		b, err := v.read(in.B)
		if err != nil {
			return false, err
		}
		var res uint64
		switch in.Op {
		case bytecode.ADD:
			res = a + b
		case bytecode.SUB:
			res = a - b
		case bytecode.MUL:
			res = a * b
		}
		return false, v.write(in.A, res)

	case bytecode.DIV:
		a, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		b, err := v.read(in.B)
		if err != nil {
			return false, err
		}
		if b == 0 {
			return false, runtimeErr(diag.DivisionByZero, "division by zero")
		}
		if err := v.write(in.A, a/b); err != nil {
			return false, err
		}
		v.regs[bytecode.TMP0] = a % b
		return false, nil

	case bytecode.MOV:
		if in.A.Type != bytecode.OpRegister {
			return false, runtimeErr(diag.InvalidOperand, "MOV destination must be a register")
		}
		val, err := v.read(in.B)
		if err != nil {
			return false, err
		}
		return false, v.write(in.A, val)

	case bytecode.LD:
		val, err := v.read(in.B)
		if err != nil {
			return false, err
		}
		return false, v.write(in.A, val)

	case bytecode.ST:
		if in.A.Type != bytecode.OpReference {
			return false, runtimeErr(diag.InvalidOperand, "ST destination must be a heap reference")
		}
		val, err := v.read(in.B)
		if err != nil {
			return false, err
		}
		return false, v.write(in.A, val)

	case bytecode.JMP:
		target, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		v.pc = int64(target)
		return true, nil

	case bytecode.JZ:
		if !v.zeroFlagSet() {
			return false, nil
		}
		target, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		v.pc = int64(target)
		return true, nil

	case bytecode.CALL:
		target, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		if err := v.pushStack(uint64(v.pc + 1)); err != nil {
			return false, err
		}
		v.pc = int64(target)
		return true, nil

	case bytecode.RET:
		retAddr, err := v.popStack()
		if err != nil {
			return false, err
		}
		if in.A.Type != bytecode.OpNull {
			val, err := v.read(in.A)
			if err != nil {
				return false, err
			}
			v.regs[bytecode.FNR] = val
		}
		v.pc = int64(retAddr)
		return true, nil

	case bytecode.HALT:
		v.running = false
		return false, nil

	case bytecode.SysPutChar:
		val, err := v.read(in.A)
		if err != nil {
			return false, err
		}
		_, werr := v.out.Write([]byte{byte(val)})
		return false, werr

	case bytecode.SysGetChar:
		b, rerr := v.in.ReadByte()
		var val uint64
		if rerr == nil {
			val = uint64(b)
		}
		return false, v.write(in.A, val)

	default:
		return false, runtimeErr(diag.InvalidOperand, "unknown opcode %d", in.Op)
	}
}

func byteOrderPut(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func byteOrderGet(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
