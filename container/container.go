// Package container implements the fixed binary bytecode file layout
// from spec.md §6, confirmed byte-for-byte against original_source's
// BytecodeHeader/MetaSymbol/MetaType definitions: a packed header, a
// code section of fixed-width instructions, and a metadata section
// (type table, symbol table, string pool). Every offset, count, and
// section bound is validated on load before anything is materialized.
package container

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"ulang/bytecode"
	"ulang/diag"
	"ulang/symtab"
	"ulang/types"
)

// HeaderSize is the fixed on-disk size of Header, computed from its
// packed field widths (spec.md §6).
const HeaderSize = 60

var magic = [6]byte{'U', 'L', 'A', 'N', 'G', '0'}

const (
	EndianLittle = 0
	EndianBig    = 1

	ChecksumNone  = 0
	ChecksumCRC32 = 1

	FlagDebug     = 1 << 0
	FlagStripped  = 1 << 1
	FlagSignedVM  = 1 << 2
	FlagOptimized = 1 << 3
)

// Header is the fixed packed header preceding every section.
type Header struct {
	VersionMajor byte
	VersionMinor byte
	Endian       byte
	WordSize     byte
	HeaderSize   uint16
	Flags        uint32
	CodeOffset   uint32
	CodeSize     uint32
	DataOffset   uint32
	DataSize     uint32
	MetaOffset   uint32
	MetaSize     uint32
	Checksum     uint32
	ChecksumType byte
	EntryOffset  uint64
}

// MetaType mirrors one entry of the container's type table.
type MetaType struct {
	NameOffset uint32
	Size       uint32
	Flags      uint32
}

// MetaSymbol mirrors one entry of the container's symbol table.
// StackOffset is the symbol's flat address into the data segment
// (scopeBase[ScopeIndex] + scope-relative stack_offset), not the bare
// scope-relative offset spec.md §6 literally names the field for:
// symtab scopes each restart their own offset counter at zero, so two
// scopes' variables would alias the same StackOffset without the
// combination. This is the same flat addressing scheme the emitter
// uses for REF operands (see symtab.Table.Layout), and disasm's
// --symbols mode depends on the two agreeing.
type MetaSymbol struct {
	NameOffset  uint32
	TypeID      uint32
	StackOffset uint32
	Flags       uint32
}

// Container is a fully materialized bytecode file.
type Container struct {
	Header  Header
	Code    []bytecode.Instruction
	Data    []byte
	Types   []MetaType
	Symbols []MetaSymbol
	Strings []byte
}

// symbolFlag bits packed into MetaSymbol.Flags.
const (
	symFlagFunction = 1 << 0
	symFlagBuiltin  = 1 << 1
)

// Build assembles a Container from a compiled instruction vector, the
// static data segment size computed by the emitter, and the final
// symbol table. EntryOffset is always 0: instruction 0 is always the
// patched leading JMP (spec.md §4.H), so execution always starts
// there.
func Build(code []bytecode.Instruction, dataSize int, syms *symtab.Table) *Container {
	pool := &stringPool{}

	typeIndex := map[*types.Type]uint32{}
	metaTypes := make([]MetaType, 0, len(types.All))
	for i, t := range types.All {
		metaTypes = append(metaTypes, MetaType{
			NameOffset: pool.insert(t.Name),
			Size:       uint32(t.SizeBytes),
			Flags:      uint32(t.Flags),
		})
		typeIndex[t] = uint32(i)
	}

	scopeBase, _ := syms.Layout()

	var metaSymbols []MetaSymbol
	for _, s := range syms.All() {
		flags := uint32(0)
		if s.Kind == symtab.Function {
			flags |= symFlagFunction
		}
		if s.Origin == symtab.Builtin {
			flags |= symFlagBuiltin
		}
		// function symbols carry no stack offset; only a variable's
		// flat address needs the scope base folded in.
		stackOffset := 0
		if s.Kind == symtab.Variable {
			stackOffset = scopeBase[s.ScopeIndex] + s.StackOffset
		}
		metaSymbols = append(metaSymbols, MetaSymbol{
			NameOffset:  pool.insert(s.Name),
			TypeID:      typeIndex[s.Type],
			StackOffset: uint32(stackOffset),
			Flags:       flags,
		})
	}

	return &Container{
		Header: Header{
			VersionMajor: 1,
			VersionMinor: 0,
			Endian:       EndianLittle,
			WordSize:     8,
			HeaderSize:   HeaderSize,
			ChecksumType: ChecksumCRC32,
			EntryOffset:  0,
		},
		Code:    code,
		Data:    make([]byte, dataSize),
		Types:   metaTypes,
		Symbols: metaSymbols,
		Strings: pool.buf,
	}
}

// stringPool appends names as they're requested; spec.md §4.I:
// "the returned offset is the pool's size before concatenation."
type stringPool struct{ buf []byte }

func (p *stringPool) insert(s string) uint32 {
	off := uint32(len(p.buf))
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
	return off
}

// Serialize renders c to its final byte-exact on-disk form, computing
// section offsets and the checksum as it goes.
func (c *Container) Serialize() []byte {
	code := serializeCode(c.Code)
	meta := serializeMeta(c)

	h := c.Header
	h.CodeOffset = HeaderSize
	h.CodeSize = uint32(len(code))
	h.DataOffset = h.CodeOffset + h.CodeSize
	h.DataSize = uint32(len(c.Data))
	h.MetaOffset = h.DataOffset + h.DataSize
	h.MetaSize = uint32(len(meta))

	body := append(append(append([]byte{}, code...), c.Data...), meta...)
	if h.ChecksumType == ChecksumCRC32 {
		h.Checksum = crc32.ChecksumIEEE(body)
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, serializeHeader(h)...)
	out = append(out, body...)
	return out
}

func serializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:6], magic[:])
	buf[6] = h.VersionMajor
	buf[7] = h.VersionMinor
	buf[8] = h.Endian
	buf[9] = h.WordSize
	binary.LittleEndian.PutUint16(buf[10:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], h.CodeOffset)
	binary.LittleEndian.PutUint32(buf[20:24], h.CodeSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.DataOffset)
	binary.LittleEndian.PutUint32(buf[28:32], h.DataSize)
	binary.LittleEndian.PutUint32(buf[32:36], h.MetaOffset)
	binary.LittleEndian.PutUint32(buf[36:40], h.MetaSize)
	binary.LittleEndian.PutUint32(buf[40:44], h.Checksum)
	buf[44] = h.ChecksumType
	binary.LittleEndian.PutUint64(buf[45:53], h.EntryOffset)
	// buf[53:60] stays the zeroed 7-byte reserved tail.
	return buf
}

func serializeCode(code []bytecode.Instruction) []byte {
	buf := make([]byte, 0, len(code)*bytecode.InstructionSize)
	for _, in := range code {
		buf = append(buf, byte(in.Op))
		buf = append(buf, serializeOperand(in.A)...)
		buf = append(buf, serializeOperand(in.B)...)
	}
	return buf
}

func serializeOperand(op bytecode.Operand) []byte {
	b := make([]byte, 5)
	b[0] = byte(op.Type)
	binary.LittleEndian.PutUint32(b[1:5], op.Data)
	return b
}

func serializeMeta(c *Container) []byte {
	var buf []byte
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(c.Symbols)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(c.Types)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(c.Strings)))
	buf = append(buf, hdr...)

	for _, t := range c.Types {
		rec := make([]byte, 12)
		binary.LittleEndian.PutUint32(rec[0:4], t.NameOffset)
		binary.LittleEndian.PutUint32(rec[4:8], t.Size)
		binary.LittleEndian.PutUint32(rec[8:12], t.Flags)
		buf = append(buf, rec...)
	}
	for _, s := range c.Symbols {
		rec := make([]byte, 16)
		binary.LittleEndian.PutUint32(rec[0:4], s.NameOffset)
		binary.LittleEndian.PutUint32(rec[4:8], s.TypeID)
		binary.LittleEndian.PutUint32(rec[8:12], s.StackOffset)
		binary.LittleEndian.PutUint32(rec[12:16], s.Flags)
		buf = append(buf, rec...)
	}
	buf = append(buf, c.Strings...)
	return buf
}

func runtimeErr(code diag.Code, format string, args ...interface{}) error {
	return errors.WithStack(diag.New(code, diag.Location{File: "<bytecode>"}, format, args...))
}

// Deserialize parses raw into a Container, bounds-checking every
// offset and count against len(raw) before materializing anything
// (spec.md §4.I, property 8).
func Deserialize(raw []byte) (*Container, error) {
	if len(raw) < HeaderSize {
		return nil, runtimeErr(diag.BytecodeTruncated, "file is %d bytes, shorter than the %d-byte header", len(raw), HeaderSize)
	}
	if string(raw[0:6]) != string(magic[:]) {
		return nil, runtimeErr(diag.BytecodeInvalidHeader, "bad magic %q", raw[0:6])
	}

	h := Header{
		VersionMajor: raw[6],
		VersionMinor: raw[7],
		Endian:       raw[8],
		WordSize:     raw[9],
		HeaderSize:   binary.LittleEndian.Uint16(raw[10:12]),
		Flags:        binary.LittleEndian.Uint32(raw[12:16]),
		CodeOffset:   binary.LittleEndian.Uint32(raw[16:20]),
		CodeSize:     binary.LittleEndian.Uint32(raw[20:24]),
		DataOffset:   binary.LittleEndian.Uint32(raw[24:28]),
		DataSize:     binary.LittleEndian.Uint32(raw[28:32]),
		MetaOffset:   binary.LittleEndian.Uint32(raw[32:36]),
		MetaSize:     binary.LittleEndian.Uint32(raw[36:40]),
		Checksum:     binary.LittleEndian.Uint32(raw[40:44]),
		ChecksumType: raw[44],
		EntryOffset:  binary.LittleEndian.Uint64(raw[45:53]),
	}

	if h.Endian != EndianLittle {
		return nil, runtimeErr(diag.BytecodeInvalidHeader, "unsupported endianness %d", h.Endian)
	}
	if h.WordSize != 4 && h.WordSize != 8 {
		return nil, runtimeErr(diag.BytecodeInvalidHeader, "unsupported word size %d", h.WordSize)
	}
	if int(h.HeaderSize) != HeaderSize {
		return nil, runtimeErr(diag.BytecodeInvalidHeader, "unexpected header size %d", h.HeaderSize)
	}

	fileSize := uint64(len(raw))
	if uint64(h.CodeOffset)+uint64(h.CodeSize) > fileSize {
		return nil, runtimeErr(diag.BytecodeTruncated, "code section [%d,+%d) exceeds file size %d", h.CodeOffset, h.CodeSize, fileSize)
	}
	if uint64(h.DataOffset)+uint64(h.DataSize) > fileSize {
		return nil, runtimeErr(diag.BytecodeTruncated, "data section [%d,+%d) exceeds file size %d", h.DataOffset, h.DataSize, fileSize)
	}
	if uint64(h.MetaOffset)+uint64(h.MetaSize) > fileSize {
		return nil, runtimeErr(diag.BytecodeTruncated, "meta section [%d,+%d) exceeds file size %d", h.MetaOffset, h.MetaSize, fileSize)
	}
	if h.CodeSize%bytecode.InstructionSize != 0 {
		return nil, runtimeErr(diag.BytecodeInvalidHeader, "code size %d is not a multiple of the %d-byte instruction width", h.CodeSize, bytecode.InstructionSize)
	}

	if h.ChecksumType == ChecksumCRC32 {
		body := raw[HeaderSize:]
		if crc32.ChecksumIEEE(body) != h.Checksum {
			return nil, runtimeErr(diag.BytecodeChecksum, "checksum mismatch")
		}
	}

	code, err := deserializeCode(raw[h.CodeOffset : h.CodeOffset+h.CodeSize])
	if err != nil {
		return nil, err
	}
	data := append([]byte{}, raw[h.DataOffset:h.DataOffset+h.DataSize]...)

	metaTypes, metaSymbols, strs, err := deserializeMeta(raw[h.MetaOffset : h.MetaOffset+h.MetaSize])
	if err != nil {
		return nil, err
	}

	return &Container{Header: h, Code: code, Data: data, Types: metaTypes, Symbols: metaSymbols, Strings: strs}, nil
}

func deserializeCode(buf []byte) ([]bytecode.Instruction, error) {
	n := len(buf) / bytecode.InstructionSize
	out := make([]bytecode.Instruction, n)
	for i := 0; i < n; i++ {
		rec := buf[i*bytecode.InstructionSize : (i+1)*bytecode.InstructionSize]
		out[i] = bytecode.Instruction{
			Op: bytecode.Opcode(rec[0]),
			A:  bytecode.Operand{Type: bytecode.OperandType(rec[1]), Data: binary.LittleEndian.Uint32(rec[2:6])},
			B:  bytecode.Operand{Type: bytecode.OperandType(rec[6]), Data: binary.LittleEndian.Uint32(rec[7:11])},
		}
	}
	return out, nil
}

func deserializeMeta(buf []byte) ([]MetaType, []MetaSymbol, []byte, error) {
	if len(buf) < 12 {
		return nil, nil, nil, runtimeErr(diag.BytecodeTruncated, "meta header shorter than 12 bytes")
	}
	symbolCount := binary.LittleEndian.Uint32(buf[0:4])
	typeCount := binary.LittleEndian.Uint32(buf[4:8])
	poolSize := binary.LittleEndian.Uint32(buf[8:12])

	off := 12
	typesEnd := off + int(typeCount)*12
	symsEnd := typesEnd + int(symbolCount)*16
	poolEnd := symsEnd + int(poolSize)
	if poolEnd != len(buf) {
		return nil, nil, nil, runtimeErr(diag.BytecodeTruncated, "meta section size mismatch: computed %d bytes, have %d", poolEnd, len(buf))
	}

	metaTypes := make([]MetaType, typeCount)
	for i := range metaTypes {
		rec := buf[off+i*12 : off+(i+1)*12]
		metaTypes[i] = MetaType{
			NameOffset: binary.LittleEndian.Uint32(rec[0:4]),
			Size:       binary.LittleEndian.Uint32(rec[4:8]),
			Flags:      binary.LittleEndian.Uint32(rec[8:12]),
		}
		if int(metaTypes[i].NameOffset) >= int(poolSize) {
			return nil, nil, nil, runtimeErr(diag.BytecodeInvalidHeader, "type %d name_offset %d out of string pool bounds", i, metaTypes[i].NameOffset)
		}
	}

	metaSymbols := make([]MetaSymbol, symbolCount)
	for i := range metaSymbols {
		rec := buf[typesEnd+i*16 : typesEnd+(i+1)*16]
		metaSymbols[i] = MetaSymbol{
			NameOffset:  binary.LittleEndian.Uint32(rec[0:4]),
			TypeID:      binary.LittleEndian.Uint32(rec[4:8]),
			StackOffset: binary.LittleEndian.Uint32(rec[8:12]),
			Flags:       binary.LittleEndian.Uint32(rec[12:16]),
		}
		if int(metaSymbols[i].NameOffset) >= int(poolSize) {
			return nil, nil, nil, runtimeErr(diag.BytecodeInvalidHeader, "symbol %d name_offset %d out of string pool bounds", i, metaSymbols[i].NameOffset)
		}
		if int(metaSymbols[i].TypeID) >= int(typeCount) {
			return nil, nil, nil, runtimeErr(diag.BytecodeInvalidHeader, "symbol %d type_id %d out of range", i, metaSymbols[i].TypeID)
		}
	}

	pool := append([]byte{}, buf[symsEnd:poolEnd]...)
	return metaTypes, metaSymbols, pool, nil
}

// StringAt reads the NUL-terminated name starting at off in the
// container's string pool.
func (c *Container) StringAt(off uint32) (string, error) {
	if int(off) > len(c.Strings) {
		return "", errors.Errorf("string offset %d out of bounds", off)
	}
	end := off
	for end < uint32(len(c.Strings)) && c.Strings[end] != 0 {
		end++
	}
	if end >= uint32(len(c.Strings)) {
		return "", errors.Errorf("unterminated string at offset %d", off)
	}
	return string(c.Strings[off:end]), nil
}
