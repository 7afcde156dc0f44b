package sig

import (
	"encoding/base64"
	"encoding/binary"

	"dsdelink/pkg/arm"
	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

// Capture builds a signature from an analyzed function. Pool constants and
// absolute jump table entries are fully masked, immediate call offsets are
// masked down to their opcode bits, everything else must match verbatim.
// External references inside the function are recorded alongside.
func Capture(function *arm.Function, module *nds.Module, symbols *sym.SymbolMaps, relocs *reloc.Relocations) (*Entry, error) {
	code := module.At(function.Start, function.Size())
	if code == nil {
		return nil, utils.MakeError(ErrSignature, "'%s' bytes [%s,%s) are outside the module image",
			function.Name, listing.FormatAddr(function.Start), listing.FormatAddr(function.End))
	}

	// Pool words and absolute table entries change with every layout. Table
	// entries holding relative offsets or branches are position-independent
	// and stay literal.
	erased := map[uint32]bool{}
	for _, pool := range function.Pools {
		erased[pool] = true
	}
	literal := map[uint32]uint32{}
	for _, table := range function.Tables {
		if table.Code {
			continue
		}
		for addr := table.Addr; addr < table.End(); addr += table.Width {
			if table.Width == 4 {
				erased[addr] = true
			} else {
				literal[addr] = table.Width
			}
		}
	}

	capture := &maskBuilder{code: code, start: function.Start}
	if function.Thumb {
		capture.walkThumb(function, erased, literal)
	} else {
		capture.walkArm(function, erased)
	}

	entry := &Entry{
		Name:    function.Name,
		Bitmask: base64.StdEncoding.EncodeToString(capture.bits),
		Pattern: base64.StdEncoding.EncodeToString(capture.pattern),
	}
	for _, r := range relocs.InRange(function.Start, function.End) {
		if r.Destination.IsNone() {
			continue
		}
		destination := symbols.Get(r.Destination.First())
		if destination == nil {
			continue
		}
		symbol := destination.At(r.To)
		if symbol == nil {
			continue
		}
		entry.Relocations = append(entry.Relocations, EntryReloc{
			Offset: r.From - function.Start,
			Name:   symbol.Name,
			Module: r.Destination.String(),
			Kind:   r.Kind.String(),
			Addend: r.Addend,
		})
	}
	return entry, nil
}

type maskBuilder struct {
	code    []byte
	start   uint32
	bits    []byte
	pattern []byte
}

func (b *maskBuilder) emit(offset, size uint32, maskBytes []byte) {
	for i := uint32(0); i < size; i++ {
		m := maskBytes[i]
		b.bits = append(b.bits, m)
		b.pattern = append(b.pattern, b.code[offset+i]&m)
	}
}

var (
	keepWord      = []byte{0xff, 0xff, 0xff, 0xff}
	eraseWord     = []byte{0x00, 0x00, 0x00, 0x00}
	armCallMask   = []byte{0x00, 0x00, 0x00, 0xff}
	thumbCallMask = []byte{0x00, 0xf8, 0x00, 0xf8}
)

func (b *maskBuilder) walkArm(function *arm.Function, erased map[uint32]bool) {
	for addr := function.Start; addr < function.End; addr += 4 {
		offset := addr - b.start
		word := binary.LittleEndian.Uint32(b.code[offset:])
		branch, isBranch := arm.DecodeArmBranch(addr, word)
		switch {
		case erased[addr]:
			b.emit(offset, 4, eraseWord)
		case isBranch && branch.Link:
			b.emit(offset, 4, armCallMask)
		default:
			b.emit(offset, 4, keepWord)
		}
	}
}

func (b *maskBuilder) walkThumb(function *arm.Function, erased map[uint32]bool, literal map[uint32]uint32) {
	for addr := function.Start; addr < function.End; {
		offset := addr - b.start
		if erased[addr] && addr+4 <= function.End {
			b.emit(offset, 4, eraseWord)
			addr += 4
			continue
		}
		if width, ok := literal[addr]; ok {
			b.emit(offset, width, keepWord[:width])
			addr += width
			continue
		}
		if addr+4 <= function.End && !erased[addr+2] && literal[addr+2] == 0 {
			first := binary.LittleEndian.Uint16(b.code[offset:])
			second := binary.LittleEndian.Uint16(b.code[offset+2:])
			if _, ok := arm.DecodeThumbCall(addr, first, second); ok {
				b.emit(offset, 4, thumbCallMask)
				addr += 4
				continue
			}
		}
		b.emit(offset, 2, keepWord[:2])
		addr += 2
	}
}
