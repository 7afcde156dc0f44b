package delink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
)

func testObjects(t *testing.T) []*elf.File {
	t.Helper()
	module, layout := testMainModule(t)
	units, err := Delink(module, layout, testMainSymbols(t), testMainRelocations(t))
	require.NoError(t, err)

	files := make([]*elf.File, len(units))
	for i := range units {
		buffer := new(bytes.Buffer)
		require.NoError(t, WriteObject(buffer, &units[i]))
		files[i], err = elf.NewFile(bytes.NewReader(buffer.Bytes()))
		require.NoError(t, err)
	}
	return files
}

func TestWriteObjectHeader(t *testing.T) {
	module, layout := testMainModule(t)
	units, err := Delink(module, layout, testMainSymbols(t), testMainRelocations(t))
	require.NoError(t, err)

	buffer := new(bytes.Buffer)
	require.NoError(t, WriteObject(buffer, &units[0]))
	object, err := elf.NewFile(bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, elf.ELFCLASS32, object.Class)
	assert.Equal(t, elf.ELFDATA2LSB, object.Data)
	assert.Equal(t, elf.ET_REL, object.Type)
	assert.Equal(t, elf.EM_ARM, object.Machine)
	assert.Equal(t, binary.LittleEndian, object.ByteOrder)
	// debug/elf does not surface e_flags, so check the raw header word.
	assert.Equal(t, uint32(flagsEabiVersion5), binary.LittleEndian.Uint32(buffer.Bytes()[36:40]))
}

func TestWriteObjectSections(t *testing.T) {
	objects := testObjects(t)

	text := objects[0].Section(".text")
	require.NotNil(t, text)
	assert.Equal(t, elf.SHT_PROGBITS, text.Type)
	assert.Equal(t, elf.SHF_ALLOC|elf.SHF_EXECINSTR, text.Flags)
	assert.Equal(t, uint64(0x10), text.Size)
	assert.Equal(t, uint64(4), text.Addralign)
	data, err := text.Data()
	require.NoError(t, err)
	assert.Equal(t, testWords(0xe92d4010, 0xeb000001, 0xe51f0004, 0x02000024), data)

	rwData := objects[0].Section(".data")
	require.NotNil(t, rwData)
	assert.Equal(t, elf.SHT_PROGBITS, rwData.Type)
	assert.Equal(t, elf.SHF_ALLOC|elf.SHF_WRITE, rwData.Flags)

	bss := objects[1].Section(".bss")
	require.NotNil(t, bss)
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)
	assert.Equal(t, elf.SHF_ALLOC|elf.SHF_WRITE, bss.Flags)
	assert.Equal(t, uint64(0x10), bss.Size)

	require.NotNil(t, objects[0].Section(".symtab"))
	require.NotNil(t, objects[0].Section(".strtab"))
	require.NotNil(t, objects[0].Section(".shstrtab"))
}

func TestWriteObjectSymbols(t *testing.T) {
	objects := testObjects(t)
	symbols, err := objects[0].Symbols()
	require.NoError(t, err)

	// File, two section symbols, $a and $d, the globals, then the external.
	require.Len(t, symbols, 8)
	assert.Equal(t, "src/a.c", symbols[0].Name)
	assert.Equal(t, elf.STT_FILE, elf.ST_TYPE(symbols[0].Info))
	assert.Equal(t, elf.STT_SECTION, elf.ST_TYPE(symbols[1].Info))
	assert.Equal(t, elf.STT_SECTION, elf.ST_TYPE(symbols[2].Info))
	assert.Equal(t, "$a", symbols[3].Name)
	assert.Equal(t, uint64(0), symbols[3].Value)
	assert.Equal(t, "$d", symbols[4].Name)

	f := symbols[5]
	assert.Equal(t, "f", f.Name)
	assert.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(f.Info))
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(f.Info))
	assert.Equal(t, uint64(0), f.Value)
	assert.Equal(t, uint64(0x10), f.Size)
	assert.Equal(t, elf.SectionIndex(1), f.Section)

	tbl := symbols[6]
	assert.Equal(t, "tbl", tbl.Name)
	assert.Equal(t, elf.STT_OBJECT, elf.ST_TYPE(tbl.Info))
	assert.Equal(t, uint64(0x4), tbl.Value)
	assert.Equal(t, uint64(0xc), tbl.Size)
	assert.Equal(t, elf.SectionIndex(2), tbl.Section)

	g := symbols[7]
	assert.Equal(t, "g", g.Name)
	assert.Equal(t, elf.STB_WEAK, elf.ST_BIND(g.Info))
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(g.Info))
	assert.Equal(t, elf.SectionIndex(elf.SHN_UNDEF), g.Section)

	externals, err := objects[1].Symbols()
	require.NoError(t, err)
	last := externals[len(externals)-1]
	assert.Equal(t, "shared_data", last.Name)
	assert.Equal(t, elf.STB_WEAK, elf.ST_BIND(last.Info))
	assert.Equal(t, elf.SectionIndex(elf.SHN_UNDEF), last.Section)
}

func TestWriteObjectRelocations(t *testing.T) {
	object := testObjects(t)[0]

	rela := object.Section(".rela.text")
	require.NotNil(t, rela)
	assert.Equal(t, elf.SHT_RELA, rela.Type)
	assert.Equal(t, uint64(relaEntrySize), rela.Entsize)

	sectionNames := make([]string, len(object.Sections))
	for i, section := range object.Sections {
		sectionNames[i] = section.Name
	}
	assert.Equal(t, ".symtab", sectionNames[rela.Link])
	assert.Equal(t, ".text", sectionNames[rela.Info])

	body, err := rela.Data()
	require.NoError(t, err)
	entries := make([]elfRela, len(body)/relaEntrySize)
	require.NoError(t, binary.Read(bytes.NewReader(body), binary.LittleEndian, entries))
	require.Len(t, entries, 2)

	symbols, err := object.Symbols()
	require.NoError(t, err)
	indexOf := func(name string) uint32 {
		for i, symbol := range symbols {
			if symbol.Name == name {
				// Symbols() drops the null entry, so raw indices shift by one.
				return uint32(i) + 1
			}
		}
		t.Fatalf("no symbol '%s'", name)
		return 0
	}

	call := entries[0]
	assert.Equal(t, uint32(0x4), call.Offset)
	assert.Equal(t, uint32(elf.R_ARM_CALL), elf.R_TYPE32(call.Info))
	assert.Equal(t, indexOf("g"), elf.R_SYM32(call.Info))
	assert.Equal(t, int32(-8), call.Addend)

	load := entries[1]
	assert.Equal(t, uint32(0xc), load.Offset)
	assert.Equal(t, uint32(elf.R_ARM_ABS32), elf.R_TYPE32(load.Info))
	assert.Equal(t, indexOf("tbl"), elf.R_SYM32(load.Info))
	assert.Equal(t, int32(0), load.Addend)
}

func TestWriteObjectThumbBit(t *testing.T) {
	unit := &RelocatableUnit{
		Path:   "src/thumb.c",
		Module: nds.Main,
		Sections: []UnitSection{
			{Name: ".text", Kind: nds.SectionCode, Start: 0x02000000, Size: 0x8, Align: 4,
				Data: testWords(0xbd10b510, 0x46c046c0)},
		},
		Symbols: []UnitSymbol{
			{Name: "t", Section: 0, Addr: 0x02000004, Size: 0x4, Kind: sym.Function(sym.ModeThumb, 0x4)},
		},
	}
	buffer := new(bytes.Buffer)
	require.NoError(t, WriteObject(buffer, unit))
	object, err := elf.NewFile(bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)

	symbols, err := object.Symbols()
	require.NoError(t, err)
	require.NotEmpty(t, symbols)
	thumb := symbols[len(symbols)-1]
	assert.Equal(t, "t", thumb.Name)
	assert.Equal(t, uint64(0x5), thumb.Value)

	var mapping *elf.Symbol
	for i := range symbols {
		if symbols[i].Name == "$t" {
			mapping = &symbols[i]
		}
	}
	require.NotNil(t, mapping)
	assert.Equal(t, uint64(0x4), mapping.Value)
}

func TestWriteObjectDeterministic(t *testing.T) {
	module, layout := testMainModule(t)
	units, err := Delink(module, layout, testMainSymbols(t), testMainRelocations(t))
	require.NoError(t, err)

	first := new(bytes.Buffer)
	second := new(bytes.Buffer)
	require.NoError(t, WriteObject(first, &units[0]))
	require.NoError(t, WriteObject(second, &units[0]))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestWriteObjectOverlayIdReference(t *testing.T) {
	unit := &RelocatableUnit{
		Path:   "src/ov.c",
		Module: nds.Overlay(3),
		Sections: []UnitSection{
			{Name: ".text", Kind: nds.SectionCode, Start: 0x02100000, Size: 0x10, Align: 4,
				Data: testWords(0xe59f0000, 0xe12fff1e, 0x00000003, 0)},
		},
		Externals: []UnitSymbol{
			{Name: OverlayIdSymbol(3), Section: -1, Kind: sym.SymbolKind{Type: sym.TypeUndefined}, Weak: true},
		},
		Relocs: []UnitReloc{
			{Section: 0, Offset: 0x8, Kind: reloc.OverlayId, Symbol: OverlayIdSymbol(3), External: true},
		},
	}
	buffer := new(bytes.Buffer)
	require.NoError(t, WriteObject(buffer, unit))
	object, err := elf.NewFile(bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)

	rela := object.Section(".rela.text")
	require.NotNil(t, rela)
	body, err := rela.Data()
	require.NoError(t, err)
	entries := make([]elfRela, 1)
	require.NoError(t, binary.Read(bytes.NewReader(body), binary.LittleEndian, entries))
	assert.Equal(t, uint32(elf.R_ARM_ABS32), elf.R_TYPE32(entries[0].Info))

	symbols, err := object.Symbols()
	require.NoError(t, err)
	assert.Equal(t, "OVERLAY_3_ID", symbols[len(symbols)-1].Name)
}
