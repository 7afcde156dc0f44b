package delink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
)

// Objects are ELF32 little-endian ARM relocatables with EABI v5 flags,
// RELA-style relocation sections and GNU mapping symbols.
const (
	elfHeaderSize        = 52
	sectionHeaderSize    = 40
	symbolEntrySize      = 16
	relaEntrySize        = 12
	flagsEabiVersion5    = 0x05000000
	sectionAlignFallback = 4
)

type elfFileHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfSectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type elfSymbol struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

type elfRela struct {
	Offset uint32
	Info   uint32
	Addend int32
}

// stringTable accumulates NUL-terminated strings, deduplicating repeats.
type stringTable struct {
	buffer  bytes.Buffer
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	table := &stringTable{offsets: map[string]uint32{"": 0}}
	table.buffer.WriteByte(0)
	return table
}

func (t *stringTable) Add(text string) uint32 {
	if offset, exists := t.offsets[text]; exists {
		return offset
	}
	offset := uint32(t.buffer.Len())
	t.offsets[text] = offset
	t.buffer.WriteString(text)
	t.buffer.WriteByte(0)
	return offset
}

func sectionType(kind nds.SectionKind) elf.SectionType {
	if kind.IsInitialized() {
		return elf.SHT_PROGBITS
	}
	return elf.SHT_NOBITS
}

func sectionFlags(kind nds.SectionKind) elf.SectionFlag {
	flags := elf.SHF_ALLOC
	if kind.IsExecutable() {
		flags |= elf.SHF_EXECINSTR
	}
	if kind.IsWriteable() {
		flags |= elf.SHF_WRITE
	}
	return flags
}

func symbolType(kind sym.SymbolKind) elf.SymType {
	switch kind.Type {
	case sym.TypeFunction:
		return elf.STT_FUNC
	case sym.TypeData, sym.TypeBss:
		return elf.STT_OBJECT
	default:
		return elf.STT_NOTYPE
	}
}

// symbolValue converts a unit symbol to its section-relative st_value. Thumb
// code addresses keep bit 0 set so address-taking relocations land on the
// interworking entry.
func symbolValue(symbol *UnitSymbol, sectionStart uint32) uint32 {
	value := symbol.Addr - sectionStart
	switch symbol.Kind.Type {
	case sym.TypeFunction, sym.TypeLabel:
		value |= symbol.Kind.Mode.ThumbBit()
	}
	return value
}

// relocationType maps a classified relocation kind to its ELF ARM type.
// R_ARM_THM_PC22 is the original name of R_ARM_THM_CALL; the linker turns
// BL into BLX for interworking destinations on both call types.
func relocationType(kind reloc.Kind) elf.R_ARM {
	switch kind {
	case reloc.ArmCall, reloc.ArmCallThumb:
		return elf.R_ARM_CALL
	case reloc.ThumbCall, reloc.ThumbCallArm:
		return elf.R_ARM_THM_PC22
	case reloc.ArmBranch:
		return elf.R_ARM_JUMP24
	default:
		return elf.R_ARM_ABS32
	}
}

type objectSection struct {
	name       string
	nameOffset uint32
	typ        elf.SectionType
	flags      elf.SectionFlag
	addralign  uint32
	entsize    uint32
	link       uint32
	info       uint32
	size       uint32
	body       []byte
	offset     uint32
}

type objectBuilder struct {
	unit        *RelocatableUnit
	sections    []objectSection
	strtab      *stringTable
	shstrtab    *stringTable
	symbols     []elfSymbol
	byName      map[string]uint32
	firstGlobal uint32
}

// WriteObject serializes a relocatable unit as an ELF object. The encoding
// is a pure function of the unit, so equal units produce identical bytes.
func WriteObject(writer io.Writer, unit *RelocatableUnit) error {
	builder := &objectBuilder{
		unit:     unit,
		strtab:   newStringTable(),
		shstrtab: newStringTable(),
		byName:   map[string]uint32{},
	}
	builder.addUnitSections()
	builder.addSymbols()
	builder.addRelocationSections()
	builder.addTableSections()
	return builder.write(writer)
}

// SaveObject writes the unit's object file at path.
func SaveObject(path string, unit *RelocatableUnit) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteObject(file, unit)
}

func (b *objectBuilder) addUnitSections() {
	// Index 0 stays the null section.
	b.sections = append(b.sections, objectSection{})
	for i := range b.unit.Sections {
		section := &b.unit.Sections[i]
		align := section.Align
		if align == 0 {
			align = sectionAlignFallback
		}
		b.sections = append(b.sections, objectSection{
			name:      section.Name,
			typ:       sectionType(section.Kind),
			flags:     sectionFlags(section.Kind),
			addralign: align,
			size:      section.Size,
			body:      section.Data,
		})
	}
}

// headerIndex translates a unit section index into its section header slot.
func (b *objectBuilder) headerIndex(unitSection int) uint32 {
	return uint32(unitSection) + 1
}

func (b *objectBuilder) addSymbol(symbol elfSymbol, name string) uint32 {
	index := uint32(len(b.symbols))
	b.symbols = append(b.symbols, symbol)
	if name != "" {
		if _, exists := b.byName[name]; !exists {
			b.byName[name] = index
		}
	}
	return index
}

func (b *objectBuilder) addSymbols() {
	b.symbols = append(b.symbols, elfSymbol{})
	b.addSymbol(elfSymbol{
		Name:  b.strtab.Add(b.unit.Path),
		Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_FILE),
		Shndx: uint16(elf.SHN_ABS),
	}, "")
	for i := range b.unit.Sections {
		b.addSymbol(elfSymbol{
			Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: uint16(b.headerIndex(i)),
		}, "")
	}
	b.addMappingSymbols()
	for i := range b.unit.Symbols {
		symbol := &b.unit.Symbols[i]
		if symbol.Local {
			b.addDefinedSymbol(symbol, elf.STB_LOCAL)
		}
	}

	b.firstGlobal = uint32(len(b.symbols))
	for i := range b.unit.Symbols {
		symbol := &b.unit.Symbols[i]
		if symbol.Local {
			continue
		}
		binding := elf.STB_GLOBAL
		if symbol.Weak {
			binding = elf.STB_WEAK
		}
		b.addDefinedSymbol(symbol, binding)
	}
	for i := range b.unit.Externals {
		symbol := &b.unit.Externals[i]
		b.addSymbol(elfSymbol{
			Name:  b.strtab.Add(symbol.Name),
			Info:  elf.ST_INFO(elf.STB_WEAK, symbolType(symbol.Kind)),
			Shndx: uint16(elf.SHN_UNDEF),
		}, symbol.Name)
	}
}

func (b *objectBuilder) addDefinedSymbol(symbol *UnitSymbol, binding elf.SymBind) {
	section := &b.unit.Sections[symbol.Section]
	b.addSymbol(elfSymbol{
		Name:  b.strtab.Add(symbol.Name),
		Value: symbolValue(symbol, section.Start),
		Size:  symbol.Size,
		Info:  elf.ST_INFO(binding, symbolType(symbol.Kind)),
		Shndx: uint16(b.headerIndex(symbol.Section)),
	}, symbol.Name)
}

// addMappingSymbols emits the GNU ARM mapping symbols: $a or $t at every
// function entry of a code section and $d at the start of initialized data.
func (b *objectBuilder) addMappingSymbols() {
	for i := range b.unit.Sections {
		section := &b.unit.Sections[i]
		switch {
		case section.Kind.IsExecutable():
			for j := range b.unit.Symbols {
				symbol := &b.unit.Symbols[j]
				if symbol.Section != i || symbol.Kind.Type != sym.TypeFunction {
					continue
				}
				name := "$a"
				if symbol.Kind.Mode == sym.ModeThumb {
					name = "$t"
				}
				b.addSymbol(elfSymbol{
					Name:  b.strtab.Add(name),
					Value: symbol.Addr - section.Start,
					Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_NOTYPE),
					Shndx: uint16(b.headerIndex(i)),
				}, "")
			}
		case section.Kind.IsInitialized() && section.Size > 0:
			b.addSymbol(elfSymbol{
				Name:  b.strtab.Add("$d"),
				Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_NOTYPE),
				Shndx: uint16(b.headerIndex(i)),
			}, "")
		}
	}
}

func (b *objectBuilder) addRelocationSections() {
	symtabIndex := uint32(len(b.sections)) + uint32(b.relocatedSections())
	for i := range b.unit.Sections {
		var entries []elfRela
		for _, r := range b.unit.Relocs {
			if r.Section != i {
				continue
			}
			entries = append(entries, elfRela{
				Offset: r.Offset,
				Info:   elf.R_INFO32(b.byName[r.Symbol], uint32(relocationType(r.Kind))),
				Addend: int32(r.Addend),
			})
		}
		if len(entries) == 0 {
			continue
		}
		body := new(bytes.Buffer)
		binary.Write(body, binary.LittleEndian, entries)
		b.sections = append(b.sections, objectSection{
			name:      ".rela" + b.unit.Sections[i].Name,
			typ:       elf.SHT_RELA,
			addralign: 4,
			entsize:   relaEntrySize,
			link:      symtabIndex,
			info:      b.headerIndex(i),
			size:      uint32(body.Len()),
			body:      body.Bytes(),
		})
	}
}

// relocatedSections counts the unit sections that need a .rela companion.
func (b *objectBuilder) relocatedSections() int {
	touched := make([]bool, len(b.unit.Sections))
	for _, r := range b.unit.Relocs {
		touched[r.Section] = true
	}
	count := 0
	for _, t := range touched {
		if t {
			count++
		}
	}
	return count
}

func (b *objectBuilder) addTableSections() {
	symtab := new(bytes.Buffer)
	binary.Write(symtab, binary.LittleEndian, b.symbols)
	strtabIndex := uint32(len(b.sections)) + 1
	b.sections = append(b.sections, objectSection{
		name:      ".symtab",
		typ:       elf.SHT_SYMTAB,
		addralign: 4,
		entsize:   symbolEntrySize,
		link:      strtabIndex,
		info:      b.firstGlobal,
		size:      uint32(symtab.Len()),
		body:      symtab.Bytes(),
	})
	b.sections = append(b.sections, objectSection{
		name:      ".strtab",
		typ:       elf.SHT_STRTAB,
		addralign: 1,
		size:      uint32(b.strtab.buffer.Len()),
		body:      b.strtab.buffer.Bytes(),
	})
	b.sections = append(b.sections, objectSection{
		name:      ".shstrtab",
		typ:       elf.SHT_STRTAB,
		addralign: 1,
	})
}

func align4(offset uint32) uint32 {
	return (offset + 3) &^ 3
}

func (b *objectBuilder) write(writer io.Writer) error {
	// The section name table sizes itself, so register every name first.
	for i := range b.sections {
		if b.sections[i].name != "" {
			b.sections[i].nameOffset = b.shstrtab.Add(b.sections[i].name)
		}
	}
	shstrtab := &b.sections[len(b.sections)-1]
	shstrtab.size = uint32(b.shstrtab.buffer.Len())
	shstrtab.body = b.shstrtab.buffer.Bytes()

	offset := uint32(elfHeaderSize)
	for i := 1; i < len(b.sections); i++ {
		section := &b.sections[i]
		offset = align4(offset)
		section.offset = offset
		if section.typ != elf.SHT_NOBITS {
			offset += uint32(len(section.body))
		}
	}
	shoff := align4(offset)

	buffer := new(bytes.Buffer)
	header := elfFileHeader{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_ARM),
		Version:   1,
		Shoff:     shoff,
		Flags:     flagsEabiVersion5,
		Ehsize:    elfHeaderSize,
		Shentsize: sectionHeaderSize,
		Shnum:     uint16(len(b.sections)),
		Shstrndx:  uint16(len(b.sections) - 1),
	}
	copy(header.Ident[:], "\x7fELF")
	header.Ident[4] = byte(elf.ELFCLASS32)
	header.Ident[5] = byte(elf.ELFDATA2LSB)
	header.Ident[6] = byte(elf.EV_CURRENT)
	binary.Write(buffer, binary.LittleEndian, header)

	for i := 1; i < len(b.sections); i++ {
		section := &b.sections[i]
		if section.typ == elf.SHT_NOBITS {
			continue
		}
		for uint32(buffer.Len()) < section.offset {
			buffer.WriteByte(0)
		}
		buffer.Write(section.body)
	}
	for uint32(buffer.Len()) < shoff {
		buffer.WriteByte(0)
	}
	for i := range b.sections {
		section := &b.sections[i]
		binary.Write(buffer, binary.LittleEndian, elfSectionHeader{
			Name:      section.nameOffset,
			Type:      uint32(section.typ),
			Flags:     uint32(section.flags),
			Offset:    section.offset,
			Size:      section.size,
			Link:      section.link,
			Info:      section.info,
			Addralign: section.addralign,
			Entsize:   section.entsize,
		})
	}
	_, err := writer.Write(buffer.Bytes())
	return err
}
