package delink

import (
	"errors"
	"fmt"
	"sort"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

var ErrDelink = errors.New("delink failed")

// UnitSection is one file's contribution to a module section: the claimed
// range with its bytes copied out of the linked image. Data is nil for bss.
type UnitSection struct {
	Name  string
	Kind  nds.SectionKind
	Start uint32
	Size  uint32
	Align uint32
	Data  []byte
}

func (s *UnitSection) Contains(addr uint32) bool {
	return addr >= s.Start && addr < s.Start+s.Size
}

// UnitSymbol is a symbol scoped to a relocatable unit. Section indexes the
// unit's section list, or is -1 for a reference the unit does not define.
// Ambiguous shared-window symbols come out weak so that link order decides
// the winning definition, which is the lowest overlay id.
type UnitSymbol struct {
	Name    string
	Section int
	Addr    uint32
	Size    uint32
	Kind    sym.SymbolKind
	Local   bool
	Weak    bool
}

// UnitReloc is a relocation rewritten from address form to symbol form.
// Offset is relative to the unit section holding the site; Addend carries
// the explicit addend plus the kind's pipeline offset.
type UnitReloc struct {
	Section  int
	Offset   uint32
	Kind     reloc.Kind
	Symbol   string
	Addend   int64
	External bool
}

// RelocatableUnit is the delinked form of one translation unit, ready for
// object emission. Symbols ascend by address, relocations by site address,
// externals in first-reference order.
type RelocatableUnit struct {
	Path      string
	Module    nds.ModuleKind
	Complete  bool
	Sections  []UnitSection
	Symbols   []UnitSymbol
	Externals []UnitSymbol
	Relocs    []UnitReloc
}

// SectionAt returns the index of the unit section containing addr, or -1.
func (u *RelocatableUnit) SectionAt(addr uint32) int {
	for i := range u.Sections {
		if u.Sections[i].Contains(addr) {
			return i
		}
	}
	return -1
}

// OverlayIdSymbol names the linker constant that carries an overlay's id.
func OverlayIdSymbol(id uint16) string {
	return fmt.Sprintf("OVERLAY_%d_ID", id)
}

// Delink cuts the module into one relocatable unit per layout file. The
// layout must tile the module's sections; every violation is reported in one
// joined error, sorted by address. Relocations inside a unit are rewritten
// against the symbol database, binding shared-window destinations to the
// lowest overlay id. Output depends only on the inputs, with all iteration
// in ascending address order.
func Delink(module *nds.Module, layout *Layout, symbols *sym.SymbolMaps, relocs *reloc.Relocations) ([]RelocatableUnit, error) {
	if violations := layout.Verify(); len(violations) > 0 {
		return nil, errors.Join(violations...)
	}

	units := make([]RelocatableUnit, len(layout.Files))
	for i := range layout.Files {
		unit, err := buildUnit(module, layout, &layout.Files[i], symbols, relocs)
		if err != nil {
			return nil, err
		}
		units[i] = *unit
	}
	return units, nil
}

func buildUnit(module *nds.Module, layout *Layout, file *DelinkFile, symbols *sym.SymbolMaps, relocs *reloc.Relocations) (*RelocatableUnit, error) {
	unit := &RelocatableUnit{Path: file.Path, Module: module.Kind, Complete: file.Complete}

	ranges := append([]SectionRange(nil), file.Ranges...)
	sort.SliceStable(ranges, func(a, b int) bool { return ranges[a].Start < ranges[b].Start })
	for _, r := range ranges {
		section := layout.Sections.ByName(r.Section)
		unitSection := UnitSection{Name: r.Section, Kind: section.Kind, Start: r.Start, Size: r.Size(), Align: section.Align}
		if section.Kind.IsInitialized() {
			data := module.At(r.Start, r.Size())
			if data == nil {
				return nil, utils.MakeError(ErrDelink, "%s: bytes [%s,%s) of %s are outside the module image",
					file.Path, listing.FormatAddr(r.Start), listing.FormatAddr(r.End), r.Section)
			}
			unitSection.Data = append([]byte(nil), data...)
		}
		unit.Sections = append(unit.Sections, unitSection)
	}

	if err := collectSymbols(unit, layout, symbols.Get(module.Kind)); err != nil {
		return nil, utils.MakeError(ErrDelink, "%s: %v", file.Path, err)
	}
	if !file.Complete {
		if err := rewriteRelocations(unit, module, symbols, relocs); err != nil {
			return nil, utils.MakeError(ErrDelink, "%s: %v", file.Path, err)
		}
	}
	return unit, nil
}

func collectSymbols(unit *RelocatableUnit, layout *Layout, moduleSymbols *sym.SymbolMap) error {
	if moduleSymbols == nil {
		return nil
	}
	for _, symbol := range moduleSymbols.Symbols() {
		index := unit.SectionAt(symbol.Addr)
		if index < 0 {
			continue
		}
		var size uint32
		switch symbol.Kind.Type {
		case sym.TypeFunction, sym.TypeData, sym.TypeBss:
			section := layout.Sections.ByName(unit.Sections[index].Name)
			resolved, err := moduleSymbols.ResolveSize(section, symbol)
			if err != nil {
				return err
			}
			size = resolved
		}
		unit.Symbols = append(unit.Symbols, UnitSymbol{
			Name:    symbol.Name,
			Section: index,
			Addr:    symbol.Addr,
			Size:    size,
			Kind:    symbol.Kind,
			Local:   symbol.Local,
			Weak:    symbol.Ambiguous,
		})
	}
	return nil
}

func rewriteRelocations(unit *RelocatableUnit, module *nds.Module, symbols *sym.SymbolMaps, relocs *reloc.Relocations) error {
	seen := map[string]bool{}
	external := func(name string, kind sym.SymbolKind) {
		if seen[name] {
			return
		}
		seen[name] = true
		unit.Externals = append(unit.Externals, UnitSymbol{Name: name, Section: -1, Kind: kind, Weak: true})
	}

	for sectionIndex := range unit.Sections {
		section := &unit.Sections[sectionIndex]
		for _, r := range relocs.InRange(section.Start, section.Start+section.Size) {
			rewritten := UnitReloc{
				Section: sectionIndex,
				Offset:  r.From - section.Start,
				Kind:    r.Kind,
				Addend:  r.ObjectAddend(),
			}

			if r.Kind == reloc.OverlayId {
				rewritten.Symbol = OverlayIdSymbol(uint16(r.To))
				rewritten.External = true
				external(rewritten.Symbol, sym.SymbolKind{Type: sym.TypeUndefined})
				unit.Relocs = append(unit.Relocs, rewritten)
				continue
			}
			if r.Destination.IsNone() {
				return fmt.Errorf("relocation at %s has no destination module", listing.FormatAddr(r.From))
			}

			dest := r.Destination.First()
			var symbol *sym.Symbol
			if destSymbols := symbols.Get(dest); destSymbols != nil {
				symbol = destSymbols.At(r.To)
			}
			if symbol == nil {
				return fmt.Errorf("relocation at %s: no symbol at %s in %s",
					listing.FormatAddr(r.From), listing.FormatAddr(r.To), dest)
			}

			internal := dest == module.Kind && unit.SectionAt(r.To) >= 0
			if symbol.Local && !internal {
				return fmt.Errorf("relocation at %s binds to local '%s' outside its unit",
					listing.FormatAddr(r.From), symbol.Name)
			}
			rewritten.Symbol = symbol.Name
			rewritten.External = !internal
			if !internal {
				external(symbol.Name, symbol.Kind)
			}
			unit.Relocs = append(unit.Relocs, rewritten)
		}
	}
	return nil
}
