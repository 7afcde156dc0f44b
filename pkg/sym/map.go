package sym

import (
	"errors"
	"sort"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

var (
	ErrDuplicateSymbol   = errors.New("duplicate symbol name")
	ErrOverlappingSymbol = errors.New("overlapping symbols")
	ErrUnknownSymbol     = errors.New("no such symbol")
	ErrMultipleSymbols   = errors.New("multiple symbols at address")
)

// SymbolMap is the symbol table of one module. Symbols keep their insertion
// index so lookups can prefer the earliest match deterministically; address
// ordered iteration is provided for output passes.
type SymbolMap struct {
	symbols []Symbol
	byAddr  map[uint32][]int
	byName  map[string][]int
}

func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		byAddr: make(map[uint32][]int),
		byName: make(map[string][]int),
	}
}

func (m *SymbolMap) Len() int {
	return len(m.symbols)
}

// Insert adds a symbol. A non-local symbol whose name is already taken by
// another non-local symbol fails with ErrDuplicateSymbol; any number of
// local duplicates may coexist.
func (m *SymbolMap) Insert(symbol Symbol) error {
	if !symbol.Local {
		for _, index := range m.byName[symbol.Name] {
			if !m.symbols[index].Local {
				return utils.MakeError(ErrDuplicateSymbol, "'%s' at %#08x and %#08x",
					symbol.Name, m.symbols[index].Addr, symbol.Addr)
			}
		}
	}
	m.insert(symbol)
	return nil
}

func (m *SymbolMap) insert(symbol Symbol) {
	index := len(m.symbols)
	m.symbols = append(m.symbols, symbol)
	m.byAddr[symbol.Addr] = append(m.byAddr[symbol.Addr], index)
	m.byName[symbol.Name] = append(m.byName[symbol.Name], index)
}

// AddIfNewAddress inserts the symbol unless any symbol already exists at its
// address. Returns the symbol now at that address and whether an insertion
// happened.
func (m *SymbolMap) AddIfNewAddress(symbol Symbol) (*Symbol, bool) {
	if existing := m.At(symbol.Addr); existing != nil {
		return existing, false
	}
	m.insert(symbol)
	return &m.symbols[len(m.symbols)-1], true
}

// At returns the primary symbol at addr: the first non-ambiguous, non-local
// symbol, falling back to the first non-ambiguous one, then to the first.
// Returns nil when the address has no symbol.
func (m *SymbolMap) At(addr uint32) *Symbol {
	indices := m.byAddr[addr]
	if len(indices) == 0 {
		return nil
	}
	best := -1
	for _, index := range indices {
		symbol := &m.symbols[index]
		if !symbol.Ambiguous && !symbol.Local {
			return symbol
		}
		if best < 0 || (!symbol.Ambiguous && m.symbols[best].Ambiguous) {
			best = index
		}
	}
	return &m.symbols[best]
}

// AllAt returns every symbol at addr in insertion order.
func (m *SymbolMap) AllAt(addr uint32) []*Symbol {
	indices := m.byAddr[addr]
	symbols := make([]*Symbol, len(indices))
	for i, index := range indices {
		symbols[i] = &m.symbols[index]
	}
	return symbols
}

// ByName returns the best symbol with the given name: an unambiguous
// non-local one when present, never an ambiguous one while an unambiguous
// match exists.
func (m *SymbolMap) ByName(name string) *Symbol {
	indices := m.byName[name]
	if len(indices) == 0 {
		return nil
	}
	best := -1
	for _, index := range indices {
		symbol := &m.symbols[index]
		if !symbol.Ambiguous && !symbol.Local {
			return symbol
		}
		if best < 0 || (!symbol.Ambiguous && m.symbols[best].Ambiguous) {
			best = index
		}
	}
	return &m.symbols[best]
}

// FunctionAt returns the function symbol at addr, tolerating a set thumb bit
// in the address.
func (m *SymbolMap) FunctionAt(addr uint32) *Symbol {
	symbol := m.At(addr &^ 1)
	if symbol == nil || symbol.Kind.Type != TypeFunction {
		return nil
	}
	return symbol
}

// FunctionContaining returns the function whose [addr, addr+size) range
// contains addr. Functions with unresolved sizes only match exactly at their
// entry point.
func (m *SymbolMap) FunctionContaining(addr uint32) *Symbol {
	symbols := m.Symbols()
	// Symbols are address sorted; scan back from the first symbol past addr.
	index := sort.Search(len(symbols), func(i int) bool { return symbols[i].Addr > addr })
	for index--; index >= 0; index-- {
		symbol := symbols[index]
		if symbol.Kind.Type != TypeFunction {
			continue
		}
		if symbol.Addr == addr {
			return symbol
		}
		size, known := symbol.Kind.SizeKnown()
		if known && addr-symbol.Addr < size {
			return symbol
		}
		return nil
	}
	return nil
}

// Symbols returns all symbols ordered by (address, insertion index).
func (m *SymbolMap) Symbols() []*Symbol {
	ordered := make([]*Symbol, len(m.symbols))
	indices := make([]int, len(m.symbols))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return m.symbols[indices[a]].Addr < m.symbols[indices[b]].Addr
	})
	for i, index := range indices {
		ordered[i] = &m.symbols[index]
	}
	return ordered
}

// ResolveSize returns the effective size of a symbol. Kinds with an explicit
// size use it; size-omitting kinds take the gap to the next function, data
// or bss symbol in the same section, or to the section end when last. A
// negative gap means the table is corrupt and fails with
// ErrOverlappingSymbol.
func (m *SymbolMap) ResolveSize(section *nds.Section, symbol *Symbol) (uint32, error) {
	if size, known := symbol.Kind.SizeKnown(); known {
		return size, nil
	}

	end := section.End
	for _, next := range m.Symbols() {
		if next.Addr <= symbol.Addr || next.Addr >= section.End {
			continue
		}
		if !boundsSize(next) {
			continue
		}
		end = next.Addr
		break
	}
	if end < symbol.Addr {
		return 0, utils.MakeError(ErrOverlappingSymbol, "'%s' at %#08x extends past section %s end %#08x",
			symbol.Name, symbol.Addr, section.Name, section.End)
	}
	return end - symbol.Addr, nil
}

// boundsSize reports whether a symbol terminates the previous symbol's
// span. Labels, pool constants and jump tables live inside functions and do
// not bound anything.
func boundsSize(symbol *Symbol) bool {
	switch symbol.Kind.Type {
	case TypeFunction, TypeData, TypeBss:
		return !symbol.Ambiguous
	default:
		return false
	}
}

// AddAmbiguous inserts an ambiguous-attributed copy of the named symbol,
// keeping at most one ambiguous symbol per name in this map. Inserting is a
// no-op when any symbol of that name already exists here.
func (m *SymbolMap) AddAmbiguous(symbol Symbol) {
	if len(m.byName[symbol.Name]) > 0 {
		return
	}
	symbol.Ambiguous = true
	m.insert(symbol)
}

// RenameByAddress renames the single symbol at addr, keeping the name index
// consistent. Fails with ErrUnknownSymbol when the address has no symbol and
// ErrMultipleSymbols when it has several.
func (m *SymbolMap) RenameByAddress(addr uint32, newName string) error {
	indices := m.byAddr[addr]
	switch {
	case len(indices) == 0:
		return utils.MakeError(ErrUnknownSymbol, "address %#08x", addr)
	case len(indices) > 1:
		return utils.MakeError(ErrMultipleSymbols, "address %#08x has %d symbols", addr, len(indices))
	}
	m.rename(indices[0], newName)
	return nil
}

// RenameByName renames every symbol carrying oldName. Returns the number of
// renamed symbols.
func (m *SymbolMap) RenameByName(oldName, newName string) int {
	indices := append([]int(nil), m.byName[oldName]...)
	for _, index := range indices {
		m.rename(index, newName)
	}
	return len(indices)
}

func (m *SymbolMap) rename(index int, newName string) {
	oldName := m.symbols[index].Name
	if oldName == newName {
		return
	}
	named := m.byName[oldName]
	for i, candidate := range named {
		if candidate == index {
			m.byName[oldName] = append(named[:i], named[i+1:]...)
			break
		}
	}
	if len(m.byName[oldName]) == 0 {
		delete(m.byName, oldName)
	}
	m.symbols[index].Name = newName
	m.byName[newName] = append(m.byName[newName], index)
}
