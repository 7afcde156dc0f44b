package sym

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

// SymbolMaps holds one SymbolMap per module, the process-wide symbol
// database. It is built once during loading/analysis and read-mostly
// afterward; mutation is not synchronized and must stay on one goroutine.
type SymbolMaps struct {
	maps map[nds.ModuleKind]*SymbolMap
}

func NewSymbolMaps() *SymbolMaps {
	return &SymbolMaps{maps: make(map[nds.ModuleKind]*SymbolMap)}
}

// Get returns the symbol map of a module, or nil when none was created.
func (m *SymbolMaps) Get(kind nds.ModuleKind) *SymbolMap {
	return m.maps[kind]
}

// GetOrCreate returns the symbol map of a module, creating an empty one on
// first use.
func (m *SymbolMaps) GetOrCreate(kind nds.ModuleKind) *SymbolMap {
	if existing := m.maps[kind]; existing != nil {
		return existing
	}
	created := NewSymbolMap()
	m.maps[kind] = created
	return created
}

// Set installs a loaded symbol map for a module, replacing any existing one.
func (m *SymbolMaps) Set(kind nds.ModuleKind, symbols *SymbolMap) {
	m.maps[kind] = symbols
}

// Modules returns the module kinds with a symbol map, in module index order.
func (m *SymbolMaps) Modules() []nds.ModuleKind {
	kinds := utils.Keys(m.maps)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Index() < kinds[j].Index() })
	return kinds
}

// MarkAmbiguous creates one ambiguous-attributed symbol named name at addr
// in each given module, so a relocation into a shared overlay window can
// bind to any one of them. At most one ambiguous symbol per (name, module)
// ever exists; modules that already know the name are left alone.
func (m *SymbolMaps) MarkAmbiguous(name string, kind SymbolKind, addr uint32, modules []nds.ModuleKind) {
	for _, module := range modules {
		m.GetOrCreate(module).AddAmbiguous(Symbol{Name: name, Kind: kind, Addr: addr})
	}
}

// RenameEverywhere renames oldName in every module that knows it, keeping
// ambiguous siblings in sync with their renamed primary. Returns the total
// number of renamed symbols.
func (m *SymbolMaps) RenameEverywhere(oldName, newName string) int {
	renamed := 0
	for _, kind := range m.Modules() {
		renamed += m.maps[kind].RenameByName(oldName, newName)
	}
	return renamed
}

// ReadSymbols parses a symbols listing. The path is only used for error
// context.
func ReadSymbols(r io.Reader, path string) (*SymbolMap, error) {
	symbols := NewSymbolMap()
	scanner := bufio.NewScanner(r)
	ctx := listing.Context{Path: path}
	for scanner.Scan() {
		ctx.Row++
		line := listing.StripComment(scanner.Text())
		if line == "" {
			continue
		}
		symbol, err := ParseSymbol(line, ctx)
		if err != nil {
			return nil, err
		}
		if err := symbols.Insert(symbol); err != nil {
			return nil, ctx.Error("%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.MakeError(listing.ErrParse, "%s: %v", path, err)
	}
	return symbols, nil
}

// WriteSymbols writes the listing form of a symbol map: persistable symbols
// only, ordered by address.
func WriteSymbols(w io.Writer, symbols *SymbolMap) error {
	for _, symbol := range symbols.Symbols() {
		if !symbol.ShouldWrite() {
			continue
		}
		if _, err := fmt.Fprintln(w, symbol.String()); err != nil {
			return err
		}
	}
	return nil
}

// LoadSymbols reads a symbols listing file.
func LoadSymbols(path string) (*SymbolMap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadSymbols(file, path)
}

// SaveSymbols writes a symbols listing file.
func SaveSymbols(path string, symbols *SymbolMap) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	if err := WriteSymbols(writer, symbols); err != nil {
		return err
	}
	return writer.Flush()
}
