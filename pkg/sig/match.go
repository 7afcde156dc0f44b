package sig

import (
	"errors"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

// ErrAmbiguousSignature reports a signature whose pattern matched several
// functions in one run. No rename happens: picking one candidate would
// silently misname the others.
var ErrAmbiguousSignature = errors.New("ambiguous signature")

// Candidate is one function a signature matched.
type Candidate struct {
	Module *nds.Module
	Symbol *sym.Symbol
}

// Match returns the first entry whose masked pattern equals the function's
// code. Only unknown functions match: a confidently named symbol is never
// renamed by a signature.
func Match(symbol *sym.Symbol, code []byte, entries []Entry) (*Entry, error) {
	if symbol.Kind.Type != sym.TypeFunction || !symbol.Kind.Unknown {
		return nil, nil
	}
	for i := range entries {
		decoded, err := entries[i].mask()
		if err != nil {
			return nil, err
		}
		if decoded.matches(code) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// FindMatches scans every unknown function of the given modules for the
// entry's pattern. Modules keep their given order and symbols ascend by
// address, so the result order is stable.
func FindMatches(entry *Entry, modules []*nds.Module, symbols *sym.SymbolMaps) ([]Candidate, error) {
	decoded, err := entry.mask()
	if err != nil {
		return nil, err
	}
	var matches []Candidate
	for _, module := range modules {
		moduleSymbols := symbols.Get(module.Kind)
		if moduleSymbols == nil {
			continue
		}
		for _, symbol := range moduleSymbols.Symbols() {
			if symbol.Kind.Type != sym.TypeFunction || !symbol.Kind.Unknown || symbol.Kind.Size == nil {
				continue
			}
			code := module.At(symbol.Addr, *symbol.Kind.Size)
			if code == nil || !decoded.matches(code) {
				continue
			}
			matches = append(matches, Candidate{Module: module, Symbol: symbol})
		}
	}
	return matches, nil
}

// Apply matches one entry against all modules and renames the function it
// identifies, propagating the new name to ambiguous siblings that shared
// the old one. Returns nil without error when nothing matches.
func Apply(entry *Entry, modules []*nds.Module, symbols *sym.SymbolMaps) (*Candidate, error) {
	matches, err := FindMatches(entry, modules, symbols)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, utils.MakeError(ErrAmbiguousSignature,
			"'%s' matches %d functions", entry.Name, len(matches))
	}

	match := matches[0]
	symbols.RenameEverywhere(match.Symbol.Name, entry.Name)
	match.Symbol.Kind.Unknown = false
	return &match, nil
}
