package reloc

import (
	"sort"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/sym"
)

// Reference is a raw cross-reference recovered by instruction analysis,
// before any module has been assigned to its target.
type Reference struct {
	From   uint32
	Kind   Kind
	Target uint32
}

// SymbolProposal asks for a symbol that classification discovered a need
// for: an unnamed call target, a loaded data word, or an ambiguous symbol
// spread over every overlay that can own the target. Proposals are collected
// during the read-only classification phase and applied afterwards so that
// two modules analyzed concurrently see the same symbol database.
type SymbolProposal struct {
	Module nds.ModuleKind
	Symbol sym.Symbol

	// Spread lists the modules an ambiguous symbol covers. Empty for
	// ordinary single-module proposals.
	Spread []nds.ModuleKind
}

// Classified is the outcome for one reference. Unresolved references keep a
// none destination and are reported, not fatal.
type Classified struct {
	Relocation Relocation
	Unresolved bool
	Proposals  []SymbolProposal
}

// Classifier assigns destinations to raw references using the address space
// layout and the current symbol database. Classify never mutates either.
type Classifier struct {
	Space   *nds.AddressSpace
	Symbols *sym.SymbolMaps

	// AllowUnknownCalls lets calls into anonymous code create placeholder
	// function symbols instead of going unresolved.
	AllowUnknownCalls bool
}

// Classify resolves one reference found in the module being analyzed.
func (c *Classifier) Classify(ref Reference) Classified {
	relocation := Relocation{From: ref.From, Kind: ref.Kind, To: ref.Target}
	switch {
	case ref.Kind == OverlayId:
		// The loaded value is an overlay id, not an address. Binds to the
		// OVERLAY_<id>_ID linker symbol, never to a module.
		return Classified{Relocation: relocation}
	case ref.Kind.IsCall() || ref.Kind == ArmBranch:
		return c.classifyCode(relocation, ref)
	default:
		return c.classifyLoad(relocation, ref)
	}
}

func (c *Classifier) classifyCode(relocation Relocation, ref Reference) Classified {
	candidates := c.Space.ResolveModule(ref.Target)
	known := c.modulesWithFunctionAt(candidates, ref.Target, ref.Kind.TargetMode())

	switch {
	case len(known) == 1:
		relocation.Destination = DestinationTo(known[0])
		return Classified{Relocation: relocation}
	case len(known) > 1:
		destination, err := DestinationFromCandidates(known)
		if err != nil {
			return Classified{Relocation: relocation, Unresolved: true}
		}
		relocation.Destination = destination
		return Classified{Relocation: relocation}
	case len(candidates) == 1:
		return c.classifyAnonymousCode(relocation, ref, candidates[0])
	default:
		// No module, or several with no function in any of them. There is
		// nothing to bind the call to.
		return Classified{Relocation: relocation, Unresolved: true}
	}
}

// modulesWithFunctionAt filters candidates down to those whose symbol map
// has a function entry at addr in the wanted instruction mode.
func (c *Classifier) modulesWithFunctionAt(candidates []nds.ModuleKind, addr uint32, mode sym.InstructionMode) []nds.ModuleKind {
	var known []nds.ModuleKind
	for _, kind := range candidates {
		symbols := c.Symbols.Get(kind)
		if symbols == nil {
			continue
		}
		function := symbols.FunctionAt(addr)
		if function != nil && function.Kind.Mode == mode {
			known = append(known, kind)
		}
	}
	return known
}

// classifyAnonymousCode handles a code reference into a single module that
// has no matching function entry at the target.
func (c *Classifier) classifyAnonymousCode(relocation Relocation, ref Reference, module nds.ModuleKind) Classified {
	relocation.Destination = DestinationTo(module)
	if symbols := c.Symbols.Get(module); symbols != nil {
		if function := symbols.FunctionContaining(ref.Target); function != nil && function.Addr != ref.Target {
			// A call or branch into the middle of a known function. The
			// delinked object needs an addressable label there.
			return Classified{Relocation: relocation, Proposals: []SymbolProposal{{
				Module: module,
				Symbol: sym.Symbol{
					Name: sym.LabelName(ref.Target),
					Kind: sym.ExternalLabel(ref.Kind.TargetMode()),
					Addr: ref.Target,
				},
			}}}
		}
	}
	if ref.Kind == ArmBranch || !c.AllowUnknownCalls {
		return Classified{Relocation: relocation, Unresolved: true}
	}
	return Classified{Relocation: relocation, Proposals: []SymbolProposal{{
		Module: module,
		Symbol: sym.Symbol{
			Name: sym.UnknownCallTargetName(module, ref.Target),
			Kind: sym.UnknownFunction(ref.Kind.TargetMode()),
			Addr: ref.Target,
		},
	}}}
}

func (c *Classifier) classifyLoad(relocation Relocation, ref Reference) Classified {
	target := ref.Target
	if target&1 != 0 {
		// Possibly a thumb function pointer. The relocation binds to the
		// even entry address; the emitted symbol keeps the thumb bit.
		if classified, ok := c.classifyFunctionPointer(relocation, target&^1, sym.ModeThumb); ok {
			return classified
		}
	}
	candidates := c.Space.ResolveModule(target)
	switch len(candidates) {
	case 0:
		return Classified{Relocation: relocation, Unresolved: true}
	case 1:
		return c.classifyLoadFrom(relocation, target, candidates[0])
	}
	destination, err := DestinationFromCandidates(candidates)
	if err != nil {
		return Classified{Relocation: relocation, Unresolved: true}
	}
	relocation.Destination = destination
	first, _ := destination.First()
	kind, ok := c.loadSymbolKind(first, target)
	if !ok {
		return Classified{Relocation: relocation, Unresolved: true}
	}
	// One shared name across every candidate overlay, so renaming one
	// renames them all.
	return Classified{Relocation: relocation, Proposals: []SymbolProposal{{
		Module: first,
		Symbol: sym.Symbol{Name: sym.DefaultDataName(first, target), Kind: kind, Addr: target},
		Spread: destination.Modules(),
	}}}
}

// classifyFunctionPointer binds a loaded odd address to a thumb function
// entry when exactly one candidate module has one.
func (c *Classifier) classifyFunctionPointer(relocation Relocation, addr uint32, mode sym.InstructionMode) (Classified, bool) {
	candidates := c.Space.ResolveModule(addr)
	known := c.modulesWithFunctionAt(candidates, addr, mode)
	if len(known) != 1 {
		return Classified{}, false
	}
	relocation.To = addr
	relocation.Destination = DestinationTo(known[0])
	return Classified{Relocation: relocation}, true
}

func (c *Classifier) classifyLoadFrom(relocation Relocation, target uint32, module nds.ModuleKind) Classified {
	relocation.Destination = DestinationTo(module)
	if symbols := c.Symbols.Get(module); symbols != nil {
		if existing := symbols.At(target); existing != nil {
			return Classified{Relocation: relocation}
		}
	}
	kind, ok := c.loadSymbolKind(module, target)
	if !ok {
		// A load of a code address with no function there. Leave the word
		// bound to the module; analysis of that module will name it later.
		return Classified{Relocation: relocation}
	}
	return Classified{Relocation: relocation, Proposals: []SymbolProposal{{
		Module: module,
		Symbol: sym.Symbol{Name: sym.DefaultDataName(module, target), Kind: kind, Addr: target},
	}}}
}

// loadSymbolKind picks the placeholder kind for a loaded address from the
// kind of section it lands in.
func (c *Classifier) loadSymbolKind(module nds.ModuleKind, target uint32) (sym.SymbolKind, bool) {
	section := c.Space.SectionContaining(module, target)
	if section == nil {
		return sym.SymbolKind{}, false
	}
	switch {
	case section.Kind == nds.SectionBss:
		return sym.Bss(nil), true
	case section.Kind.IsExecutable():
		return sym.SymbolKind{}, false
	default:
		return sym.Data(sym.DataAny, nil), true
	}
}

// ApplyProposals inserts proposed symbols into the database in ascending
// (address, module index) order, which makes the outcome independent of the
// order modules were analyzed in. Existing symbols always win.
func ApplyProposals(symbols *sym.SymbolMaps, proposals []SymbolProposal) {
	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Symbol.Addr != proposals[j].Symbol.Addr {
			return proposals[i].Symbol.Addr < proposals[j].Symbol.Addr
		}
		return proposals[i].Module.Index() < proposals[j].Module.Index()
	})
	for _, proposal := range proposals {
		if len(proposal.Spread) > 0 {
			symbols.MarkAmbiguous(proposal.Symbol.Name, proposal.Symbol.Kind, proposal.Symbol.Addr, proposal.Spread)
			continue
		}
		symbols.GetOrCreate(proposal.Module).AddIfNewAddress(proposal.Symbol)
	}
}
