package project

import (
	"log/slog"

	"github.com/sourcegraph/conc/iter"

	"dsdelink/pkg/arm"
	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
)

// AnalysisOptions tunes the cross-reference pass.
type AnalysisOptions struct {
	// AllowUnknownCalls creates placeholder function symbols for calls
	// into anonymous code instead of leaving those calls unresolved.
	AllowUnknownCalls bool
}

// ModuleError is a module whose analysis failed structurally. The batch
// run records it and continues with the other modules.
type ModuleError struct {
	Module nds.ModuleKind
	Err    error
}

// UnresolvedRelocation is a reference no module in the address space can
// satisfy. It stays in the relocation set with a none destination so the
// listing shows where work remains.
type UnresolvedRelocation struct {
	Module     nds.ModuleKind
	Relocation reloc.Relocation
}

// Report accumulates the non-fatal outcomes of a batch run over every
// module. The command layer decides what failures mean for the exit code.
type Report struct {
	Failed     []ModuleError
	Unresolved []UnresolvedRelocation
	// Ambiguous lists signature names that matched several functions.
	Ambiguous []string
}

// Ok reports whether the run completed without structural failures.
func (r *Report) Ok() bool {
	return len(r.Failed) == 0
}

// extraction is the per-module result of the parallel phase.
type extraction struct {
	refs []reloc.Reference
	err  error
}

// AnalyzeCrossReferences recovers the relocation set of every module.
// Extraction re-analyzes each function symbol and is pure per module, so
// modules run in parallel; classification reads the shared symbol
// database and runs serially in config order, collecting symbol proposals
// that are applied in one deterministic batch at the end.
func (p *Project) AnalyzeCrossReferences(opts AnalysisOptions) *Report {
	report := &Report{}

	results := iter.Map(p.Modules, func(data **ModuleData) extraction {
		return p.extractModule(*data)
	})

	classifier := &reloc.Classifier{
		Space:             p.Space,
		Symbols:           p.Symbols,
		AllowUnknownCalls: opts.AllowUnknownCalls,
	}
	var proposals []reloc.SymbolProposal
	classified := make([][]reloc.Relocation, len(p.Modules))
	for i, data := range p.Modules {
		kind := data.Module.Kind
		if results[i].err != nil {
			report.Failed = append(report.Failed, ModuleError{Module: kind, Err: results[i].err})
			continue
		}
		for _, ref := range results[i].refs {
			outcome := classifier.Classify(ref)
			proposals = append(proposals, outcome.Proposals...)
			if outcome.Unresolved {
				slog.Warn("unresolved reference",
					"module", kind,
					"from", listing.FormatAddr(ref.From),
					"to", listing.FormatAddr(ref.Target),
					"kind", ref.Kind)
				report.Unresolved = append(report.Unresolved, UnresolvedRelocation{
					Module:     kind,
					Relocation: outcome.Relocation,
				})
			}
			classified[i] = append(classified[i], outcome.Relocation)
		}
	}

	reloc.ApplyProposals(p.Symbols, proposals)

	for i, data := range p.Modules {
		for _, relocation := range classified[i] {
			if err := data.Relocations.Add(relocation); err != nil {
				report.Failed = append(report.Failed, ModuleError{Module: data.Module.Kind, Err: err})
			}
		}
	}
	return report
}

// extractModule re-analyzes every function symbol of one module and
// gathers the raw references, then scans initialized data for pointers
// into other modules. The module's first analysis error fails the whole
// module: a function that no longer parses means the listings and the
// binary disagree.
func (p *Project) extractModule(data *ModuleData) extraction {
	module := data.Module
	symbols := p.Symbols.Get(module.Kind)
	if symbols == nil {
		return extraction{}
	}
	var refs []reloc.Reference
	for _, symbol := range symbols.Symbols() {
		if symbol.Kind.Type != sym.TypeFunction {
			continue
		}
		thumb := symbol.Kind.Mode == sym.ModeThumb
		function, err := arm.AnalyzeFunction(module, symbol.Name, symbol.Addr, thumb, arm.DefaultAnalysisConfig())
		if err != nil {
			return extraction{err: err}
		}
		refs = append(refs, function.References(module, p.Space)...)
	}
	refs = append(refs, p.scanDataSections(module)...)
	return extraction{refs: refs}
}

// scanDataSections finds pointers stored in initialized data: words whose
// value lands in another module. Words pointing into the module itself are
// left for that module's own curation, and words that resolve to nothing
// are just data.
func (p *Project) scanDataSections(module *nds.Module) []reloc.Reference {
	var refs []reloc.Reference
	for _, section := range module.Sections.All() {
		if section.Kind != nds.SectionData && section.Kind != nds.SectionRodata {
			continue
		}
		for addr := section.Start; addr+4 <= section.End; addr += 4 {
			value, ok := module.WordAt(addr)
			if !ok {
				break
			}
			if module.ContainsAddress(value) || !p.pointerCandidate(value) {
				continue
			}
			refs = append(refs, reloc.Reference{From: addr, Kind: reloc.Load, Target: value})
		}
	}
	return refs
}

// pointerCandidate reports whether a word value plausibly addresses
// another module: any data or bss location qualifies, a code location only
// at a function entry whose mode agrees with the pointer's thumb bit.
func (p *Project) pointerCandidate(value uint32) bool {
	entry := value &^ 1
	for _, kind := range p.Space.ResolveModule(entry) {
		section := p.Space.SectionContaining(kind, entry)
		if section == nil {
			continue
		}
		if !section.Kind.IsExecutable() {
			return true
		}
		symbols := p.Symbols.Get(kind)
		if symbols == nil {
			continue
		}
		if function := symbols.FunctionAt(entry); function != nil {
			if (function.Kind.Mode == sym.ModeThumb) == (value&1 != 0) {
				return true
			}
		}
	}
	return false
}
