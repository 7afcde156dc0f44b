package arm

import (
	"errors"
	"sort"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

// Function is the result of boundary analysis over one function: its extent
// including trailing literal pools, the local control-flow labels, pool slot
// addresses, jump tables and the raw cross-references found in its body.
type Function struct {
	Name    string
	Start   uint32
	End     uint32
	Thumb   bool
	Unknown bool

	Labels []uint32
	Pools  []uint32
	Tables []JumpTable

	refs []reloc.Reference
}

// JumpTable is an inline switch table: Count entries of Width bytes starting
// at Addr. Code tables hold branch instructions, data tables hold halfword
// offsets (thumb) or absolute addresses (arm).
type JumpTable struct {
	Addr  uint32
	Count uint32
	Width uint32
	Code  bool
}

func (t JumpTable) Size() uint32 {
	return t.Count * t.Width
}

func (t JumpTable) End() uint32 {
	return t.Addr + t.Size()
}

func (f *Function) Mode() sym.InstructionMode {
	if f.Thumb {
		return sym.ModeThumb
	}
	return sym.ModeArm
}

func (f *Function) Size() uint32 {
	return f.End - f.Start
}

// Contains reports whether addr is inside the function's extent.
func (f *Function) Contains(addr uint32) bool {
	return addr >= f.Start && addr < f.End
}

var ErrAnalysis = errors.New("code analysis failed")

// AnalysisConfig bounds the code walk.
type AnalysisConfig struct {
	// MaxFunctionSize aborts a walk that runs away over data mistaken for
	// code.
	MaxFunctionSize uint32
}

func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{MaxFunctionSize: 0x8000}
}

// analyzer carries the walk state for one function.
type analyzer struct {
	module   *nds.Module
	cfg      AnalysisConfig
	fn       *Function
	end      uint32 // section end
	labels   map[uint32]bool
	pools    map[uint32]bool
	skip     map[uint32]uint32 // data jump table slot -> width
	farthest uint32
	poolEnd  uint32
	compare  uint32 // last compare immediate, for jump table sizing
}

// AnalyzeFunction walks the code starting at start until a function end is
// provable: a return or unconditional branch with no pending forward label,
// extended over literal pools and jump tables. Unknown marks auto-named
// functions so the signature matcher may rename them later.
func AnalyzeFunction(module *nds.Module, name string, start uint32, thumb bool, cfg AnalysisConfig) (*Function, error) {
	section := module.Sections.Containing(start)
	if section == nil {
		return nil, utils.MakeError(ErrAnalysis, "function %s at 0x%08x outside every section of %s", name, start, module.Kind)
	}
	if !section.Kind.IsExecutable() {
		return nil, utils.MakeError(ErrAnalysis, "function %s at 0x%08x in non-code section %s", name, start, section.Name)
	}

	walk := &analyzer{
		module:   module,
		cfg:      cfg,
		fn:       &Function{Name: name, Start: start, Thumb: thumb},
		end:      section.End,
		labels:   map[uint32]bool{},
		pools:    map[uint32]bool{},
		skip:     map[uint32]uint32{},
		farthest: start,
	}
	if err := walk.run(); err != nil {
		return nil, err
	}
	return walk.finish(), nil
}

func (a *analyzer) run() error {
	addr := a.fn.Start
	for {
		if addr >= a.end {
			return utils.MakeError(ErrAnalysis, "function %s at 0x%08x has no end before its section does", a.fn.Name, a.fn.Start)
		}
		if addr-a.fn.Start > a.cfg.MaxFunctionSize {
			return utils.MakeError(ErrAnalysis, "function %s at 0x%08x exceeds 0x%x bytes", a.fn.Name, a.fn.Start, a.cfg.MaxFunctionSize)
		}
		if a.pools[addr] {
			addr += 4
			continue
		}
		if width := a.skip[addr]; width != 0 {
			addr += width
			continue
		}
		if a.fn.Thumb && addr%4 == 2 && a.pools[addr+2] {
			// Alignment padding before a pool.
			addr += 2
			continue
		}

		var size uint32
		var done bool
		var err error
		if a.fn.Thumb {
			size, done, err = a.stepThumb(addr)
		} else {
			size, done, err = a.stepArm(addr)
		}
		if err != nil {
			return err
		}
		if done {
			a.fn.End = addr + size
			return nil
		}
		addr += size
	}
}

func (a *analyzer) stepArm(addr uint32) (size uint32, done bool, err error) {
	word, ok := a.module.WordAt(addr)
	if !ok {
		return 0, false, utils.MakeError(ErrAnalysis, "function %s runs past the initialized image at 0x%08x", a.fn.Name, addr)
	}
	if !IsLikelyArmInstruction(word) {
		return 0, false, utils.MakeError(ErrAnalysis, "function %s hits a non-instruction word at 0x%08x", a.fn.Name, addr)
	}

	if limit, ok := DecodeArmCompareImmediate(word); ok {
		a.compare = limit
		return 4, false, nil
	}
	if dispatch, ok := DecodeArmJumpTableDispatch(word); ok {
		a.addTable(JumpTable{Addr: addr + ArmPipeline, Count: a.compare + 1, Width: 4, Code: dispatch.Code})
		return 4, false, nil
	}
	if load, ok := DecodeArmPoolLoad(addr, word); ok {
		a.addPool(load.Slot)
		return 4, false, nil
	}
	if branch, ok := DecodeArmBranch(addr, word); ok {
		switch {
		case branch.Link:
			kind := reloc.ArmCall
			if branch.Exchange {
				kind = reloc.ArmCallThumb
			}
			a.addRef(reloc.Reference{From: addr, Kind: kind, Target: branch.Target})
		case branch.Conditional:
			a.addLabel(branch.Target)
		default:
			if addr >= a.farthest {
				// Nothing pending past here: a noreturn loop or tail jump.
				a.branchOut(addr, branch.Target, false)
				return 4, true, nil
			}
			a.addLabel(branch.Target)
		}
		return 4, false, nil
	}
	if IsArmReturn(word) {
		return 4, addr >= a.farthest, nil
	}
	return 4, false, nil
}

func (a *analyzer) stepThumb(addr uint32) (size uint32, done bool, err error) {
	half, ok := a.module.HalfAt(addr)
	if !ok {
		return 0, false, utils.MakeError(ErrAnalysis, "function %s runs past the initialized image at 0x%08x", a.fn.Name, addr)
	}
	if IsThumbUndefined(half) {
		return 0, false, utils.MakeError(ErrAnalysis, "function %s hits a non-instruction halfword at 0x%08x", a.fn.Name, addr)
	}

	if IsThumbCallPrefix(half) {
		second, ok := a.module.HalfAt(addr + 2)
		if !ok {
			return 0, false, utils.MakeError(ErrAnalysis, "function %s runs past the initialized image at 0x%08x", a.fn.Name, addr+2)
		}
		if call, ok := DecodeThumbCall(addr, half, second); ok {
			kind := reloc.ThumbCall
			if call.Exchange {
				kind = reloc.ThumbCallArm
			}
			a.addRef(reloc.Reference{From: addr, Kind: kind, Target: call.Target})
			return 4, false, nil
		}
		return 2, false, nil
	}
	if limit, ok := DecodeThumbCompareImmediate(half); ok {
		a.compare = limit
		return 2, false, nil
	}
	if IsThumbJumpTableDispatch(half) {
		a.thumbTable(addr)
		return 2, false, nil
	}
	if load, ok := DecodeThumbPoolLoad(addr, half); ok {
		a.addPool(load.Slot)
		return 2, false, nil
	}
	if branch, ok := DecodeThumbBranch(addr, half); ok {
		if !branch.Conditional && addr >= a.farthest {
			a.branchOut(addr, branch.Target, true)
			return 2, true, nil
		}
		a.addLabel(branch.Target)
		return 2, false, nil
	}
	if IsThumbReturn(half) {
		return 2, addr >= a.farthest, nil
	}
	return 2, false, nil
}

// branchOut records a function-ending unconditional branch. A backward
// target inside the function is a loop label; anything else leaves the
// function, which only ARM mode can express as a relocation.
func (a *analyzer) branchOut(addr, target uint32, thumb bool) {
	if target >= a.fn.Start && target <= addr {
		a.labels[target] = true
		return
	}
	if !thumb {
		a.addRef(reloc.Reference{From: addr, Kind: reloc.ArmBranch, Target: target})
	}
}

func (a *analyzer) addLabel(target uint32) {
	if target < a.fn.Start || target >= a.end {
		return
	}
	a.labels[target] = true
	if target > a.farthest {
		a.farthest = target
	}
}

func (a *analyzer) addPool(slot uint32) {
	if slot < a.fn.Start || slot >= a.end {
		return
	}
	a.pools[slot] = true
	if slot+4 > a.poolEnd {
		a.poolEnd = slot + 4
	}
}

// addTable registers an ARM-mode jump table at its dispatch instruction.
// Code tables are walked as ordinary instructions; data table words are
// skipped and produce labels for each stored address.
func (a *analyzer) addTable(table JumpTable) {
	a.fn.Tables = append(a.fn.Tables, table)
	if table.End() > a.farthest {
		a.farthest = table.End()
	}
	if table.Code {
		return
	}
	for slot := table.Addr; slot < table.End(); slot += 4 {
		a.skip[slot] = 4
		if value, ok := a.module.WordAt(slot); ok {
			a.addLabel(value &^ 1)
			a.addRef(reloc.Reference{From: slot, Kind: reloc.Load, Target: value})
		}
	}
}

// thumbTable registers the halfword offset table following an ADD PC, Rn
// dispatch. Each entry holds target - (dispatch + 4).
func (a *analyzer) thumbTable(dispatch uint32) {
	table := JumpTable{Addr: dispatch + 2, Count: a.compare + 1, Width: 2, Code: false}
	a.fn.Tables = append(a.fn.Tables, table)
	base := dispatch + ThumbPipeline
	for entry := uint32(0); entry < table.Count; entry++ {
		slot := table.Addr + entry*2
		a.skip[slot] = 2
		if offset, ok := a.module.HalfAt(slot); ok {
			a.addLabel(base + uint32(utils.SignExtend(offset, 16)))
		}
	}
	if table.End() > a.farthest {
		a.farthest = table.End()
	}
}

func (a *analyzer) addRef(ref reloc.Reference) {
	a.fn.refs = append(a.fn.refs, ref)
}

func (a *analyzer) finish() *Function {
	fn := a.fn
	if a.poolEnd > fn.End {
		fn.End = a.poolEnd
	}
	for _, table := range fn.Tables {
		if table.End() > fn.End {
			fn.End = table.End()
		}
	}
	for label := range a.labels {
		if label < fn.End {
			fn.Labels = append(fn.Labels, label)
		}
	}
	for pool := range a.pools {
		fn.Pools = append(fn.Pools, pool)
	}
	sort.Slice(fn.Labels, func(i, j int) bool { return fn.Labels[i] < fn.Labels[j] })
	sort.Slice(fn.Pools, func(i, j int) bool { return fn.Pools[i] < fn.Pools[j] })
	sort.Slice(fn.refs, func(i, j int) bool { return fn.refs[i].From < fn.refs[j].From })
	return fn
}

// GuessThumb decides the instruction mode at a function entry. Odd word
// alignment forces thumb; an ARM prologue or an always-executed condition
// nibble reads as ARM; a thumb prologue reads as thumb.
func GuessThumb(module *nds.Module, addr uint32) bool {
	if addr%4 != 0 {
		return true
	}
	word, ok := module.WordAt(addr)
	if !ok {
		half, ok := module.HalfAt(addr)
		return ok && IsThumbFunctionEntry(half)
	}
	if IsArmFunctionEntry(word) {
		return false
	}
	if word>>28 == 0xe {
		return false
	}
	if half, ok := module.HalfAt(addr); ok && IsThumbFunctionEntry(half) {
		return true
	}
	return !IsLikelyArmInstruction(word)
}

// FindFunctions sweeps a code section, analyzing functions back to back
// from its start. The sweep stops cleanly at the first address that does not
// analyze as code, which is where trailing data begins.
func FindFunctions(module *nds.Module, section *nds.Section, cfg AnalysisConfig) []*Function {
	var functions []*Function
	addr := section.Start
	for addr < section.End {
		thumb := GuessThumb(module, addr)
		name := sym.DefaultFunctionName(module.Kind, addr)
		fn, err := AnalyzeFunction(module, name, addr, thumb, cfg)
		if err != nil {
			break
		}
		fn.Unknown = true
		functions = append(functions, fn)
		addr = fn.End
		if addr%2 != 0 {
			addr++
		}
		for addr%4 != 0 {
			// Zero padding between a thumb function and a word-aligned
			// successor.
			half, ok := module.HalfAt(addr)
			if !ok || half != 0 {
				break
			}
			addr += 2
		}
	}
	return functions
}

// Symbols renders the analysis results as symbol database entries: the
// function itself with its resolved size, a local label per branch target,
// a pool constant per literal slot and the jump tables.
func (f *Function) Symbols() []sym.Symbol {
	size := f.Size()
	kind := sym.Function(f.Mode(), size)
	kind.Unknown = f.Unknown
	symbols := []sym.Symbol{{Name: f.Name, Kind: kind, Addr: f.Start}}
	for _, label := range f.Labels {
		symbols = append(symbols, sym.Symbol{
			Name:  sym.LabelName(label),
			Kind:  sym.Label(f.Mode()),
			Addr:  label,
			Local: true,
		})
	}
	for _, pool := range f.Pools {
		symbols = append(symbols, sym.Symbol{
			Name:  sym.LabelName(pool),
			Kind:  sym.PoolConstant(),
			Addr:  pool,
			Local: true,
		})
	}
	for _, table := range f.Tables {
		symbols = append(symbols, sym.Symbol{
			Name:  sym.LabelName(table.Addr),
			Kind:  sym.JumpTable(table.Size(), table.Code),
			Addr:  table.Addr,
			Local: true,
		})
	}
	return symbols
}

// References returns the raw cross-references of the function body: calls,
// branches that leave the function, and every pool word or table word whose
// value points into a known module. The caller classifies them.
func (f *Function) References(module *nds.Module, space *nds.AddressSpace) []reloc.Reference {
	refs := make([]reloc.Reference, 0, len(f.refs)+len(f.Pools))
	for _, ref := range f.refs {
		if ref.Kind == reloc.ArmBranch && f.Contains(ref.Target) {
			continue
		}
		refs = append(refs, ref)
	}
	for _, slot := range f.Pools {
		value, ok := module.WordAt(slot)
		if !ok {
			continue
		}
		if module.Kind.IsOverlay() && value == uint32(module.Kind.Id) {
			refs = append(refs, reloc.Reference{From: slot, Kind: reloc.OverlayId, Target: value})
			continue
		}
		lookup := value &^ 1
		if len(space.ResolveModule(value)) > 0 || len(space.ResolveModule(lookup)) > 0 {
			refs = append(refs, reloc.Reference{From: slot, Kind: reloc.Load, Target: value})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].From < refs[j].From })
	return refs
}
