package nds

import (
	"sort"

	"dsdelink/pkg/utils"
)

// AddressSpace answers which modules an address belongs to. It is built once
// per run from the declared module layouts and is read-only afterward, so it
// may be shared freely across concurrent analysis passes.
//
// More than one containing module is only ever possible among overlays:
// main, ITCM, DTCM and autoloads are always resident and must not overlap
// anything, while overlays are time-sliced over shared memory windows.
type AddressSpace struct {
	modules []*Module
	byKind  map[ModuleKind]*Module
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{byKind: make(map[ModuleKind]*Module)}
}

// AddModule registers a module's address range. Fails with a layout error if
// the module's range collides with a non-overlay module, or if two overlays
// share an id.
func (a *AddressSpace) AddModule(module *Module) error {
	if _, exists := a.byKind[module.Kind]; exists {
		return utils.MakeError(ErrLayout, "module %s declared twice", module.Kind)
	}

	start, end := module.Range()
	bothOverlays := func(other *Module) bool {
		return module.Kind.IsOverlay() && other.Kind.IsOverlay()
	}
	for _, other := range a.modules {
		if bothOverlays(other) {
			continue
		}
		otherStart, otherEnd := other.Range()
		if start < otherEnd && otherStart < end {
			return utils.MakeError(ErrModuleOverlap, "%s [0x%08x,0x%08x) overlaps %s [0x%08x,0x%08x)",
				module.Kind, start, end, other.Kind, otherStart, otherEnd)
		}
	}

	a.byKind[module.Kind] = module
	a.modules = append(a.modules, module)
	sort.SliceStable(a.modules, func(i, j int) bool {
		return a.modules[i].Kind.Index() < a.modules[j].Kind.Index()
	})
	return nil
}

// Module returns the registered module of the given kind, or nil.
func (a *AddressSpace) Module(kind ModuleKind) *Module {
	return a.byKind[kind]
}

// Modules returns all registered modules ordered by module kind index.
func (a *AddressSpace) Modules() []*Module {
	return a.modules
}

// ResolveModule returns every module whose declared sections contain addr,
// ordered by module kind index (so multiple overlay candidates come out in
// ascending id order). An empty result means the address belongs to no
// declared module.
func (a *AddressSpace) ResolveModule(addr uint32) []ModuleKind {
	var candidates []ModuleKind
	for _, module := range a.modules {
		if module.Sections.Containing(addr) != nil {
			candidates = append(candidates, module.Kind)
		}
	}
	return candidates
}

// SectionContaining returns the section of the given module containing addr,
// or nil if the module is unregistered or the address is outside it.
func (a *AddressSpace) SectionContaining(kind ModuleKind, addr uint32) *Section {
	module := a.byKind[kind]
	if module == nil {
		return nil
	}
	return module.Sections.Containing(addr)
}
