package reloc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

// Destination names the module(s) a relocation resolves into. Three shapes:
// none (target outside every known module), exactly one module, or a set of
// overlays whose load ranges all contain the target. The overlay set keeps
// ascending id order and its first entry is the default pick for emission.
type Destination struct {
	modules []nds.ModuleKind
}

var ErrDestination = errors.New("invalid relocation destination")

// DestinationNone is the zero value: the relocation binds to no module.
func DestinationNone() Destination {
	return Destination{}
}

func DestinationTo(kind nds.ModuleKind) Destination {
	return Destination{modules: []nds.ModuleKind{kind}}
}

// DestinationOverlays builds an overlays destination. Ids are deduplicated
// and sorted ascending.
func DestinationOverlays(ids []uint16) (Destination, error) {
	if len(ids) == 0 {
		return Destination{}, utils.MakeError(ErrDestination, "empty overlay set")
	}
	seen := map[uint16]bool{}
	modules := make([]nds.ModuleKind, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		modules = append(modules, nds.Overlay(id))
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Id < modules[j].Id })
	if len(modules) == 1 {
		return DestinationTo(modules[0]), nil
	}
	return Destination{modules: modules}, nil
}

// DestinationFromCandidates builds a destination from the modules whose
// sections contain a target address. A mix of overlay and non-overlay
// candidates cannot happen in a valid layout and is rejected.
func DestinationFromCandidates(candidates []nds.ModuleKind) (Destination, error) {
	switch len(candidates) {
	case 0:
		return DestinationNone(), nil
	case 1:
		return DestinationTo(candidates[0]), nil
	}
	ids := make([]uint16, 0, len(candidates))
	for _, kind := range candidates {
		if !kind.IsOverlay() {
			return Destination{}, utils.MakeError(ErrDestination,
				"address claimed by %s and %d other module(s)", kind, len(candidates)-1)
		}
		ids = append(ids, kind.Id)
	}
	return DestinationOverlays(ids)
}

func (d Destination) IsNone() bool {
	return len(d.modules) == 0
}

// IsAmbiguous reports whether more than one module can own the target.
func (d Destination) IsAmbiguous() bool {
	return len(d.modules) > 1
}

// Single returns the destination module when exactly one is named.
func (d Destination) Single() (nds.ModuleKind, bool) {
	if len(d.modules) == 1 {
		return d.modules[0], true
	}
	return nds.ModuleKind{}, false
}

// First is the default module pick: the only module, or the lowest-id
// overlay of an ambiguous set. Returns false for none.
func (d Destination) First() (nds.ModuleKind, bool) {
	if len(d.modules) == 0 {
		return nds.ModuleKind{}, false
	}
	return d.modules[0], true
}

// Modules lists every candidate module, ascending by index. The slice is
// shared; callers must not mutate it.
func (d Destination) Modules() []nds.ModuleKind {
	return d.modules
}

// Contains reports whether kind is one of the destination's candidates.
func (d Destination) Contains(kind nds.ModuleKind) bool {
	for _, candidate := range d.modules {
		if candidate == kind {
			return true
		}
	}
	return false
}

// Narrow restricts an ambiguous destination to a single candidate after
// later evidence settles the owner.
func (d Destination) Narrow(kind nds.ModuleKind) (Destination, error) {
	if !d.Contains(kind) {
		return Destination{}, utils.MakeError(ErrDestination, "%s is not a candidate of %s", kind, d)
	}
	return DestinationTo(kind), nil
}

func (d Destination) String() string {
	switch len(d.modules) {
	case 0:
		return "none"
	case 1:
		return d.modules[0].String()
	}
	ids := utils.Map(d.modules, func(kind nds.ModuleKind) string {
		return fmt.Sprintf("%d", kind.Id)
	})
	return fmt.Sprintf("overlays(%s)", strings.Join(ids, ","))
}

// ParseDestination parses a module token: none, main, itcm, dtcm,
// autoload(N), overlay(N) or overlays(N,M,...).
func ParseDestination(text string) (Destination, error) {
	if text == "none" {
		return DestinationNone(), nil
	}
	if args, ok := strings.CutPrefix(text, "overlays("); ok {
		args, ok = strings.CutSuffix(args, ")")
		if !ok {
			return Destination{}, utils.MakeError(listing.ErrParse, "module token '%s'", text)
		}
		var ids []uint16
		for _, field := range strings.Split(args, ",") {
			id, err := listing.ParseUint(strings.TrimSpace(field))
			if err != nil {
				return Destination{}, err
			}
			ids = append(ids, uint16(id))
		}
		destination, err := DestinationOverlays(ids)
		if err != nil {
			return Destination{}, utils.MakeError(listing.ErrParse, "module token '%s': %v", text, err)
		}
		return destination, nil
	}
	kind, err := nds.ParseModuleKind(text)
	if err != nil {
		return Destination{}, err
	}
	if kind.IsNone() {
		return DestinationNone(), nil
	}
	return DestinationTo(kind), nil
}
