// Package lcf synthesizes the link order of a delinked program: memory
// regions, overlay placement groups and per-module section blocks listing
// every file's object in layout order. The result is a data structure;
// rendering it as linker-script text is left to the caller.
package lcf

import (
	"errors"
	"sort"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

// ErrOverlayGroups reports overlays whose start address matches no known
// end address, leaving them impossible to place relative to other modules.
var ErrOverlayGroups = errors.New("disconnected overlay groups")

// OverlayGroup is a set of overlays sharing one load address. The first
// group starts where the static modules end; every later group starts at
// the end of an overlay in an earlier group and links after the overlays
// named in After.
type OverlayGroup struct {
	Start    uint32
	End      uint32
	Overlays []uint16
	After    []uint16
}

// StaticEnd returns the end address of the contiguous static modules (the
// main program plus any plain autoloads loaded directly after it) and the
// memory region name of the last one. Itcm and dtcm live in their own
// address spaces and never extend the chain.
func StaticEnd(main *nds.Module, autoloads []*nds.Module) (uint32, string) {
	_, end := main.Range()
	name := MemoryName(main.Kind)

	sorted := append([]*nds.Module(nil), autoloads...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Base < sorted[b].Base })
	for _, autoload := range sorted {
		if autoload.Kind.Type != nds.ModuleTypeAutoload {
			continue
		}
		if autoload.Base == end {
			_, end = autoload.Range()
			name = MemoryName(autoload.Kind)
		}
	}
	return end, name
}

// AnalyzeOverlayGroups partitions the overlays into placement groups. The
// first group collects every overlay starting at staticEnd; the remaining
// overlays are connected group by group, each chained to the end address
// of an overlay already placed.
func AnalyzeOverlayGroups(staticEnd uint32, overlays []*nds.Module) ([]OverlayGroup, error) {
	extents := map[uint16]*nds.Module{}
	for _, overlay := range overlays {
		extents[overlay.Kind.Id] = overlay
	}
	endOf := func(id uint16) uint32 {
		_, end := extents[id].Range()
		return end
	}

	first := OverlayGroup{Start: staticEnd}
	var ungrouped []uint16
	for _, overlay := range overlays {
		if overlay.Base == staticEnd {
			first.Overlays = append(first.Overlays, overlay.Kind.Id)
			first.End = utils.Max([]uint32{first.End, endOf(overlay.Kind.Id)})
		} else {
			ungrouped = append(ungrouped, overlay.Kind.Id)
		}
	}
	groups := []OverlayGroup{first}

	// Breadth of connections: every new group may itself precede more
	// ungrouped overlays, so it joins the worklist.
	connect := []int{0}
	for len(ungrouped) > 0 {
		if len(connect) == 0 {
			return nil, utils.MakeError(ErrOverlayGroups,
				"%d overlay(s) start at no known end address, first at %s",
				len(ungrouped), listing.FormatAddr(extents[ungrouped[0]].Base))
		}
		parent := connect[len(connect)-1]
		connect = connect[:len(connect)-1]

		for _, parentId := range groups[parent].Overlays {
			parentEnd := endOf(parentId)

			var members, rest []uint16
			for _, id := range ungrouped {
				if extents[id].Base == parentEnd {
					members = append(members, id)
				} else {
					rest = append(rest, id)
				}
			}
			if len(members) == 0 {
				continue
			}
			ungrouped = rest

			group := OverlayGroup{Start: parentEnd, Overlays: members}
			for _, id := range members {
				group.End = utils.Max([]uint32{group.End, endOf(id)})
			}
			for _, id := range groups[parent].Overlays {
				if endOf(id) <= parentEnd {
					group.After = append(group.After, id)
				}
			}
			groups = append(groups, group)
			connect = append(connect, len(groups)-1)
		}
	}
	return groups, nil
}
