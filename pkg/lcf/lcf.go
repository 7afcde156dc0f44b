package lcf

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"dsdelink/pkg/delink"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

var ErrScript = errors.New("cannot synthesize link order")

// ModuleInput is one module to place: its loaded image, its gap-filled
// layout and the path of the binary the linker writes for it.
type ModuleInput struct {
	Module *nds.Module
	Layout *delink.Layout
	Output string
}

// Region is one linker memory region. Static modules anchor at Origin;
// overlay regions instead start after the regions named in After.
type Region struct {
	Name   string
	Origin uint32
	After  []string
	Output string
}

// SectionBlock lists the objects contributing to one output section of a
// module, in link order. Boundary feeds the NAME_START/NAME_END symbols
// around the block.
type SectionBlock struct {
	Name     string
	Boundary string
	Align    uint32
	Objects  []string
}

// ModuleBlock is the SECTIONS entry of one module.
type ModuleBlock struct {
	Name      string
	Memory    string
	OverlayId *uint16
	Sections  []SectionBlock
}

// Script is the complete synthesized link order. Objects holds every
// object file path in link order, complete files pointing at their
// externally built object.
type Script struct {
	Keep    []string
	Regions []Region
	Modules []ModuleBlock
	Objects []string
}

// MemoryName returns the linker memory region name of a module.
func MemoryName(kind nds.ModuleKind) string {
	switch kind.Type {
	case nds.ModuleTypeMain:
		return "ARM9"
	case nds.ModuleTypeItcm:
		return "ITCM"
	case nds.ModuleTypeDtcm:
		return "DTCM"
	case nds.ModuleTypeAutoload:
		return fmt.Sprintf("AUTOLOAD_%d", kind.Id)
	default:
		return fmt.Sprintf("OV%03d", kind.Id)
	}
}

// BlockName returns the output section name of a module.
func BlockName(kind nds.ModuleKind) string {
	switch kind.Type {
	case nds.ModuleTypeMain:
		return ".arm9"
	case nds.ModuleTypeItcm:
		return ".itcm"
	case nds.ModuleTypeDtcm:
		return ".dtcm"
	case nds.ModuleTypeAutoload:
		return fmt.Sprintf(".autoload_%d", kind.Id)
	default:
		return fmt.Sprintf(".ov%03d", kind.Id)
	}
}

// BoundaryName returns the section's part of the start/end symbols placed
// around its block, ".text" becoming TEXT.
func BoundaryName(section string) string {
	return strings.ToUpper(strings.TrimPrefix(section, "."))
}

// ObjectName returns the object file name linked for a source file,
// "src/main.c" becoming "main.o".
func ObjectName(file string) string {
	base := path.Base(file)
	return strings.TrimSuffix(base, path.Ext(base)) + ".o"
}

// ObjectPath returns the path of a file's object in the objects list.
// Complete files resolve against the build directory, generated units
// against the delinks directory.
func ObjectPath(file *delink.DelinkFile, buildDir, delinksDir string) string {
	dir := delinksDir
	if file.Complete {
		dir = buildDir
	}
	return path.Join(dir, strings.TrimSuffix(file.Path, path.Ext(file.Path))+".o")
}

// Synthesize builds the link order of a full module set. Inputs keep their
// order inside each kind; layouts must already tile their sections (gap
// files included) so object order matches address order.
func Synthesize(inputs []ModuleInput, buildDir, delinksDir string) (*Script, error) {
	var main *ModuleInput
	var autoloads, overlays []ModuleInput
	for i := range inputs {
		input := &inputs[i]
		switch input.Module.Kind.Type {
		case nds.ModuleTypeMain:
			if main != nil {
				return nil, utils.MakeError(ErrScript, "two main modules")
			}
			main = input
		case nds.ModuleTypeOverlay:
			overlays = append(overlays, *input)
		default:
			autoloads = append(autoloads, *input)
		}
	}
	if main == nil {
		return nil, utils.MakeError(ErrScript, "no main module")
	}

	staticEnd, lastStatic := StaticEnd(main.Module, modules(autoloads))
	groups, err := AnalyzeOverlayGroups(staticEnd, modules(overlays))
	if err != nil {
		return nil, err
	}

	script := &Script{Keep: []string{".init", ".ctor"}}
	script.Regions = append(script.Regions, Region{
		Name:   MemoryName(nds.Main),
		Origin: main.Module.Base,
		Output: main.Output,
	})
	for _, autoload := range autoloads {
		script.Regions = append(script.Regions, Region{
			Name:   MemoryName(autoload.Module.Kind),
			Origin: autoload.Module.Base,
			Output: autoload.Output,
		})
	}
	outputs := map[uint16]string{}
	for _, overlay := range overlays {
		outputs[overlay.Module.Kind.Id] = overlay.Output
	}
	for _, group := range groups {
		after := []string{lastStatic}
		if len(group.After) > 0 {
			after = utils.Map(group.After, func(id uint16) string { return MemoryName(nds.Overlay(id)) })
		}
		for _, id := range group.Overlays {
			script.Regions = append(script.Regions, Region{
				Name:   MemoryName(nds.Overlay(id)),
				After:  after,
				Output: outputs[id],
			})
		}
	}

	ordered := append([]ModuleInput{*main}, autoloads...)
	ordered = append(ordered, overlays...)
	for i := range ordered {
		input := &ordered[i]
		script.Modules = append(script.Modules, moduleBlock(input))
		for j := range input.Layout.Files {
			script.Objects = append(script.Objects, ObjectPath(&input.Layout.Files[j], buildDir, delinksDir))
		}
	}
	return script, nil
}

func modules(inputs []ModuleInput) []*nds.Module {
	return utils.Map(inputs, func(input ModuleInput) *nds.Module { return input.Module })
}

func moduleBlock(input *ModuleInput) ModuleBlock {
	kind := input.Module.Kind
	block := ModuleBlock{Name: BlockName(kind), Memory: MemoryName(kind)}
	if kind.IsOverlay() {
		id := kind.Id
		block.OverlayId = &id
	}
	for _, section := range input.Layout.Sections.SortedByAddress() {
		placed := SectionBlock{
			Name:     section.Name,
			Boundary: BoundaryName(section.Name),
			Align:    section.Align,
		}
		for i := range input.Layout.Files {
			file := &input.Layout.Files[i]
			if file.ClaimsSection(section.Name) {
				placed.Objects = append(placed.Objects, ObjectName(file.Path))
			}
		}
		block.Sections = append(block.Sections, placed)
	}
	return block
}
