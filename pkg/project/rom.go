package project

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

// RomConfig inventories a pre-extracted program: one binary per module
// with its load address, uninitialized tail and section table. Produced by
// whatever tool unpacked the image; consumed only by init. Paths are
// relative to the directory holding the file.
type RomConfig struct {
	Arm9      RomModule     `yaml:"arm9"`
	Itcm      *RomModule    `yaml:"itcm,omitempty"`
	Dtcm      *RomModule    `yaml:"dtcm,omitempty"`
	Autoloads []RomAutoload `yaml:"autoloads,omitempty"`
	Overlays  []RomOverlay  `yaml:"overlays,omitempty"`
}

// RomModule locates one module binary inside the extract directory.
type RomModule struct {
	Bin      string       `yaml:"bin"`
	Base     uint32       `yaml:"base"`
	BssSize  uint32       `yaml:"bss_size,omitempty"`
	Sections []RomSection `yaml:"sections"`
}

type RomAutoload struct {
	Index     uint16 `yaml:"index"`
	RomModule `yaml:",inline"`
}

type RomOverlay struct {
	Id        uint16 `yaml:"id"`
	RomModule `yaml:",inline"`
}

// RomSection declares one section of a module. Start and end are absolute
// addresses in the module's window.
type RomSection struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end"`
	Align uint32 `yaml:"align"`
}

func LoadRomConfig(path string) (*RomConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &RomConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, utils.MakeError(ErrConfig, "%v", err))
	}
	if config.Arm9.Bin == "" {
		return nil, fmt.Errorf("%s: %w", path, utils.MakeError(ErrConfig, "arm9 has no bin path"))
	}
	return config, nil
}

// Load reads the module binary and assembles an nds.Module with the
// declared sections.
func (m *RomModule) Load(dir, name string, kind nds.ModuleKind) (*nds.Module, error) {
	code, err := os.ReadFile(resolve(dir, m.Bin))
	if err != nil {
		return nil, err
	}
	sections := nds.NewSections()
	for _, declared := range m.Sections {
		sectionKind, err := nds.ParseSectionKind(declared.Kind)
		if err != nil {
			return nil, utils.MakeError(ErrConfig, "module '%s' section '%s': %v", name, declared.Name, err)
		}
		section := nds.Section{
			Name:  declared.Name,
			Kind:  sectionKind,
			Start: declared.Start,
			End:   declared.End,
			Align: declared.Align,
		}
		if err := sections.Add(section); err != nil {
			return nil, utils.MakeError(ErrConfig, "module '%s': %v", name, err)
		}
	}
	module := &nds.Module{
		Name:     name,
		Kind:     kind,
		Base:     m.Base,
		Code:     code,
		BssSize:  m.BssSize,
		Sections: sections,
	}
	return module, nil
}

// Modules loads every binary the rom config names, in address space order:
// arm9, itcm, dtcm, plain autoloads, overlays.
func (c *RomConfig) Modules(dir string) ([]*nds.Module, error) {
	modules := make([]*nds.Module, 0, 3+len(c.Autoloads)+len(c.Overlays))

	main, err := c.Arm9.Load(dir, "main", nds.Main)
	if err != nil {
		return nil, err
	}
	modules = append(modules, main)

	if c.Itcm != nil {
		itcm, err := c.Itcm.Load(dir, "itcm", nds.Itcm)
		if err != nil {
			return nil, err
		}
		modules = append(modules, itcm)
	}
	if c.Dtcm != nil {
		dtcm, err := c.Dtcm.Load(dir, "dtcm", nds.Dtcm)
		if err != nil {
			return nil, err
		}
		modules = append(modules, dtcm)
	}
	for i := range c.Autoloads {
		autoload := &c.Autoloads[i]
		name := fmt.Sprintf("autoload_%d", autoload.Index)
		module, err := autoload.Load(dir, name, nds.Autoload(autoload.Index))
		if err != nil {
			return nil, err
		}
		modules = append(modules, module)
	}
	for i := range c.Overlays {
		overlay := &c.Overlays[i]
		name := fmt.Sprintf("ov%03d", overlay.Id)
		module, err := overlay.Load(dir, name, nds.Overlay(overlay.Id))
		if err != nil {
			return nil, err
		}
		modules = append(modules, module)
	}
	return modules, nil
}
