package project

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dsdelink/pkg/delink"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

var ErrProject = errors.New("project load failed")

// ModuleData is one loaded module with everything the pipeline knows about
// it: the raw image, its file layout plan and its relocation set. Symbols
// live in the shared Project.Symbols database.
type ModuleData struct {
	Config      *ConfigModule
	Module      *nds.Module
	Layout      *delink.Layout
	Relocations *reloc.Relocations
}

// Project is a fully loaded config.yaml: every module binary, every
// listing, one address space.
type Project struct {
	// Dir is the directory of config.yaml; all config paths resolve
	// against it.
	Dir     string
	Config  *Config
	Modules []*ModuleData
	Symbols *sym.SymbolMaps
	Space   *nds.AddressSpace
}

// Load reads a config.yaml and everything it references. A missing
// symbols or relocations listing is an empty one, so a fresh init output
// loads cleanly; a missing delinks listing is an error because it carries
// the module's section table.
func Load(configPath string) (*Project, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(configPath)

	project := &Project{
		Dir:     dir,
		Config:  config,
		Symbols: sym.NewSymbolMaps(),
		Space:   nds.NewAddressSpace(),
	}

	entries, err := config.Entries()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := project.loadModule(entry.Kind, entry.Module)
		if err != nil {
			return nil, fmt.Errorf("module '%s': %w", entry.Module.Name, err)
		}
		project.Modules = append(project.Modules, data)
		if err := project.Space.AddModule(data.Module); err != nil {
			return nil, utils.MakeError(ErrProject, "module '%s': %v", entry.Module.Name, err)
		}
	}
	return project, nil
}

func (p *Project) loadModule(kind nds.ModuleKind, config *ConfigModule) (*ModuleData, error) {
	code, err := os.ReadFile(p.Resolve(config.Object))
	if err != nil {
		return nil, err
	}
	if config.Hash != "" && config.Hash != CodeHash(code) {
		slog.Warn("module binary does not match its recorded hash",
			"module", config.Name, "object", config.Object)
	}

	layout, err := delink.LoadLayout(p.Resolve(config.Delinks))
	if err != nil {
		return nil, err
	}
	if layout.Sections.Len() == 0 {
		return nil, utils.MakeError(ErrProject, "delinks listing '%s' declares no sections", config.Delinks)
	}

	start, end := layout.Sections.Range()
	module := &nds.Module{
		Name:     config.Name,
		Kind:     kind,
		Base:     start,
		Code:     code,
		Sections: layout.Sections,
	}
	if total := end - start; total > uint32(len(code)) {
		module.BssSize = total - uint32(len(code))
	}

	symbols, err := loadOptionalSymbols(p.Resolve(config.Symbols))
	if err != nil {
		return nil, err
	}
	p.Symbols.Set(kind, symbols)

	relocations, err := loadOptionalRelocations(p.Resolve(config.Relocations))
	if err != nil {
		return nil, err
	}

	return &ModuleData{
		Config:      config,
		Module:      module,
		Layout:      layout,
		Relocations: relocations,
	}, nil
}

func loadOptionalSymbols(path string) (*sym.SymbolMap, error) {
	symbols, err := sym.LoadSymbols(path)
	if errors.Is(err, os.ErrNotExist) {
		return sym.NewSymbolMap(), nil
	}
	return symbols, err
}

func loadOptionalRelocations(path string) (*reloc.Relocations, error) {
	relocations, err := reloc.LoadRelocations(path)
	if errors.Is(err, os.ErrNotExist) {
		return reloc.NewRelocations(), nil
	}
	return relocations, err
}

// Resolve joins a config-relative path with the config directory.
func (p *Project) Resolve(path string) string {
	return resolve(p.Dir, path)
}

// Main returns the main module's data.
func (p *Project) Main() *ModuleData {
	return p.Modules[0]
}

// ByKind returns the data of one module, or nil.
func (p *Project) ByKind(kind nds.ModuleKind) *ModuleData {
	for _, data := range p.Modules {
		if data.Module.Kind == kind {
			return data
		}
	}
	return nil
}

// NdsModules lists the raw modules in config order.
func (p *Project) NdsModules() []*nds.Module {
	return utils.Map(p.Modules, func(data *ModuleData) *nds.Module { return data.Module })
}

// WriteListings writes every module's symbols and relocations listings
// back to the paths the config names.
func (p *Project) WriteListings() error {
	for _, data := range p.Modules {
		symbols := p.Symbols.Get(data.Module.Kind)
		if symbols == nil {
			symbols = sym.NewSymbolMap()
		}
		if err := sym.SaveSymbols(p.Resolve(data.Config.Symbols), symbols); err != nil {
			return err
		}
		if err := reloc.SaveRelocations(p.Resolve(data.Config.Relocations), data.Relocations); err != nil {
			return err
		}
	}
	return nil
}

// WriteDelinks writes every module's delinks listing. Only init changes
// these; later passes leave the curated file layout alone.
func (p *Project) WriteDelinks() error {
	for _, data := range p.Modules {
		if err := delink.SaveLayout(p.Resolve(data.Config.Delinks), data.Layout); err != nil {
			return err
		}
	}
	return nil
}
