package project

import (
	"fmt"
	"os"
	"path/filepath"

	"dsdelink/pkg/arm"
	"dsdelink/pkg/delink"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

// InitOptions shapes a fresh project.
type InitOptions struct {
	// OutDir receives config.yaml and the per-module listing tree.
	OutDir string
	// BuildDir is where the relink build will put objects and binaries.
	BuildDir string
	// SkipRelocAnalysis leaves relocs and analysis symbols out; the
	// listings will be incomplete.
	SkipRelocAnalysis bool
	AllowUnknownCalls bool
}

// Initialize analyzes a pre-extracted program into a new project: function
// discovery over every executable section, cross-reference analysis, and a
// config naming the listing files. Nothing is written; call WriteAll on
// the returned project for that.
func Initialize(romConfigPath string, opts InitOptions) (*Project, *Report, error) {
	rom, err := LoadRomConfig(romConfigPath)
	if err != nil {
		return nil, nil, err
	}
	modules, err := rom.Modules(filepath.Dir(romConfigPath))
	if err != nil {
		return nil, nil, err
	}

	project := &Project{
		Dir:     opts.OutDir,
		Symbols: sym.NewSymbolMaps(),
		Space:   nds.NewAddressSpace(),
	}
	for _, module := range modules {
		if err := project.Space.AddModule(module); err != nil {
			return nil, nil, utils.MakeError(ErrProject, "module '%s': %v", module.Name, err)
		}
		discoverFunctions(module, project.Symbols.GetOrCreate(module.Kind))
	}

	config := &Config{
		RomConfig:   relativize(opts.OutDir, romConfigPath),
		BuildPath:   relativize(opts.OutDir, opts.BuildDir),
		DelinksPath: relativize(opts.OutDir, filepath.Join(opts.BuildDir, "delinks")),
	}
	for _, module := range modules {
		entry := configModule(module, rom, romConfigPath, opts.OutDir)
		switch {
		case module.Kind == nds.Main:
			config.MainModule = entry
		case module.Kind.IsOverlay():
			config.Overlays = append(config.Overlays, ConfigOverlay{Id: module.Kind.Id, ConfigModule: entry})
		default:
			config.Autoloads = append(config.Autoloads, ConfigAutoload{Kind: module.Kind.String(), ConfigModule: entry})
		}
	}
	project.Config = config

	entries, err := config.Entries()
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		module := project.Space.Module(entry.Kind)
		project.Modules = append(project.Modules, &ModuleData{
			Config:      entry.Module,
			Module:      module,
			Layout:      delink.NewLayout(module.Sections),
			Relocations: reloc.NewRelocations(),
		})
	}

	report := &Report{}
	if !opts.SkipRelocAnalysis {
		report = project.AnalyzeCrossReferences(AnalysisOptions{AllowUnknownCalls: opts.AllowUnknownCalls})
	}
	return project, report, nil
}

// discoverFunctions walks every executable section and records each found
// function with its labels and pool constants.
func discoverFunctions(module *nds.Module, symbols *sym.SymbolMap) {
	sections := module.Sections.All()
	for i := range sections {
		if !sections[i].Kind.IsExecutable() {
			continue
		}
		for _, function := range arm.FindFunctions(module, &sections[i], arm.DefaultAnalysisConfig()) {
			for _, symbol := range function.Symbols() {
				symbols.AddIfNewAddress(symbol)
			}
		}
	}
}

// configModule builds the config entry for one module, with the listing
// files laid out as outDir/<listings> for main, outDir/<name>/ for
// autoloads and outDir/overlays/<name>/ for overlays.
func configModule(module *nds.Module, rom *RomConfig, romConfigPath, outDir string) ConfigModule {
	romDir := filepath.Dir(romConfigPath)
	listingDir := ""
	switch {
	case module.Kind == nds.Main:
	case module.Kind.IsOverlay():
		listingDir = filepath.Join("overlays", module.Name)
	default:
		listingDir = module.Name
	}
	object := relativize(outDir, resolve(romDir, romBin(rom, module.Kind)))
	return ConfigModule{
		Name:        module.Name,
		Object:      object,
		Hash:        CodeHash(module.Code),
		Delinks:     filepath.Join(listingDir, "delinks.txt"),
		Symbols:     filepath.Join(listingDir, "symbols.txt"),
		Relocations: filepath.Join(listingDir, "relocs.txt"),
	}
}

// romBin finds the binary path the rom config declared for a module kind.
func romBin(rom *RomConfig, kind nds.ModuleKind) string {
	switch {
	case kind == nds.Main:
		return rom.Arm9.Bin
	case kind == nds.Itcm && rom.Itcm != nil:
		return rom.Itcm.Bin
	case kind == nds.Dtcm && rom.Dtcm != nil:
		return rom.Dtcm.Bin
	case kind.Type == nds.ModuleTypeAutoload:
		for i := range rom.Autoloads {
			if rom.Autoloads[i].Index == kind.Id {
				return rom.Autoloads[i].Bin
			}
		}
	case kind.IsOverlay():
		for i := range rom.Overlays {
			if rom.Overlays[i].Id == kind.Id {
				return rom.Overlays[i].Bin
			}
		}
	}
	return ""
}

// relativize rewrites path relative to dir when possible, else keeps it.
func relativize(dir, path string) string {
	if dir == "" || path == "" {
		return path
	}
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}

// WriteAll writes config.yaml and every listing of a fresh project,
// creating module directories as needed. Later passes use WriteListings
// so the curated delinks files stay untouched.
func (p *Project) WriteAll() error {
	for _, data := range p.Modules {
		if err := os.MkdirAll(filepath.Dir(p.Resolve(data.Config.Delinks)), 0o755); err != nil {
			return err
		}
	}
	if err := SaveConfig(filepath.Join(p.Dir, "config.yaml"), p.Config); err != nil {
		return err
	}
	if err := p.WriteDelinks(); err != nil {
		return err
	}
	return p.WriteListings()
}

// String renders a short per-module summary for logs.
func (d *ModuleData) String() string {
	start, end := d.Module.Range()
	return fmt.Sprintf("%s [0x%08x,0x%08x) %d file(s)", d.Module.Name, start, end, len(d.Layout.Files))
}
