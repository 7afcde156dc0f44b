// Package project ties the delinker together: the config.yaml that names
// every module's binary and listing files, loading those into an address
// space with symbols and relocations, the cross-reference analysis pass,
// and writing the refined listings back out.
package project

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

var ErrConfig = errors.New("invalid project config")

// Config is the top-level config.yaml. All paths inside are relative to
// the directory holding the file.
type Config struct {
	RomConfig   string           `yaml:"rom_config"`
	BuildPath   string           `yaml:"build_path"`
	DelinksPath string           `yaml:"delinks_path"`
	MainModule  ConfigModule     `yaml:"main_module"`
	Autoloads   []ConfigAutoload `yaml:"autoloads"`
	Overlays    []ConfigOverlay  `yaml:"overlays"`
}

// ConfigModule names one module's binary and its three listing files.
type ConfigModule struct {
	Name string `yaml:"name"`
	// The module's raw binary.
	Object string `yaml:"object"`
	// 64-bit FNV-1a of the binary, to catch a changed dump.
	Hash        string `yaml:"hash"`
	Delinks     string `yaml:"delinks"`
	Symbols     string `yaml:"symbols"`
	Relocations string `yaml:"relocations"`
}

type ConfigAutoload struct {
	Kind         string `yaml:"kind"`
	ConfigModule `yaml:",inline"`
}

type ConfigOverlay struct {
	Id           uint16 `yaml:"id"`
	ConfigModule `yaml:",inline"`
}

// ConfigEntry pairs one config module with its resolved kind, in config
// order: main first, then autoloads, then overlays.
type ConfigEntry struct {
	Kind   nds.ModuleKind
	Module *ConfigModule
}

// Entries lists every module of the config in its canonical order.
func (c *Config) Entries() ([]ConfigEntry, error) {
	entries := []ConfigEntry{{Kind: nds.Main, Module: &c.MainModule}}
	for i := range c.Autoloads {
		kind, err := nds.ParseModuleKind(c.Autoloads[i].Kind)
		if err != nil {
			return nil, utils.MakeError(ErrConfig, "autoload '%s': %v", c.Autoloads[i].Name, err)
		}
		entries = append(entries, ConfigEntry{Kind: kind, Module: &c.Autoloads[i].ConfigModule})
	}
	for i := range c.Overlays {
		entries = append(entries, ConfigEntry{Kind: nds.Overlay(c.Overlays[i].Id), Module: &c.Overlays[i].ConfigModule})
	}
	return entries, nil
}

// ByKind returns the config module for a module kind, or nil.
func (c *Config) ByKind(kind nds.ModuleKind) *ConfigModule {
	entries, err := c.Entries()
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.Kind == kind {
			return entry.Module
		}
	}
	return nil
}

func ReadConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, utils.MakeError(ErrConfig, "%v", err)
	}
	if config.MainModule.Object == "" {
		return nil, utils.MakeError(ErrConfig, "main_module has no object path")
	}
	return config, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := ReadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CodeHash fingerprints a module binary. Listings regenerated against a
// different dump are worthless, so the hash is stored in the config and
// checked on load.
func CodeHash(code []byte) string {
	hasher := fnv.New64a()
	hasher.Write(code)
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// resolve joins a config-relative path with the config's directory.
func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
