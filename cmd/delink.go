package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"dsdelink/pkg/delink"
	"dsdelink/pkg/project"
	"dsdelink/pkg/utils"
)

var delinkCmd = &cobra.Command{
	Use:   "delink",
	Short: "Split every module into relocatable ELF objects",
	Long: `Verifies that each module's delinks listing partitions its sections,
synthesizes objects for the unclaimed gaps, and writes one relocatable ELF
per source file under the project's delinks path. Files marked complete are
skipped; their objects come from the build directory.

Example:
  dsdelink delink -c project/config.yaml`,
	Run: runDelink,
}

func init() {
	RootCmd.AddCommand(delinkCmd)
}

func runDelink(cmd *cobra.Command, args []string) {
	proj := loadProject()
	delinksDir := proj.Resolve(proj.Config.DelinksPath)

	workers := pool.New().WithErrors()
	for _, data := range proj.Modules {
		workers.Go(func() error {
			return delinkModule(proj, data, delinksDir)
		})
	}
	if err := workers.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error delinking: %v\n", err)
		os.Exit(2)
	}
	okColor.Printf("Objects written to %s\n", delinksDir)
}

func delinkModule(proj *project.Project, data *project.ModuleData, delinksDir string) error {
	name := data.Module.Name
	filled, err := data.Layout.FillGaps(name)
	if err != nil {
		return fmt.Errorf("module '%s': %w", name, err)
	}
	if violations := filled.Verify(); len(violations) > 0 {
		for _, violation := range violations {
			slog.Error("layout violation", "module", name, "error", violation)
		}
		return utils.MakeError(delink.ErrLayoutMismatch, "module '%s': %d layout violations", name, len(violations))
	}

	units, err := delink.Delink(data.Module, filled, proj.Symbols, data.Relocations)
	if err != nil {
		return fmt.Errorf("module '%s': %w", name, err)
	}

	written := 0
	for i := range units {
		unit := &units[i]
		if unit.Complete {
			continue
		}
		objPath := filepath.Join(delinksDir, objectFileName(unit.Path))
		if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
			return err
		}
		if err := delink.SaveObject(objPath, unit); err != nil {
			return fmt.Errorf("unit '%s': %w", unit.Path, err)
		}
		written++
	}
	slog.Info("module delinked", "module", name, "objects", written)
	return nil
}

// objectFileName maps a unit's source path to its object path relative to
// the delinks directory, keeping the directory structure.
func objectFileName(unitPath string) string {
	trimmed := strings.TrimSuffix(unitPath, filepath.Ext(unitPath))
	return filepath.FromSlash(trimmed) + ".o"
}
