package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Report project statistics",
}

var dumpRelocsCmd = &cobra.Command{
	Use:   "relocs",
	Short: "Summarize relocations per module",
	Long: `Counts each module's relocations by kind and lists the ones still
needing attention: unresolved sites and ambiguous shared-window
destinations.`,
	Run: runDumpRelocs,
}

var dumpSymbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Summarize symbols per module",
	Run:   runDumpSymbols,
}

var dumpMapCmd = &cobra.Command{
	Use:   "map",
	Short: "Draw each module's section layout",
	Run:   runDumpMap,
}

func init() {
	RootCmd.AddCommand(dumpCmd)
	dumpCmd.AddCommand(dumpRelocsCmd, dumpSymbolsCmd, dumpMapCmd)
}

func runDumpRelocs(cmd *cobra.Command, args []string) {
	proj := loadProject()
	for _, data := range proj.Modules {
		relocs := data.Relocations.All()
		titleColor.Printf("%s: %d relocations\n", data.Module.Name, len(relocs))

		byKind := map[string]int{}
		unresolved, ambiguous := 0, 0
		for _, relocation := range relocs {
			byKind[relocation.Kind.String()]++
			if relocation.Destination.IsNone() {
				unresolved++
			}
			if relocation.Destination.IsAmbiguous() {
				ambiguous++
			}
		}
		kinds := make([]string, 0, len(byKind))
		for kind := range byKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("  %-16s %d\n", kind, byKind[kind])
		}
		if unresolved > 0 {
			errorColor.Printf("  %d unresolved\n", unresolved)
		}
		if ambiguous > 0 {
			warnColor.Printf("  %d ambiguous destinations\n", ambiguous)
			for _, relocation := range relocs {
				if relocation.Destination.IsAmbiguous() {
					warnColor.Printf("    %s\n", relocation)
				}
			}
		}
	}
}

func runDumpSymbols(cmd *cobra.Command, args []string) {
	proj := loadProject()
	for _, data := range proj.Modules {
		symbols := proj.Symbols.Get(data.Module.Kind)
		if symbols == nil {
			continue
		}
		titleColor.Printf("%s: %d symbols\n", data.Module.Name, symbols.Len())

		functions, unknown, ambiguous, other := 0, 0, 0, 0
		for _, symbol := range symbols.Symbols() {
			switch {
			case symbol.Kind.Type == sym.TypeFunction:
				functions++
				if symbol.Kind.Unknown {
					unknown++
				}
			default:
				other++
			}
			if symbol.Ambiguous {
				ambiguous++
			}
		}
		fmt.Printf("  %-16s %d\n", "functions", functions)
		fmt.Printf("  %-16s %d\n", "data", other)
		if unknown > 0 {
			warnColor.Printf("  %d functions still unnamed\n", unknown)
		}
		if ambiguous > 0 {
			warnColor.Printf("  %d ambiguous shared-window symbols\n", ambiguous)
		}
	}
}

func runDumpMap(cmd *cobra.Command, args []string) {
	proj := loadProject()
	for _, data := range proj.Modules {
		sections := data.Module.Sections
		if sections.Len() == 0 {
			continue
		}
		base, end := sections.Range()
		titleColor.Printf("%s at 0x%08x:\n", data.Module.Name, base)

		fields := make([]utils.FrameField, 0, sections.Len())
		for _, section := range sections.SortedByAddress() {
			fields = append(fields, utils.FrameField{
				Name:  section.Name,
				Begin: int(section.Start - base),
				Width: int(section.Size()),
			})
		}
		fmt.Print(utils.DrawFrame(fields, int(end-base), "bytes", 2))
		fmt.Println()
	}
}
