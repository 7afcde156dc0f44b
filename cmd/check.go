package cmd

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dsdelink/pkg/sym"
)

var (
	checkElfPath string
	checkFail    bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare a relinked ELF against the project listings",
	Long: `Reads the symbol table of a built ELF and compares every listed
symbol's address against the project's expectation. A relink that moved
anything shows up as a mismatch; a clean run means the objects and link
order reproduce the original placement.

Example:
  dsdelink check -c project/config.yaml -e build/arm9.elf --fail`,
	Run: runCheck,
}

func init() {
	RootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkElfPath, "elf", "e", "", "Built ELF to verify")
	cobra.CheckErr(checkCmd.MarkFlagRequired("elf"))
	checkCmd.Flags().BoolVar(&checkFail, "fail", false, "Exit nonzero when any symbol mismatches")
}

func runCheck(cmd *cobra.Command, args []string) {
	proj := loadProject()

	file, err := elf.Open(checkElfPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", checkElfPath, err)
		os.Exit(1)
	}
	defer file.Close()
	built, err := file.Symbols()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading symbol table: %v\n", err)
		os.Exit(1)
	}
	values := make(map[string]uint32, len(built))
	for _, symbol := range built {
		values[symbol.Name] = uint32(symbol.Value)
	}

	matched, mismatched, missing := 0, 0, 0
	for _, kind := range proj.Symbols.Modules() {
		symbols := proj.Symbols.Get(kind)
		for _, symbol := range symbols.Symbols() {
			if !symbol.ShouldWrite() || symbol.Local {
				continue
			}
			expected := symbol.Addr
			if symbol.Kind.IsCode() && symbol.Kind.Mode == sym.ModeThumb {
				expected |= 1
			}
			got, ok := values[symbol.Name]
			if !ok {
				missing++
				continue
			}
			if got != expected {
				mismatched++
				errorColor.Printf("%s: expected 0x%08x, built 0x%08x (%s)\n", symbol.Name, expected, got, kind)
				continue
			}
			matched++
		}
	}

	okColor.Printf("%d symbols match\n", matched)
	if missing > 0 {
		warnColor.Printf("%d symbols missing from the built ELF\n", missing)
	}
	if mismatched > 0 {
		errorColor.Printf("%d symbols mismatch\n", mismatched)
		if checkFail {
			os.Exit(1)
		}
	}
}
