package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dsdelink/pkg/arm"
	"dsdelink/pkg/project"
	"dsdelink/pkg/sig"
	"dsdelink/pkg/sym"
)

var (
	sigFunction string
	sigIndex    int
	sigName     string
	sigAll      bool
	sigDry      bool
)

var sigCmd = &cobra.Command{
	Use:   "sig",
	Short: "Capture and apply function signatures",
	Long: `Signatures identify well-known library functions across projects.
A signature records a function's bytes with the position-dependent bits
(call displacements, pool constants) masked out, so the same function is
recognized wherever it was linked.`,
}

var sigNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Capture a signature from a named function",
	Long: `Captures the named function's masked byte pattern together with its
relocations and prints the signature entry as YAML on stdout.

Example:
  dsdelink sig new -c project/config.yaml --function strlen >> sigs.yaml`,
	Run: runSigNew,
}

var sigListCmd = &cobra.Command{
	Use:   "list <signatures.yaml>",
	Short: "List the entries of a signatures file",
	Args:  cobra.ExactArgs(1),
	Run:   runSigList,
}

var sigApplyCmd = &cobra.Command{
	Use:   "apply <signatures.yaml>",
	Short: "Match signatures against the project's unknown functions",
	Long: `Runs each chosen signature over every module. A unique match renames
the unknown function it identifies; a signature matching several functions
is reported and applied to none of them.

Example:
  dsdelink sig apply sigs.yaml -c project/config.yaml --all`,
	Args: cobra.ExactArgs(1),
	Run:  runSigApply,
}

func init() {
	RootCmd.AddCommand(sigCmd)
	sigCmd.AddCommand(sigNewCmd, sigListCmd, sigApplyCmd)

	sigNewCmd.Flags().StringVarP(&sigFunction, "function", "f", "", "Function to capture")
	cobra.CheckErr(sigNewCmd.MarkFlagRequired("function"))
	sigNewCmd.Flags().IntVarP(&sigIndex, "index", "n", -1, "Candidate index when the name is ambiguous")

	sigApplyCmd.Flags().StringVarP(&sigName, "signature", "s", "", "Apply only the named signature")
	sigApplyCmd.Flags().BoolVarP(&sigAll, "all", "a", false, "Apply every signature in the file")
	sigApplyCmd.Flags().BoolVarP(&sigDry, "dry", "d", false, "Match without writing the listings back")
}

func runSigNew(cmd *cobra.Command, args []string) {
	proj := loadProject()

	type found struct {
		data   *project.ModuleData
		symbol *sym.Symbol
	}
	var candidates []found
	for _, data := range proj.Modules {
		symbols := proj.Symbols.Get(data.Module.Kind)
		if symbols == nil {
			continue
		}
		symbol := symbols.ByName(sigFunction)
		if symbol != nil && symbol.Kind.Type == sym.TypeFunction {
			candidates = append(candidates, found{data, symbol})
		}
	}

	switch {
	case len(candidates) == 0:
		fmt.Fprintf(os.Stderr, "No function found with name '%s'\n", sigFunction)
		os.Exit(1)
	case len(candidates) > 1 && sigIndex < 0:
		fmt.Fprintf(os.Stderr, "Multiple functions found with name '%s':\n", sigFunction)
		for i, candidate := range candidates {
			fmt.Fprintf(os.Stderr, "  %d: in %s at address %#010x\n", i, candidate.data.Module.Name, candidate.symbol.Addr)
		}
		fmt.Fprintln(os.Stderr, "Please specify an index with --index to choose one of them.")
		os.Exit(1)
	}
	pick := candidates[0]
	if sigIndex >= 0 {
		if sigIndex >= len(candidates) {
			fmt.Fprintf(os.Stderr, "Index %d out of range, %d candidates\n", sigIndex, len(candidates))
			os.Exit(1)
		}
		pick = candidates[sigIndex]
	}

	thumb := pick.symbol.Kind.Mode == sym.ModeThumb
	function, err := arm.AnalyzeFunction(pick.data.Module, pick.symbol.Name, pick.symbol.Addr, thumb, arm.DefaultAnalysisConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error analyzing function: %v\n", err)
		os.Exit(2)
	}
	entry, err := sig.Capture(function, pick.data.Module, proj.Symbols, pick.data.Relocations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error capturing signature: %v\n", err)
		os.Exit(2)
	}
	if err := sig.WriteEntries(os.Stdout, []sig.Entry{*entry}); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing signature: %v\n", err)
		os.Exit(2)
	}
}

func runSigList(cmd *cobra.Command, args []string) {
	entries, err := sig.LoadEntries(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading signatures: %v\n", err)
		os.Exit(1)
	}
	for i := range entries {
		fmt.Printf("%s (%d bytes)\n", entries[i].Name, entries[i].Length())
	}
}

func runSigApply(cmd *cobra.Command, args []string) {
	if !sigAll && sigName == "" {
		fmt.Fprintln(os.Stderr, "No signature specified. Use --signature or --all to apply signatures.")
		os.Exit(1)
	}

	proj := loadProject()
	entries, err := sig.LoadEntries(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading signatures: %v\n", err)
		os.Exit(1)
	}
	if sigName != "" {
		entry := sig.ByName(entries, sigName)
		if entry == nil {
			fmt.Fprintf(os.Stderr, "No signature named '%s'\n", sigName)
			os.Exit(1)
		}
		entries = []sig.Entry{*entry}
	}

	modules := proj.NdsModules()
	applied := 0
	for i := range entries {
		entry := &entries[i]
		fmt.Printf("Applying signature: %s\n", entry.Name)
		match, err := sig.Apply(entry, modules, proj.Symbols)
		switch {
		case errors.Is(err, sig.ErrAmbiguousSignature):
			warnColor.Println("Multiple matching functions found, cannot apply signature")
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error applying signature: %v\n", err)
			os.Exit(2)
		case match == nil:
			fmt.Println("No matching function found")
		default:
			okColor.Printf("Matched %s at %#010x in %s\n", match.Symbol.Name, match.Symbol.Addr, match.Module.Name)
			applied++
		}
	}

	if sigDry {
		fmt.Println("Dry run enabled, no changes were written")
		return
	}
	if applied > 0 {
		if err := proj.WriteListings(); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing listings: %v\n", err)
			os.Exit(2)
		}
	}
}
