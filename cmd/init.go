package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"dsdelink/pkg/project"
)

var (
	initRomConfig    string
	initOutDir       string
	initBuildDir     string
	initDry          bool
	initSkipRelocs   bool
	initUnknownCalls bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a delinker project from extracted module binaries",
	Long: `Analyzes the module binaries named by an extract config, discovers
function boundaries, resolves cross-module references and writes a fresh
project: config.yaml plus per-module symbols, relocations and delinks
listings. The listings are the starting point for manual curation.

Example:
  dsdelink init -r extract/rom.yaml -o project -b project/build`,
	Run: runInit,
}

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVarP(&initRomConfig, "rom-config", "r", "", "Extract config naming the module binaries")
	cobra.CheckErr(initCmd.MarkFlagRequired("rom-config"))
	initCmd.Flags().StringVarP(&initOutDir, "output", "o", "", "Project output directory")
	cobra.CheckErr(initCmd.MarkFlagRequired("output"))
	initCmd.Flags().StringVarP(&initBuildDir, "build", "b", "", "Build directory recorded in the config (default: <output>/build)")
	initCmd.Flags().BoolVar(&initDry, "dry", false, "Analyze without writing any files")
	initCmd.Flags().BoolVar(&initSkipRelocs, "skip-reloc-analysis", false, "Skip cross-reference analysis")
	initCmd.Flags().BoolVar(&initUnknownCalls, "allow-unknown-function-calls", false, "Record calls to unrecognized targets instead of failing the module")
}

func runInit(cmd *cobra.Command, args []string) {
	buildDir := initBuildDir
	if buildDir == "" {
		buildDir = filepath.Join(initOutDir, "build")
	}
	proj, report, err := project.Initialize(initRomConfig, project.InitOptions{
		OutDir:            initOutDir,
		BuildDir:          buildDir,
		SkipRelocAnalysis: initSkipRelocs,
		AllowUnknownCalls: initUnknownCalls,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing project: %v\n", err)
		os.Exit(1)
	}

	for _, data := range proj.Modules {
		fmt.Println(data)
	}
	ok := printReport(report)

	if initDry {
		fmt.Println("Dry run enabled, no changes were written")
		return
	}
	if err := proj.WriteAll(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing project: %v\n", err)
		os.Exit(2)
	}
	okColor.Printf("Project written to %s\n", initOutDir)
	if !ok {
		os.Exit(3)
	}
}
