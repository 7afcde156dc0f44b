package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dsdelink/pkg/project"
)

var (
	cfgFile    string
	verbose    bool
	logFile    string
	titleColor = color.New(color.FgCyan, color.Bold)
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	okColor    = color.New(color.FgGreen)
)

// RootCmd is the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "dsdelink",
	Short: "Delink pre-linked Nintendo DS programs back into relocatable objects",
	Long: `dsdelink reverse-engineers a linked DS program (arm9 plus its autoloads
and overlays) back into per-file relocatable ELF objects.

A project starts from pre-extracted module binaries ('dsdelink init'), is
curated through plain-text symbol, relocation and file-layout listings, and
ends with objects and a generated linker script that relink byte-identical
('dsdelink delink', 'dsdelink lcf').`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	RootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "Project config file")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	RootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Mirror logs into this file")
	cobra.CheckErr(viper.BindPFlag("config", RootCmd.PersistentFlags().Lookup("config")))
	cobra.CheckErr(viper.BindPFlag("verbose", RootCmd.PersistentFlags().Lookup("verbose")))
	cobra.CheckErr(viper.BindPFlag("log-file", RootCmd.PersistentFlags().Lookup("log-file")))
}

// initConfig reads in ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix("dsdelink")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// initLogging installs the default slog logger: human-readable text on
// stderr, optionally fanned out to a debug-level file.
func initLogging() {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	if path := viper.GetString("log-file"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)))
}

// loadProject opens the project named by --config.
func loadProject() *project.Project {
	proj, err := project.Load(viper.GetString("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading project: %v\n", err)
		os.Exit(1)
	}
	return proj
}

// printReport summarizes an analysis run and reports whether it had
// module failures.
func printReport(report *project.Report) bool {
	for _, failed := range report.Failed {
		errorColor.Fprintf(os.Stderr, "module %s failed: %v\n", failed.Module, failed.Err)
	}
	if len(report.Unresolved) > 0 {
		warnColor.Fprintf(os.Stderr, "%d unresolved relocations\n", len(report.Unresolved))
	}
	for _, name := range report.Ambiguous {
		warnColor.Fprintf(os.Stderr, "ambiguous symbol: %s\n", name)
	}
	return report.Ok()
}
