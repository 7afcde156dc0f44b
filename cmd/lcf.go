package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"dsdelink/pkg/delink"
	"dsdelink/pkg/lcf"
)

var (
	lcfOutput  string
	lcfObjects string
)

// lcfTemplate renders the synthesized link order as an mwld linker command
// file: one memory region per module (overlays placed AFTER the regions
// they chain off), the overlay id constants, and per-module section blocks
// listing objects in address order with boundary symbols.
const lcfTemplate = `MEMORY {
{{- range .Regions}}
	{{.Name}} : ORIGIN = {{if .After}}AFTER({{join .After ", "}}){{else}}{{hex .Origin}}{{end}} > {{.Output}}
{{- end}}
}

KEEP_SECTION {
{{- range .Keep}}
	{{.}}
{{- end}}
}

{{range .Modules}}{{if .OverlayId}}{{idsym .OverlayId}} = {{.OverlayId}};
{{end}}{{end -}}
SECTIONS {
{{- range .Modules}}
	{{.Name}} : {
{{- range .Sections}}
		ALIGN({{.Align}})
		{{.Boundary}}_START = .;
{{- $section := .Name}}
{{- range .Objects}}
		{{.}} ({{$section}})
{{- end}}
		{{.Boundary}}_END = .;
		ALIGN({{.Align}})
{{- end}}
	} > {{.Memory}}
{{- end}}
}
`

var lcfFuncs = template.FuncMap{
	"hex":  func(v uint32) string { return fmt.Sprintf("0x%08x", v) },
	"join": strings.Join,
	"idsym": func(id *uint16) string {
		return delink.OverlayIdSymbol(*id)
	},
}

var lcfCmd = &cobra.Command{
	Use:   "lcf",
	Short: "Generate the linker command file and objects list",
	Long: `Synthesizes the link order that reproduces the original module
placement: static modules at their base addresses, overlay groups chained
after the regions they overlay, and each module's sections filled with its
delinked objects in address order.

Example:
  dsdelink lcf -c project/config.yaml -o linker.lcf -j objects.txt`,
	Run: runLcf,
}

func init() {
	RootCmd.AddCommand(lcfCmd)
	lcfCmd.Flags().StringVarP(&lcfOutput, "output", "o", "linker.lcf", "Linker command file to write")
	lcfCmd.Flags().StringVarP(&lcfObjects, "objects", "j", "objects.txt", "Objects list file to write")
}

func runLcf(cmd *cobra.Command, args []string) {
	proj := loadProject()

	inputs := make([]lcf.ModuleInput, 0, len(proj.Modules))
	for _, data := range proj.Modules {
		filled, err := data.Layout.FillGaps(data.Module.Name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error filling layout gaps: %v\n", err)
			os.Exit(2)
		}
		inputs = append(inputs, lcf.ModuleInput{
			Module: data.Module,
			Layout: filled,
			Output: filepath.Base(data.Config.Object),
		})
	}

	script, err := lcf.Synthesize(inputs, proj.Config.BuildPath, proj.Config.DelinksPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error synthesizing link order: %v\n", err)
		os.Exit(2)
	}

	rendered := &bytes.Buffer{}
	tmpl := template.Must(template.New("lcf").Funcs(lcfFuncs).Parse(lcfTemplate))
	if err := tmpl.Execute(rendered, script); err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering linker script: %v\n", err)
		os.Exit(2)
	}
	if err := os.WriteFile(lcfOutput, rendered.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", lcfOutput, err)
		os.Exit(2)
	}

	objects := strings.Join(script.Objects, "\n") + "\n"
	if err := os.WriteFile(lcfObjects, []byte(objects), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", lcfObjects, err)
		os.Exit(2)
	}
	okColor.Printf("Wrote %s and %s (%d objects)\n", lcfOutput, lcfObjects, len(script.Objects))
}
