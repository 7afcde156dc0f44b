package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"dsdelink/pkg/arm"
	"dsdelink/pkg/delink"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/project"
	"dsdelink/pkg/reloc"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

var disOutDir string

var disCmd = &cobra.Command{
	Use:   "dis",
	Short: "Write annotated assembly listings for every delink file",
	Long: `Disassembles each file of every module the way the analysis sees it:
functions with local labels, literal pools and jump tables, data as word
directives. Call and load sites are annotated with the symbol they resolve
to; ambiguous shared-window targets are marked.

Without --asm-dir the listings print to stdout with syntax highlighting.

Example:
  dsdelink dis -c project/config.yaml -a project/asm`,
	Run: runDis,
}

func init() {
	RootCmd.AddCommand(disCmd)
	disCmd.Flags().StringVarP(&disOutDir, "asm-dir", "a", "", "Directory for per-file listings (default: stdout)")
}

func runDis(cmd *cobra.Command, args []string) {
	proj := loadProject()
	written := 0
	for _, data := range proj.Modules {
		for i := range data.Layout.Files {
			file := &data.Layout.Files[i]
			text, err := disassembleFile(proj, data, file)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error disassembling %s: %v\n", file.Path, err)
				os.Exit(2)
			}
			if disOutDir == "" {
				titleColor.Printf("// %s: %s\n", data.Module.Name, file.Path)
				for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
					fmt.Println(utils.HighlightAsm(line))
				}
				fmt.Println()
				continue
			}
			outPath := filepath.Join(disOutDir, data.Module.Name, asmFileName(file.Path))
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", filepath.Dir(outPath), err)
				os.Exit(2)
			}
			if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outPath, err)
				os.Exit(2)
			}
			written++
		}
	}
	if disOutDir != "" {
		okColor.Printf("Wrote %d listings to %s\n", written, disOutDir)
	}
}

// asmFileName maps a source path to its listing path, "src/main.c"
// becoming "src/main.s".
func asmFileName(path string) string {
	trimmed := strings.TrimSuffix(path, filepath.Ext(path))
	return filepath.FromSlash(trimmed) + ".s"
}

func disassembleFile(proj *project.Project, data *project.ModuleData, file *delink.DelinkFile) (string, error) {
	out := &strings.Builder{}
	fmt.Fprintf(out, "// %s", file.Path)
	if file.Complete {
		fmt.Fprint(out, " (complete)")
	}
	fmt.Fprintln(out)

	for _, r := range file.Ranges {
		section := data.Module.Sections.ByName(r.Section)
		if section == nil {
			return "", fmt.Errorf("file '%s' claims unknown section '%s'", file.Path, r.Section)
		}
		fmt.Fprintf(out, "\n\t.section %s\n", r.Section)
		writeRange(out, proj, data, section, r)
	}
	return out.String(), nil
}

// segment is a run of one symbol's bytes inside a claimed range. The
// symbol is nil for bytes before the first symbol.
type segment struct {
	symbol *sym.Symbol
	start  uint32
	end    uint32
}

func rangeSegments(symbols *sym.SymbolMap, r delink.SectionRange) []segment {
	var segments []segment
	for _, s := range symbols.Symbols() {
		if s.Addr < r.Start || s.Addr >= r.End {
			continue
		}
		if len(segments) == 0 && s.Addr > r.Start {
			segments = append(segments, segment{start: r.Start})
		}
		segments = append(segments, segment{symbol: s, start: s.Addr})
	}
	if len(segments) == 0 {
		segments = append(segments, segment{start: r.Start})
	}
	for i := range segments {
		if i+1 < len(segments) {
			segments[i].end = segments[i+1].start
		} else {
			segments[i].end = r.End
		}
	}
	return segments
}

func writeRange(out *strings.Builder, proj *project.Project, data *project.ModuleData, section *nds.Section, r delink.SectionRange) {
	symbols := proj.Symbols.Get(data.Module.Kind)
	if symbols == nil {
		symbols = sym.NewSymbolMap()
	}

	for _, seg := range rangeSegments(symbols, r) {
		if seg.symbol != nil {
			fmt.Fprintf(out, "%s: // 0x%08x\n", seg.symbol.Name, seg.start)
		}
		switch {
		case section.Kind == nds.SectionBss:
			fmt.Fprintf(out, "\t.space 0x%x\n", seg.end-seg.start)
		case section.Kind.IsExecutable() && seg.symbol != nil && seg.symbol.Kind.Type == sym.TypeFunction:
			writeFunction(out, proj, data, seg)
		default:
			writeWords(out, proj, data, seg.start, seg.end)
		}
	}
}

func writeFunction(out *strings.Builder, proj *project.Project, data *project.ModuleData, seg segment) {
	thumb := seg.symbol.Kind.Mode == sym.ModeThumb
	fn, err := arm.AnalyzeFunction(data.Module, seg.symbol.Name, seg.start, thumb, arm.DefaultAnalysisConfig())
	if err != nil {
		fmt.Fprintf(out, "\t// analysis failed: %v\n", err)
		writeWords(out, proj, data, seg.start, seg.end)
		return
	}

	labels := map[uint32]bool{}
	for _, label := range fn.Labels {
		labels[label] = true
	}
	// Pool slots and data table entries are literal bytes inside the
	// function's extent, not instructions.
	slots := map[uint32]uint32{}
	for _, pool := range fn.Pools {
		slots[pool] = 4
	}
	for _, table := range fn.Tables {
		if table.Code {
			continue
		}
		for addr := table.Addr; addr < table.End(); addr += table.Width {
			slots[addr] = table.Width
		}
	}

	addr := fn.Start
	for addr < fn.End {
		if labels[addr] {
			fmt.Fprintf(out, "%s:\n", sym.LabelName(addr))
		}
		if width, ok := slots[addr]; ok {
			writeSlot(out, proj, data, addr, width)
			addr += width
			continue
		}
		var text string
		var size uint32
		if thumb {
			first, _ := data.Module.HalfAt(addr)
			second, _ := data.Module.HalfAt(addr + 2)
			text, size = arm.ThumbText(addr, first, second)
		} else {
			word, ok := data.Module.WordAt(addr)
			if !ok {
				break
			}
			text, size = arm.ArmText(word), 4
		}
		fmt.Fprintf(out, "\t%s%s\n", text, relocNote(proj, data, addr, " -> "))
		addr += size
	}
	if addr < seg.end {
		writeWords(out, proj, data, addr, seg.end)
	}
}

func writeSlot(out *strings.Builder, proj *project.Project, data *project.ModuleData, addr, width uint32) {
	if width == 2 {
		half, _ := data.Module.HalfAt(addr)
		fmt.Fprintf(out, "\t.hword 0x%04x\n", half)
		return
	}
	word, _ := data.Module.WordAt(addr)
	fmt.Fprintf(out, "\t.word 0x%08x%s\n", word, relocNote(proj, data, addr, " ="))
}

func writeWords(out *strings.Builder, proj *project.Project, data *project.ModuleData, start, end uint32) {
	addr := start
	for addr < end {
		if addr%4 == 0 && end-addr >= 4 {
			word, _ := data.Module.WordAt(addr)
			fmt.Fprintf(out, "\t.word 0x%08x%s\n", word, relocNote(proj, data, addr, " ="))
			addr += 4
			continue
		}
		raw := data.Module.At(addr, 1)
		if len(raw) == 0 {
			break
		}
		fmt.Fprintf(out, "\t.byte 0x%02x\n", raw[0])
		addr++
	}
}

// relocNote renders the symbol comment of a relocated site, marking
// ambiguous shared-window destinations.
func relocNote(proj *project.Project, data *project.ModuleData, addr uint32, arrow string) string {
	relocation, ok := data.Relocations.At(addr)
	if !ok {
		return ""
	}
	name := destinationName(proj, relocation)
	if name == "" {
		return fmt.Sprintf(" //%smodule:%s", arrow, relocation.Destination)
	}
	note := " //" + arrow + name
	if relocation.Addend != 0 {
		note += fmt.Sprintf("%+d", relocation.Addend)
	}
	if relocation.Destination.IsAmbiguous() {
		note += fmt.Sprintf(" (in %s)", relocation.Destination)
	}
	return note
}

func destinationName(proj *project.Project, relocation reloc.Relocation) string {
	kind, ok := relocation.Destination.First()
	if !ok {
		return ""
	}
	symbols := proj.Symbols.Get(kind)
	if symbols == nil {
		return ""
	}
	if symbol := symbols.At(relocation.To); symbol != nil {
		return symbol.Name
	}
	return ""
}
