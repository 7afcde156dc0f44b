package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"dsdelink/pkg/sym"
)

var graphOutput string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the call graph as DOT",
	Long: `Builds the cross-module call graph from the classified call
relocations: every function is a node, every resolved call an edge.
Ambiguous destinations contribute an edge to their first candidate.

Example:
  dsdelink graph -c project/config.yaml -o calls.dot`,
	Run: runGraph,
}

func init() {
	RootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "", "DOT file to write (default: stdout)")
}

func runGraph(cmd *cobra.Command, args []string) {
	proj := loadProject()

	g := &lattice.Graph{}
	for _, data := range proj.Modules {
		symbols := proj.Symbols.Get(data.Module.Kind)
		if symbols == nil {
			continue
		}
		for _, symbol := range symbols.Symbols() {
			if symbol.Kind.Type == sym.TypeFunction {
				g.Nodes = append(g.Nodes, symbol.Name)
			}
		}
		for _, relocation := range data.Relocations.All() {
			if !relocation.Kind.IsCall() {
				continue
			}
			caller := symbols.FunctionContaining(relocation.From)
			if caller == nil {
				continue
			}
			kind, ok := relocation.Destination.First()
			if !ok {
				continue
			}
			targets := proj.Symbols.Get(kind)
			if targets == nil {
				continue
			}
			callee := targets.FunctionAt(relocation.To)
			if callee == nil {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{Caller: caller.Name, Callee: callee.Name})
		}
	}
	g.Dedup()

	dot := render.DOT(g, "call graph")
	if graphOutput == "" {
		fmt.Print(dot)
		return
	}
	if err := os.WriteFile(graphOutput, []byte(dot), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", graphOutput, err)
		os.Exit(2)
	}
	okColor.Printf("Wrote %s (%d nodes, %d edges)\n", graphOutput, len(g.Nodes), len(g.Edges))
}
