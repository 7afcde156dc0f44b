package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"dsdelink/pkg/project"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse modules and symbols interactively",
	Long: `Opens a terminal browser over the project: the module list on the
left, the selected module's symbol table on the right. Press / to
filter symbols by name, Escape to leave the filter or table, q to quit.

Example:
  dsdelink browse -c project/config.yaml`,
	Run: runBrowse,
}

func init() {
	RootCmd.AddCommand(browseCmd)
}

func runBrowse(cmd *cobra.Command, args []string) {
	proj := loadProject()

	app := tview.NewApplication()

	table := tview.NewTable().SetSelectable(true, false).SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" symbols ")

	filter := tview.NewInputField().SetLabel(" / ").SetFieldWidth(0)

	current := 0
	refill := func() {
		fillSymbolTable(table, proj, proj.Modules[current], filter.GetText())
	}

	modules := tview.NewList().ShowSecondaryText(false)
	modules.SetBorder(true).SetTitle(" modules ")
	for _, data := range proj.Modules {
		modules.AddItem(data.Module.Name, "", 0, nil)
	}
	modules.SetChangedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		current = index
		refill()
	})
	modules.SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		app.SetFocus(table)
	})

	filter.SetChangedFunc(func(text string) {
		refill()
	})
	filter.SetDoneFunc(func(key tcell.Key) {
		app.SetFocus(table)
	})

	refill()

	browser := tview.NewFlex().
		AddItem(modules, 0, 1, true).
		AddItem(table, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(browser, 0, 1, true).
		AddItem(filter, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == filter {
			return event
		}
		switch {
		case event.Key() == tcell.KeyRune && event.Rune() == 'q':
			app.Stop()
			return nil
		case event.Key() == tcell.KeyRune && event.Rune() == '/':
			app.SetFocus(filter)
			return nil
		case event.Key() == tcell.KeyEscape && app.GetFocus() == table:
			app.SetFocus(modules)
			return nil
		}
		return event
	})

	if err := app.SetRoot(root, true).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running browser: %v\n", err)
		os.Exit(1)
	}
}

// fillSymbolTable rebuilds the symbol table for one module, keeping only
// symbols whose name contains the filter text.
func fillSymbolTable(table *tview.Table, proj *project.Project, data *project.ModuleData, needle string) {
	table.Clear()
	for column, header := range []string{"name", "kind", "address"} {
		table.SetCell(0, column, tview.NewTableCell(header).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}
	symbols := proj.Symbols.Get(data.Module.Kind)
	if symbols == nil {
		return
	}
	needle = strings.ToLower(needle)
	row := 1
	for _, symbol := range symbols.Symbols() {
		if needle != "" && !strings.Contains(strings.ToLower(symbol.Name), needle) {
			continue
		}
		table.SetCell(row, 0, tview.NewTableCell(symbol.Name).SetExpansion(1))
		table.SetCell(row, 1, tview.NewTableCell(symbol.Kind.String()))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("0x%08x", symbol.Addr)))
		row++
	}
	table.ScrollToBeginning()
}
