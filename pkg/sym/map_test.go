package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdelink/pkg/nds"
)

func TestInsert_DuplicateRules(t *testing.T) {
	symbols := NewSymbolMap()
	require.NoError(t, symbols.Insert(Symbol{Name: "update", Kind: Function(ModeArm, 0x20), Addr: 0x02000000}))

	err := symbols.Insert(Symbol{Name: "update", Kind: Function(ModeArm, 0x20), Addr: 0x02000100})
	assert.ErrorIs(t, err, ErrDuplicateSymbol)

	// Local duplicates are allowed, in any order relative to the non-local.
	require.NoError(t, symbols.Insert(Symbol{Name: "update", Kind: Function(ModeThumb, 0x10), Addr: 0x02000200, Local: true}))
	require.NoError(t, symbols.Insert(Symbol{Name: "update", Kind: Function(ModeThumb, 0x10), Addr: 0x02000300, Local: true}))
	assert.Equal(t, 3, symbols.Len())
}

func TestAt_PrefersPrimarySymbol(t *testing.T) {
	symbols := NewSymbolMap()
	symbols.AddAmbiguous(Symbol{Name: "shared", Kind: Data(DataAny, nil), Addr: 0x02100000})
	require.NoError(t, symbols.Insert(Symbol{Name: "real", Kind: Data(DataWord, nil), Addr: 0x02100000}))

	primary := symbols.At(0x02100000)
	require.NotNil(t, primary)
	assert.Equal(t, "real", primary.Name)
}

func TestFunctionAt_IgnoresThumbBit(t *testing.T) {
	symbols := NewSymbolMap()
	require.NoError(t, symbols.Insert(Symbol{Name: "t", Kind: Function(ModeThumb, 0x10), Addr: 0x02000100}))

	assert.NotNil(t, symbols.FunctionAt(0x02000101))
	assert.NotNil(t, symbols.FunctionAt(0x02000100))
	assert.Nil(t, symbols.FunctionAt(0x02000102))
}

func TestResolveSize_GapToNextSymbol(t *testing.T) {
	section := &nds.Section{Name: ".text", Kind: nds.SectionCode, Start: 0x02000000, End: 0x02000100, Align: 4}

	symbols := NewSymbolMap()
	require.NoError(t, symbols.Insert(Symbol{Name: "foo", Kind: UnknownFunction(ModeArm), Addr: 0x02000000}))
	require.NoError(t, symbols.Insert(Symbol{Name: "bar", Kind: Function(ModeArm, 0x80), Addr: 0x02000080}))
	// Internal symbols must not bound foo's size.
	require.NoError(t, symbols.Insert(Symbol{Name: ".L_02000010", Kind: Label(ModeArm), Addr: 0x02000010}))
	require.NoError(t, symbols.Insert(Symbol{Name: "pool", Kind: PoolConstant(), Addr: 0x02000020}))

	foo := symbols.ByName("foo")
	size, err := symbols.ResolveSize(section, foo)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80), size)

	// Explicit sizes pass through untouched.
	bar := symbols.ByName("bar")
	size, err = symbols.ResolveSize(section, bar)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80), size)
}

func TestResolveSize_LastSymbolRunsToSectionEnd(t *testing.T) {
	section := &nds.Section{Name: ".bss", Kind: nds.SectionBss, Start: 0x02060000, End: 0x02060200, Align: 4}

	symbols := NewSymbolMap()
	require.NoError(t, symbols.Insert(Symbol{Name: "arena", Kind: Bss(nil), Addr: 0x02060080}))

	arena := symbols.ByName("arena")
	size, err := symbols.ResolveSize(section, arena)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x180), size)
}

func TestResolveSize_NegativeGapFails(t *testing.T) {
	section := &nds.Section{Name: ".text", Kind: nds.SectionCode, Start: 0x02000000, End: 0x02000100, Align: 4}

	symbols := NewSymbolMap()
	stray := &Symbol{Name: "stray", Kind: UnknownFunction(ModeArm), Addr: 0x02000180}
	_, err := symbols.ResolveSize(section, stray)
	assert.ErrorIs(t, err, ErrOverlappingSymbol)
}

func TestMarkAmbiguous_OnePerNameAndModule(t *testing.T) {
	maps := NewSymbolMaps()
	modules := []nds.ModuleKind{nds.Overlay(3), nds.Overlay(7)}

	maps.MarkAmbiguous("data_02100010", Data(DataAny, nil), 0x02100010, modules)
	maps.MarkAmbiguous("data_02100010", Data(DataAny, nil), 0x02100010, modules)

	for _, module := range modules {
		symbols := maps.Get(module)
		require.NotNil(t, symbols, module.String())
		assert.Equal(t, 1, symbols.Len(), module.String())
		symbol := symbols.At(0x02100010)
		require.NotNil(t, symbol)
		assert.True(t, symbol.Ambiguous)
	}
}

func TestMarkAmbiguous_NeverShadowsConcreteSymbol(t *testing.T) {
	maps := NewSymbolMaps()
	overlay := nds.Overlay(3)
	require.NoError(t, maps.GetOrCreate(overlay).Insert(Symbol{Name: "state", Kind: Data(DataWord, nil), Addr: 0x02100010}))

	maps.MarkAmbiguous("state", Data(DataAny, nil), 0x02100010, []nds.ModuleKind{overlay, nds.Overlay(7)})

	found := maps.Get(overlay).ByName("state")
	require.NotNil(t, found)
	assert.False(t, found.Ambiguous, "concrete symbol must stay primary")
	assert.Equal(t, 1, maps.Get(overlay).Len())

	sibling := maps.Get(nds.Overlay(7)).ByName("state")
	require.NotNil(t, sibling)
	assert.True(t, sibling.Ambiguous)
}

func TestRenameEverywhere_PropagatesToAmbiguousSiblings(t *testing.T) {
	maps := NewSymbolMaps()
	require.NoError(t, maps.GetOrCreate(nds.Overlay(3)).Insert(Symbol{Name: "func_ov003_02100000", Kind: UnknownFunction(ModeArm), Addr: 0x02100000}))
	maps.MarkAmbiguous("func_ov003_02100000", UnknownFunction(ModeArm), 0x02100000, []nds.ModuleKind{nds.Overlay(7)})

	renamed := maps.RenameEverywhere("func_ov003_02100000", "ResetSound")
	assert.Equal(t, 2, renamed)

	assert.NotNil(t, maps.Get(nds.Overlay(3)).ByName("ResetSound"))
	assert.NotNil(t, maps.Get(nds.Overlay(7)).ByName("ResetSound"))
	assert.Nil(t, maps.Get(nds.Overlay(3)).ByName("func_ov003_02100000"))
}

func TestModules_OrderedByModuleIndex(t *testing.T) {
	maps := NewSymbolMaps()
	maps.GetOrCreate(nds.Overlay(5))
	maps.GetOrCreate(nds.Main)
	maps.GetOrCreate(nds.Dtcm)
	maps.GetOrCreate(nds.Overlay(2))

	assert.Equal(t, []nds.ModuleKind{nds.Main, nds.Dtcm, nds.Overlay(2), nds.Overlay(5)}, maps.Modules())
}
