package sig

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdelink/pkg/nds"
	"dsdelink/pkg/sym"
)

func unknownFunction(size uint32) sym.SymbolKind {
	kind := sym.Function(sym.ModeArm, size)
	kind.Unknown = true
	return kind
}

func retZeroEntry() *Entry {
	return &Entry{
		Name:    "ret_zero",
		Bitmask: encode(bytes.Repeat([]byte{0xff}, 8)),
		Pattern: encode(words(0xe3a00000, 0xe12fff1e)),
	}
}

func TestMatch(t *testing.T) {
	entries := []Entry{*retZeroEntry()}
	code := words(0xe3a00000, 0xe12fff1e)

	unknown := &sym.Symbol{Name: "func_02000000", Kind: unknownFunction(8), Addr: 0x02000000}
	entry, err := Match(unknown, code, entries)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "ret_zero", entry.Name)

	known := &sym.Symbol{Name: "already_named", Kind: sym.Function(sym.ModeArm, 8), Addr: 0x02000000}
	entry, err = Match(known, code, entries)
	require.NoError(t, err)
	assert.Nil(t, entry)

	data := &sym.Symbol{Name: "blob", Kind: sym.Data(sym.DataAny, nil), Addr: 0x02000000}
	entry, err = Match(data, code, entries)
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = Match(unknown, words(0xe3a00001, 0xe12fff1e), entries)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestApplyRenames(t *testing.T) {
	// The same bytes appear twice, but only the first copy is an unknown
	// function, so the signature identifies exactly one candidate.
	module := sigModule(t, 0x02000000, words(
		0xe3a00000, 0xe12fff1e,
		0xe3a00000, 0xe12fff1e,
	))
	symbols := sym.NewSymbolMaps()
	main := symbols.GetOrCreate(nds.Main)
	require.NoError(t, main.Insert(sym.Symbol{
		Name: "func_02000000", Kind: unknownFunction(8), Addr: 0x02000000,
	}))
	require.NoError(t, main.Insert(sym.Symbol{
		Name: "already_named", Kind: sym.Function(sym.ModeArm, 8), Addr: 0x02000008,
	}))
	overlay := symbols.GetOrCreate(nds.Overlay(3))
	overlay.AddAmbiguous(sym.Symbol{
		Name: "func_02000000", Kind: unknownFunction(8), Addr: 0x02300000,
	})

	match, err := Apply(retZeroEntry(), []*nds.Module{module}, symbols)
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.Equal(t, "ret_zero", match.Symbol.Name)
	assert.Equal(t, uint32(0x02000000), match.Symbol.Addr)
	assert.False(t, match.Symbol.Kind.Unknown)
	assert.Nil(t, main.ByName("func_02000000"))
	require.NotNil(t, main.ByName("ret_zero"))

	// The ambiguous sibling follows the rename but keeps its own flags.
	assert.Nil(t, overlay.ByName("func_02000000"))
	sibling := overlay.ByName("ret_zero")
	require.NotNil(t, sibling)
	assert.True(t, sibling.Ambiguous)
	assert.True(t, sibling.Kind.Unknown)
}

func TestApplyAmbiguous(t *testing.T) {
	module := sigModule(t, 0x02000000, words(
		0xe3a00000, 0xe12fff1e,
		0xe3a00000, 0xe12fff1e,
	))
	symbols := sym.NewSymbolMaps()
	main := symbols.GetOrCreate(nds.Main)
	require.NoError(t, main.Insert(sym.Symbol{
		Name: "func_02000000", Kind: unknownFunction(8), Addr: 0x02000000,
	}))
	require.NoError(t, main.Insert(sym.Symbol{
		Name: "func_02000008", Kind: unknownFunction(8), Addr: 0x02000008,
	}))

	match, err := Apply(retZeroEntry(), []*nds.Module{module}, symbols)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousSignature)
	assert.Contains(t, err.Error(), "matches 2 functions")
	assert.Nil(t, match)

	// Nothing was renamed or resolved.
	require.NotNil(t, main.ByName("func_02000000"))
	require.NotNil(t, main.ByName("func_02000008"))
	assert.True(t, main.ByName("func_02000000").Kind.Unknown)
}

func TestApplyNoMatch(t *testing.T) {
	module := sigModule(t, 0x02000000, words(0xe3a00007, 0xe12fff1e))
	symbols := sym.NewSymbolMaps()
	require.NoError(t, symbols.GetOrCreate(nds.Main).Insert(sym.Symbol{
		Name: "func_02000000", Kind: unknownFunction(8), Addr: 0x02000000,
	}))

	match, err := Apply(retZeroEntry(), []*nds.Module{module}, symbols)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestFindMatchesOrder(t *testing.T) {
	first := sigModule(t, 0x02000000, words(0xe3a00000, 0xe12fff1e))
	second := sigModule(t, 0x02300000, words(0xe3a00000, 0xe12fff1e))
	second.Name = "ov003"
	second.Kind = nds.Overlay(3)

	symbols := sym.NewSymbolMaps()
	require.NoError(t, symbols.GetOrCreate(nds.Main).Insert(sym.Symbol{
		Name: "func_02000000", Kind: unknownFunction(8), Addr: 0x02000000,
	}))
	require.NoError(t, symbols.GetOrCreate(nds.Overlay(3)).Insert(sym.Symbol{
		Name: "func_ov003_02300000", Kind: unknownFunction(8), Addr: 0x02300000,
	}))

	matches, err := FindMatches(retZeroEntry(), []*nds.Module{second, first}, symbols)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "func_ov003_02300000", matches[0].Symbol.Name)
	assert.Equal(t, "func_02000000", matches[1].Symbol.Name)
}
