package nds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModule(t *testing.T, kind ModuleKind, name string, start, end uint32, sectionKind SectionKind) *Module {
	t.Helper()

	sections := NewSections()
	sectionName := ".text"
	if sectionKind != SectionCode {
		sectionName = ".data"
	}
	require.NoError(t, sections.Add(Section{Name: sectionName, Kind: sectionKind, Start: start, End: end, Align: 4}))

	module := &Module{
		Name:     name,
		Kind:     kind,
		Base:     start,
		Code:     make([]byte, end-start),
		Sections: sections,
	}
	return module
}

func TestResolveModule_SingleOwner(t *testing.T) {
	space := NewAddressSpace()
	require.NoError(t, space.AddModule(testModule(t, Main, "main", 0x02000000, 0x02100000, SectionCode)))
	require.NoError(t, space.AddModule(testModule(t, Itcm, "itcm", 0x01ff8000, 0x01ffc000, SectionCode)))

	candidates := space.ResolveModule(0x02000010)
	require.Len(t, candidates, 1)
	assert.Equal(t, Main, candidates[0])

	candidates = space.ResolveModule(0x01ff8000)
	require.Len(t, candidates, 1)
	assert.Equal(t, Itcm, candidates[0])

	assert.Empty(t, space.ResolveModule(0x08000000))
}

func TestResolveModule_OverlappingOverlaysAscendingOrder(t *testing.T) {
	space := NewAddressSpace()
	require.NoError(t, space.AddModule(testModule(t, Main, "main", 0x02000000, 0x02100000, SectionCode)))
	// Overlays 3 and 7 share a memory window; register 7 first to prove the
	// result order does not depend on registration order.
	require.NoError(t, space.AddModule(testModule(t, Overlay(7), "ov007", 0x02100000, 0x02108000, SectionCode)))
	require.NoError(t, space.AddModule(testModule(t, Overlay(3), "ov003", 0x02100000, 0x02108000, SectionCode)))

	candidates := space.ResolveModule(0x02100010)
	require.Len(t, candidates, 2)
	assert.Equal(t, Overlay(3), candidates[0])
	assert.Equal(t, Overlay(7), candidates[1])
}

func TestAddModule_RejectsNonOverlayOverlap(t *testing.T) {
	space := NewAddressSpace()
	require.NoError(t, space.AddModule(testModule(t, Main, "main", 0x02000000, 0x02100000, SectionCode)))

	err := space.AddModule(testModule(t, Overlay(0), "ov000", 0x020fff00, 0x02108000, SectionCode))
	assert.ErrorIs(t, err, ErrModuleOverlap)
	assert.ErrorIs(t, err, ErrLayout)

	err = space.AddModule(testModule(t, Itcm, "itcm", 0x02000000, 0x02004000, SectionCode))
	assert.ErrorIs(t, err, ErrModuleOverlap)
}

func TestAddModule_RejectsDuplicateKind(t *testing.T) {
	space := NewAddressSpace()
	require.NoError(t, space.AddModule(testModule(t, Overlay(1), "ov001", 0x02100000, 0x02104000, SectionCode)))

	err := space.AddModule(testModule(t, Overlay(1), "ov001", 0x02100000, 0x02104000, SectionCode))
	assert.ErrorIs(t, err, ErrLayout)
}

func TestSectionContaining_PerModule(t *testing.T) {
	space := NewAddressSpace()
	require.NoError(t, space.AddModule(testModule(t, Main, "main", 0x02000000, 0x02100000, SectionCode)))

	section := space.SectionContaining(Main, 0x02000000)
	require.NotNil(t, section)
	assert.Equal(t, ".text", section.Name)

	assert.Nil(t, space.SectionContaining(Main, 0x02100000))
	assert.Nil(t, space.SectionContaining(Overlay(9), 0x02000000))
}

func TestParseModuleKind_RoundTrips(t *testing.T) {
	kinds := []ModuleKind{Main, Itcm, Dtcm, Overlay(0), Overlay(131), Autoload(2), {}}
	for _, kind := range kinds {
		parsed, err := ParseModuleKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseModuleKind("overlay(x)")
	assert.ErrorIs(t, err, ErrModuleKind)
	_, err = ParseModuleKind("arm7")
	assert.ErrorIs(t, err, ErrModuleKind)
}

func TestModuleKindIndex_TotalOrder(t *testing.T) {
	ordered := []ModuleKind{Main, Itcm, Dtcm, Autoload(0), Autoload(1), Overlay(0), Overlay(1), Overlay(200)}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].Index(), ordered[i].Index(),
			"%s should order before %s", ordered[i-1], ordered[i])
	}
}

func TestModuleWordAt_ReadsLittleEndian(t *testing.T) {
	module := &Module{
		Name: "main",
		Kind: Main,
		Base: 0x02000000,
		Code: []byte{0x78, 0x56, 0x34, 0x12, 0xff, 0xff},
	}

	word, ok := module.WordAt(0x02000000)
	require.True(t, ok)
	assert.Equal(t, uint32(0x12345678), word)

	_, ok = module.WordAt(0x02000002)
	assert.False(t, ok, "unaligned read")
	_, ok = module.WordAt(0x02000004)
	assert.False(t, ok, "word crosses end of image")
	_, ok = module.WordAt(0x01fffffc)
	assert.False(t, ok, "read below base")
}
