package delink

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdelink/pkg/nds"
)

func testSections(t *testing.T, sections ...nds.Section) *nds.Sections {
	t.Helper()
	built := nds.NewSections()
	for _, section := range sections {
		require.NoError(t, built.Add(section))
	}
	return built
}

const sampleListing = `    .text       start:0x02000000 end:0x02000100 kind:code align:4
    .data       start:0x02000100 end:0x02000180 kind:data align:4

src/main.c:
    .text       start:0x02000000 end:0x02000080
    .data       start:0x02000100 end:0x02000140

asm/rest.s:
    complete
    .text       start:0x02000080 end:0x02000100
    .data       start:0x02000140 end:0x02000180
`

func TestReadLayout(t *testing.T) {
	layout, err := ReadLayout(strings.NewReader(sampleListing), "delinks.txt")
	require.NoError(t, err)

	assert.Equal(t, 2, layout.Sections.Len())
	text := layout.Sections.ByName(".text")
	require.NotNil(t, text)
	assert.Equal(t, nds.SectionCode, text.Kind)
	assert.Equal(t, uint32(4), text.Align)

	require.Len(t, layout.Files, 2)
	assert.Equal(t, "src/main.c", layout.Files[0].Path)
	assert.False(t, layout.Files[0].Complete)
	assert.Equal(t, []SectionRange{
		{Section: ".text", Start: 0x02000000, End: 0x02000080},
		{Section: ".data", Start: 0x02000100, End: 0x02000140},
	}, layout.Files[0].Ranges)
	assert.Equal(t, "asm/rest.s", layout.Files[1].Path)
	assert.True(t, layout.Files[1].Complete)
}

func TestLayoutRoundTrip(t *testing.T) {
	layout, err := ReadLayout(strings.NewReader(sampleListing), "delinks.txt")
	require.NoError(t, err)

	var first strings.Builder
	require.NoError(t, WriteLayout(&first, layout))
	reparsed, err := ReadLayout(strings.NewReader(first.String()), "delinks.txt")
	require.NoError(t, err)
	var second strings.Builder
	require.NoError(t, WriteLayout(&second, reparsed))
	assert.Equal(t, first.String(), second.String())
}

func TestReadLayoutErrors(t *testing.T) {
	_, err := ReadLayout(strings.NewReader("src/main.c\n"), "delinks.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delinks.txt:1")

	_, err = ReadLayout(strings.NewReader(
		"    .text start:0x02000000 end:0x02000100 kind:code align:4\n\n"+
			"a.c:\n    .data start:0x02000000 end:0x02000010\n"), "delinks.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared section")

	_, err = ReadLayout(strings.NewReader(
		"    .text start:0x02000000 end:0x02000100 kind:code\n"), "delinks.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs align:")
}

func TestVerifyExactPartition(t *testing.T) {
	layout, err := ReadLayout(strings.NewReader(sampleListing), "delinks.txt")
	require.NoError(t, err)
	assert.Empty(t, layout.Verify())
}

func TestVerifyOverlap(t *testing.T) {
	layout := NewLayout(testSections(t, nds.Section{
		Name: ".data", Kind: nds.SectionData, Start: 0x0, End: 0x100, Align: 4,
	}))
	layout.Files = []DelinkFile{
		{Path: "a.c", Ranges: []SectionRange{{Section: ".data", Start: 0x0, End: 0x60}}},
		{Path: "b.c", Ranges: []SectionRange{{Section: ".data", Start: 0x50, End: 0x100}}},
	}

	violations := layout.Verify()
	require.Len(t, violations, 1)
	assert.ErrorIs(t, violations[0], ErrLayoutMismatch)
	assert.Contains(t, violations[0].Error(), "[0x00000050,0x00000060)")
	assert.Contains(t, violations[0].Error(), "a.c")
	assert.Contains(t, violations[0].Error(), "b.c")
}

func TestVerifyGapAndOrder(t *testing.T) {
	layout := NewLayout(testSections(t,
		nds.Section{Name: ".text", Kind: nds.SectionCode, Start: 0x0, End: 0x100, Align: 4},
		nds.Section{Name: ".data", Kind: nds.SectionData, Start: 0x100, End: 0x180, Align: 4},
	))
	layout.Files = []DelinkFile{
		{Path: "a.c", Ranges: []SectionRange{
			{Section: ".text", Start: 0x0, End: 0x80},
			{Section: ".data", Start: 0x140, End: 0x180},
		}},
		{Path: "b.c", Ranges: []SectionRange{
			{Section: ".text", Start: 0xc0, End: 0x100},
			{Section: ".data", Start: 0x100, End: 0x140},
		}},
	}

	violations := layout.Verify()
	require.Len(t, violations, 2)
	// Sorted by address: the .text hole comes before the .data order break.
	assert.Contains(t, violations[0].Error(), "[0x00000080,0x000000c0) is claimed by no file")
	assert.Contains(t, violations[1].Error(), "a.c at 0x00000140 is out of link order")
}

func TestVerifyClaimOutsideSection(t *testing.T) {
	layout := NewLayout(testSections(t, nds.Section{
		Name: ".text", Kind: nds.SectionCode, Start: 0x0, End: 0x10, Align: 4,
	}))
	layout.Files = []DelinkFile{
		{Path: "a.c", Ranges: []SectionRange{{Section: ".text", Start: 0x0, End: 0x20}}},
	}

	violations := layout.Verify()
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0].Error(), "outside section .text")
}

func TestFillGapsTailAndOrder(t *testing.T) {
	layout := NewLayout(testSections(t,
		nds.Section{Name: ".text", Kind: nds.SectionCode, Start: 0x02000000, End: 0x02000100, Align: 4},
		nds.Section{Name: ".data", Kind: nds.SectionData, Start: 0x02000100, End: 0x02000180, Align: 4},
	))
	layout.Files = []DelinkFile{
		{Path: "src/main.c", Ranges: []SectionRange{
			{Section: ".text", Start: 0x02000000, End: 0x02000080},
			{Section: ".data", Start: 0x02000100, End: 0x02000140},
		}},
	}

	filled, err := layout.FillGaps("main")
	require.NoError(t, err)
	assert.Empty(t, filled.Verify())
	require.Len(t, filled.Files, 3)
	assert.Equal(t, "src/main.c", filled.Files[0].Path)
	assert.Equal(t, "main_gap_0", filled.Files[1].Path)
	assert.Equal(t, []SectionRange{{Section: ".text", Start: 0x02000080, End: 0x02000100}}, filled.Files[1].Ranges)
	assert.Equal(t, "main_gap_1", filled.Files[2].Path)
	assert.Equal(t, []SectionRange{{Section: ".data", Start: 0x02000140, End: 0x02000180}}, filled.Files[2].Ranges)

	// The authored layout is untouched.
	require.Len(t, layout.Files, 1)
}

func TestFillGapsMergesAcrossSections(t *testing.T) {
	layout := NewLayout(testSections(t,
		nds.Section{Name: ".text", Kind: nds.SectionCode, Start: 0x0, End: 0x100, Align: 4},
		nds.Section{Name: ".data", Kind: nds.SectionData, Start: 0x100, End: 0x200, Align: 4},
	))
	layout.Files = []DelinkFile{
		{Path: "a.c", Ranges: []SectionRange{{Section: ".text", Start: 0x0, End: 0x80}}},
		{Path: "b.c", Ranges: []SectionRange{{Section: ".data", Start: 0x180, End: 0x200}}},
	}

	filled, err := layout.FillGaps("main")
	require.NoError(t, err)
	assert.Empty(t, filled.Verify())
	require.Len(t, filled.Files, 3)
	assert.Equal(t, "a.c", filled.Files[0].Path)
	assert.Equal(t, "main_gap_0", filled.Files[1].Path)
	assert.Equal(t, []SectionRange{
		{Section: ".text", Start: 0x80, End: 0x100},
		{Section: ".data", Start: 0x100, End: 0x180},
	}, filled.Files[1].Ranges)
	assert.Equal(t, "b.c", filled.Files[2].Path)
}

func TestFillGapsRejectsOverlap(t *testing.T) {
	layout := NewLayout(testSections(t, nds.Section{
		Name: ".data", Kind: nds.SectionData, Start: 0x0, End: 0x100, Align: 4,
	}))
	layout.Files = []DelinkFile{
		{Path: "a.c", Ranges: []SectionRange{{Section: ".data", Start: 0x0, End: 0x60}}},
		{Path: "b.c", Ranges: []SectionRange{{Section: ".data", Start: 0x50, End: 0x100}}},
	}

	_, err := layout.FillGaps("main")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}
