package lcf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdelink/pkg/delink"
	"dsdelink/pkg/nds"
)

func testSections(t *testing.T, sections ...nds.Section) *nds.Sections {
	t.Helper()
	set := nds.NewSections()
	for _, section := range sections {
		require.NoError(t, set.Add(section))
	}
	return set
}

func testLayout(sections *nds.Sections, files ...delink.DelinkFile) *delink.Layout {
	layout := delink.NewLayout(sections)
	layout.Files = files
	return layout
}

func singleFileInput(t *testing.T, kind nds.ModuleKind, base, size uint32, file, output string) ModuleInput {
	t.Helper()
	module := testModule(kind, base, size, 0)
	module.Sections = testSections(t, nds.Section{
		Name: ".text", Kind: nds.SectionCode, Start: base, End: base + size, Align: 4,
	})
	return ModuleInput{
		Module: module,
		Layout: testLayout(module.Sections, delink.DelinkFile{Path: file, Ranges: []delink.SectionRange{
			{Section: ".text", Start: base, End: base + size},
		}}),
		Output: output,
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "ARM9", MemoryName(nds.Main))
	assert.Equal(t, "OV012", MemoryName(nds.Overlay(12)))
	assert.Equal(t, "AUTOLOAD_2", MemoryName(nds.Autoload(2)))
	assert.Equal(t, ".arm9", BlockName(nds.Main))
	assert.Equal(t, ".ov003", BlockName(nds.Overlay(3)))
	assert.Equal(t, ".dtcm", BlockName(nds.Dtcm))
	assert.Equal(t, "TEXT", BoundaryName(".text"))
	assert.Equal(t, "RODATA", BoundaryName(".rodata"))
	assert.Equal(t, "main.o", ObjectName("src/main.c"))
	assert.Equal(t, "rest.o", ObjectName("asm/rest.s"))
	assert.Equal(t, "main_gap_0.o", ObjectName("main_gap_0"))
}

func TestObjectPath(t *testing.T) {
	generated := delink.DelinkFile{Path: "src/main.c"}
	complete := delink.DelinkFile{Path: "src/lib.c", Complete: true}
	assert.Equal(t, "build/delinks/src/main.o", ObjectPath(&generated, "build", "build/delinks"))
	assert.Equal(t, "build/src/lib.o", ObjectPath(&complete, "build", "build/delinks"))
}

func TestSynthesize(t *testing.T) {
	mainSections := testSections(t,
		nds.Section{Name: ".text", Kind: nds.SectionCode, Start: 0x02000000, End: 0x020000c0, Align: 4},
		nds.Section{Name: ".bss", Kind: nds.SectionBss, Start: 0x020000c0, End: 0x02000100, Align: 8},
	)
	mainModule := testModule(nds.Main, 0x02000000, 0xc0, 0x40)
	mainModule.Sections = mainSections
	inputs := []ModuleInput{
		{
			Module: mainModule,
			Layout: testLayout(mainSections,
				delink.DelinkFile{Path: "src/main.c", Ranges: []delink.SectionRange{
					{Section: ".text", Start: 0x02000000, End: 0x02000080},
				}},
				delink.DelinkFile{Path: "src/lib.c", Complete: true, Ranges: []delink.SectionRange{
					{Section: ".text", Start: 0x02000080, End: 0x020000c0},
					{Section: ".bss", Start: 0x020000c0, End: 0x02000100},
				}},
			),
			Output: "main.bin",
		},
		singleFileInput(t, nds.Itcm, 0x01ff8000, 0x20, "asm/fast.s", "itcm.bin"),
		singleFileInput(t, nds.Autoload(2), 0x02000100, 0x80, "src/auto.c", "autoload_2.bin"),
		singleFileInput(t, nds.Overlay(0), 0x02000180, 0x80, "src/ov0.c", "ov000.bin"),
		singleFileInput(t, nds.Overlay(1), 0x02000180, 0x40, "src/ov1.c", "ov001.bin"),
		singleFileInput(t, nds.Overlay(2), 0x02000200, 0x40, "src/ov2.c", "ov002.bin"),
		singleFileInput(t, nds.Overlay(3), 0x020001c0, 0x40, "src/ov3.c", "ov003.bin"),
	}

	script, err := Synthesize(inputs, "build", "build/delinks")
	require.NoError(t, err)

	assert.Equal(t, []string{".init", ".ctor"}, script.Keep)

	require.Len(t, script.Regions, 7)
	assert.Equal(t, Region{Name: "ARM9", Origin: 0x02000000, Output: "main.bin"}, script.Regions[0])
	assert.Equal(t, Region{Name: "ITCM", Origin: 0x01ff8000, Output: "itcm.bin"}, script.Regions[1])
	assert.Equal(t, Region{Name: "AUTOLOAD_2", Origin: 0x02000100, Output: "autoload_2.bin"}, script.Regions[2])
	assert.Equal(t, Region{Name: "OV000", After: []string{"AUTOLOAD_2"}, Output: "ov000.bin"}, script.Regions[3])
	assert.Equal(t, Region{Name: "OV001", After: []string{"AUTOLOAD_2"}, Output: "ov001.bin"}, script.Regions[4])
	assert.Equal(t, Region{Name: "OV002", After: []string{"OV000", "OV001"}, Output: "ov002.bin"}, script.Regions[5])
	assert.Equal(t, Region{Name: "OV003", After: []string{"OV001"}, Output: "ov003.bin"}, script.Regions[6])

	require.Len(t, script.Modules, 7)
	arm9 := script.Modules[0]
	assert.Equal(t, ".arm9", arm9.Name)
	assert.Equal(t, "ARM9", arm9.Memory)
	assert.Nil(t, arm9.OverlayId)
	require.Len(t, arm9.Sections, 2)
	assert.Equal(t, SectionBlock{
		Name: ".text", Boundary: "TEXT", Align: 4, Objects: []string{"main.o", "lib.o"},
	}, arm9.Sections[0])
	assert.Equal(t, SectionBlock{
		Name: ".bss", Boundary: "BSS", Align: 8, Objects: []string{"lib.o"},
	}, arm9.Sections[1])

	ov0 := script.Modules[3]
	assert.Equal(t, ".ov000", ov0.Name)
	assert.Equal(t, "OV000", ov0.Memory)
	require.NotNil(t, ov0.OverlayId)
	assert.Equal(t, uint16(0), *ov0.OverlayId)

	assert.Equal(t, []string{
		"build/delinks/src/main.o",
		"build/src/lib.o",
		"build/delinks/asm/fast.o",
		"build/delinks/src/auto.o",
		"build/delinks/src/ov0.o",
		"build/delinks/src/ov1.o",
		"build/delinks/src/ov2.o",
		"build/delinks/src/ov3.o",
	}, script.Objects)
}

func TestSynthesizeNoMain(t *testing.T) {
	inputs := []ModuleInput{
		singleFileInput(t, nds.Overlay(0), 0x02000180, 0x80, "src/ov0.c", "ov000.bin"),
	}
	_, err := Synthesize(inputs, "build", "build/delinks")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScript)
}
