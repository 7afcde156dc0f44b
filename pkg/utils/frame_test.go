package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrawFrame_SectionLayout(t *testing.T) {
	fields := []FrameField{
		{Name: ".text", Begin: 0, Width: 16},
		{Name: ".data", Begin: 16, Width: 8},
		{Name: ".bss", Begin: 24, Width: 8},
	}

	actual := DrawFrame(fields, 32, "bytes", 0)

	assert.Equal(t, ""+
		`0              16            24            31
+--------------+-------------+-------------+
|    .text     |    .data    |    .bss     |
+--------------+-------------+-------------+
 <- 16 bytes -> <- 8 bytes -> <- 8 bytes ->
`,
		actual)
}

func TestDrawFrame_GapsAndLeftpad(t *testing.T) {
	fields := []FrameField{
		{Name: ".text", Begin: 0, Width: 16},
		{Name: ".rodata", Begin: 20, Width: 8},
	}

	actual := DrawFrame(fields, 32, "bytes", 2)

	assert.Equal(t, ""+
		`  0              16            20            28            31
  +--------------+-------------+-------------+-------------+
  |    .text     |    (gap)    |   .rodata   |    (gap)    |
  +--------------+-------------+-------------+-------------+
   <- 16 bytes -> <- 4 bytes -> <- 8 bytes -> <- 4 bytes ->
`,
		actual)
}

func TestDrawFrame_NoFields(t *testing.T) {
	actual := DrawFrame(nil, 16, "bytes", 0)

	assert.Equal(t, ""+
		`0              15
+--------------+
|    (gap)     |
+--------------+
 <- 16 bytes ->
`,
		actual)
}
