package listing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes(t *testing.T) {
	attributes := Attributes("func_02000000 kind:function(arm) addr:0x02000000")
	require.Len(t, attributes, 3)
	assert.Equal(t, Attribute{Key: "func_02000000"}, attributes[0])
	assert.Equal(t, Attribute{Key: "kind", Value: "function(arm)"}, attributes[1])
	assert.Equal(t, Attribute{Key: "addr", Value: "0x02000000"}, attributes[2])
}

func TestStripComment(t *testing.T) {
	assert.Equal(t, "a b", StripComment("  a b // trailing"))
	assert.Equal(t, "", StripComment("// only a comment"))
	assert.Equal(t, "bare", StripComment("bare"))
}

func TestParseAddr(t *testing.T) {
	addr, err := ParseAddr("0x02000000")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x02000000), addr)

	_, err = ParseAddr("zzz")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseInt(t *testing.T) {
	value, err := ParseInt("-4")
	require.NoError(t, err)
	assert.Equal(t, int32(-4), value)

	value, err = ParseInt("0x10")
	require.NoError(t, err)
	assert.Equal(t, int32(16), value)
}

func TestContextError(t *testing.T) {
	err := Context{Path: "symbols.txt", Row: 7}.Error("bad token '%s'", "x")
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "symbols.txt:7")
}
