package arm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeArmBranch(t *testing.T) {
	// bl 0x02000100 from 0x02000008
	branch, ok := DecodeArmBranch(0x02000008, 0xeb00003c)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000100), branch.Target)
	assert.True(t, branch.Link)
	assert.False(t, branch.Exchange)
	assert.False(t, branch.Conditional)

	// bne 0x02000010 from 0x02000000
	branch, ok = DecodeArmBranch(0x02000000, 0x1a000002)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000010), branch.Target)
	assert.False(t, branch.Link)
	assert.True(t, branch.Conditional)

	// blx 0x0200000a from 0x02000000: the H bit adds the halfword step
	branch, ok = DecodeArmBranch(0x02000000, 0xfb000000)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0200000a), branch.Target)
	assert.True(t, branch.Link)
	assert.True(t, branch.Exchange)

	// mov r0, r0 is no branch
	_, ok = DecodeArmBranch(0x02000000, 0xe1a00000)
	assert.False(t, ok)
}

func TestDecodeThumbCall(t *testing.T) {
	// bl 0x02000054 from 0x02000024
	call, ok := DecodeThumbCall(0x02000024, 0xf000, 0xf816)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000054), call.Target)
	assert.True(t, call.Link)
	assert.False(t, call.Exchange)

	// blx rounds the target down to word alignment
	call, ok = DecodeThumbCall(0x02000024, 0xf000, 0xe817)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000054), call.Target)
	assert.True(t, call.Exchange)

	// negative displacement: bl to the call's own address
	call, ok = DecodeThumbCall(0x02001000, 0xf7ff, 0xfffe)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02001000), call.Target)

	_, ok = DecodeThumbCall(0x02000024, 0x4800, 0xf816)
	assert.False(t, ok)
}

func TestDecodeThumbBranch(t *testing.T) {
	// b 0x02000048 from 0x02000048: a self loop
	branch, ok := DecodeThumbBranch(0x02000048, 0xe7fe)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000048), branch.Target)
	assert.False(t, branch.Conditional)

	// bne 0x02000048 from 0x02000044
	branch, ok = DecodeThumbBranch(0x02000044, 0xd100)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000048), branch.Target)
	assert.True(t, branch.Conditional)

	// 0xdexx is undefined, not a branch
	_, ok = DecodeThumbBranch(0x02000044, 0xde00)
	assert.False(t, ok)
}

func TestDecodeArmPoolLoad(t *testing.T) {
	// ldr r0, [pc, #8] at 0x02000004
	load, ok := DecodeArmPoolLoad(0x02000004, 0xe59f0008)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000014), load.Slot)
	assert.Equal(t, uint32(0), load.Register)

	// ldr r1, [pc, #-4] at 0x02000010
	load, ok = DecodeArmPoolLoad(0x02000010, 0xe51f1004)
	require.True(t, ok)
	assert.Equal(t, uint32(0x02000014), load.Slot)
	assert.Equal(t, uint32(1), load.Register)

	// ldrb and non-pc bases are not pool loads
	_, ok = DecodeArmPoolLoad(0x02000004, 0xe5df0008)
	assert.False(t, ok)
	_, ok = DecodeArmPoolLoad(0x02000004, 0xe5900000)
	assert.False(t, ok)
}

func TestDecodeThumbPoolLoad(t *testing.T) {
	// ldr r0, [pc, #8] at 0x02000022: base is the word-aligned pc
	load, ok := DecodeThumbPoolLoad(0x02000022, 0x4802)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0200002c), load.Slot)
	assert.Equal(t, uint32(0), load.Register)

	_, ok = DecodeThumbPoolLoad(0x02000022, 0x6802)
	assert.False(t, ok)
}

func TestEntryAndReturnPredicates(t *testing.T) {
	assert.True(t, IsArmFunctionEntry(0xe92d4010))  // stmdb sp!, {r4, lr}
	assert.False(t, IsArmFunctionEntry(0xe92d0010)) // no lr
	assert.True(t, IsThumbFunctionEntry(0xb510))    // push {r4, lr}
	assert.False(t, IsThumbFunctionEntry(0xb410))   // push {r4}

	assert.True(t, IsArmReturn(0xe12fff1e))  // bx lr
	assert.True(t, IsArmReturn(0xe8bd8010))  // ldmia sp!, {r4, pc}
	assert.True(t, IsArmReturn(0xe1a0f00e))  // mov pc, lr
	assert.False(t, IsArmReturn(0xe8bd4010)) // ldmia sp!, {r4, lr}

	assert.True(t, IsThumbReturn(0xbd10)) // pop {r4, pc}
	assert.True(t, IsThumbReturn(0x4770)) // bx lr
	assert.False(t, IsThumbReturn(0xbc10))
}

func TestJumpTableDispatch(t *testing.T) {
	dispatch, ok := DecodeArmJumpTableDispatch(0x979ff100) // ldrls pc, [pc, r0, lsl #2]
	require.True(t, ok)
	assert.False(t, dispatch.Code)

	dispatch, ok = DecodeArmJumpTableDispatch(0x908ff100) // addls pc, pc, r0, lsl #2
	require.True(t, ok)
	assert.True(t, dispatch.Code)

	_, ok = DecodeArmJumpTableDispatch(0xe59f0008)
	assert.False(t, ok)

	assert.True(t, IsThumbJumpTableDispatch(0x4487))  // add pc, r0
	assert.False(t, IsThumbJumpTableDispatch(0x4407)) // add r7, r0
}

func TestCompareImmediates(t *testing.T) {
	limit, ok := DecodeArmCompareImmediate(0xe3500001) // cmp r0, #1
	require.True(t, ok)
	assert.Equal(t, uint32(1), limit)

	// rotated immediates are not jump table bounds
	_, ok = DecodeArmCompareImmediate(0xe3500101)
	assert.False(t, ok)

	limit, ok = DecodeThumbCompareImmediate(0x2801) // cmp r0, #1
	require.True(t, ok)
	assert.Equal(t, uint32(1), limit)
}

func TestIsLikelyArmInstruction(t *testing.T) {
	assert.True(t, IsLikelyArmInstruction(0xe92d4010))
	assert.True(t, IsLikelyArmInstruction(0xfb000000)) // blx
	assert.False(t, IsLikelyArmInstruction(0xffffffff))
}

func TestThumbText(t *testing.T) {
	text, size := ThumbText(0x02000024, 0xf000, 0xf816)
	assert.Equal(t, "bl 0x02000054", text)
	assert.Equal(t, uint32(4), size)

	text, size = ThumbText(0x02000044, 0xd100, 0)
	assert.Equal(t, "bne 0x02000048", text)
	assert.Equal(t, uint32(2), size)

	text, _ = ThumbText(0x02000022, 0x4802, 0)
	assert.Equal(t, "ldr r0, [pc, #0x8]", text)

	text, _ = ThumbText(0, 0xb510, 0)
	assert.Equal(t, "push {r4, lr}", text)

	text, _ = ThumbText(0, 0x0000, 0)
	assert.Equal(t, ".hword 0x0000", text)
}

func TestArmText_FallsBackToWordDirective(t *testing.T) {
	assert.Equal(t, ".word 0xffffffff", ArmText(0xffffffff))
}
