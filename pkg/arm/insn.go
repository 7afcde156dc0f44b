// Package arm recognizes the ARMv5TE instruction shapes that carry
// cross-references in compiled DS code: branches, calls, PC-relative literal
// loads, prologues, returns and the two compiler jump table idioms. It works
// on raw little-endian encodings; full decoding stays external.
package arm

import "dsdelink/pkg/utils"

const (
	// PC reads ahead of the executing instruction.
	ArmPipeline   = 8
	ThumbPipeline = 4
)

// Branch is a decoded branch, call or interworking call with an immediate
// target.
type Branch struct {
	Target      uint32
	Link        bool
	Exchange    bool
	Conditional bool
}

// DecodeArmBranch decodes ARM B, BL and BLX with an immediate target.
func DecodeArmBranch(addr, word uint32) (Branch, bool) {
	offset := utils.SignExtend(word&0xffffff, 24) << 2
	target := addr + ArmPipeline + uint32(offset)
	cond := word >> 28
	switch {
	case cond == 0xf && word&0x0e000000 == 0x0a000000:
		// BLX <label>: always a call, always switches to thumb. The H bit
		// carries the halfword step of the target.
		return Branch{
			Target:   target + (word>>24&1)<<1,
			Link:     true,
			Exchange: true,
		}, true
	case cond != 0xf && word&0x0f000000 == 0x0b000000:
		return Branch{Target: target, Link: true, Conditional: cond != 0xe}, true
	case cond != 0xf && word&0x0f000000 == 0x0a000000:
		return Branch{Target: target, Conditional: cond != 0xe}, true
	}
	return Branch{}, false
}

// DecodeThumbBranch decodes the 16-bit thumb B encodings. The BL/BLX pairs
// are DecodeThumbCall's job.
func DecodeThumbBranch(addr uint32, half uint16) (Branch, bool) {
	switch {
	case half&0xf800 == 0xe000:
		offset := utils.SignExtend(uint32(half&0x7ff), 11) << 1
		return Branch{Target: addr + ThumbPipeline + uint32(offset)}, true
	case half&0xf000 == 0xd000 && half>>8&0xf < 0xe:
		offset := utils.SignExtend(uint32(half&0xff), 8) << 1
		return Branch{Target: addr + ThumbPipeline + uint32(offset), Conditional: true}, true
	}
	return Branch{}, false
}

// IsThumbCallPrefix reports whether half is the first element of a BL/BLX
// pair, which occupies two halfwords.
func IsThumbCallPrefix(half uint16) bool {
	return half&0xf800 == 0xf000
}

// DecodeThumbCall decodes a BL or BLX pair starting at addr.
func DecodeThumbCall(addr uint32, first, second uint16) (Branch, bool) {
	if !IsThumbCallPrefix(first) {
		return Branch{}, false
	}
	high := utils.SignExtend(uint32(first&0x7ff), 11) << 12
	target := addr + ThumbPipeline + uint32(high) + uint32(second&0x7ff)<<1
	switch {
	case second&0xf800 == 0xf800:
		return Branch{Target: target, Link: true}, true
	case second&0xf800 == 0xe800:
		// BLX: the arm-mode target is word aligned.
		return Branch{Target: target &^ 3, Link: true, Exchange: true}, true
	}
	return Branch{}, false
}

// PoolLoad is a PC-relative literal load: the instruction reads the 32-bit
// word stored at Slot.
type PoolLoad struct {
	Slot     uint32
	Register uint32
}

// DecodeArmPoolLoad decodes LDR Rt, [PC, #+-imm].
func DecodeArmPoolLoad(addr, word uint32) (PoolLoad, bool) {
	if word>>28 == 0xf || word&0x0f7f0000 != 0x051f0000 {
		return PoolLoad{}, false
	}
	offset := word & 0xfff
	slot := addr + ArmPipeline
	if word&1<<23 != 0 {
		slot += offset
	} else {
		slot -= offset
	}
	return PoolLoad{Slot: slot, Register: word >> 12 & 0xf}, true
}

// DecodeThumbPoolLoad decodes LDR Rt, [PC, #imm]. The base is the
// word-aligned PC.
func DecodeThumbPoolLoad(addr uint32, half uint16) (PoolLoad, bool) {
	if half&0xf800 != 0x4800 {
		return PoolLoad{}, false
	}
	slot := (addr+ThumbPipeline)&^3 + uint32(half&0xff)<<2
	return PoolLoad{Slot: slot, Register: uint32(half >> 8 & 0x7)}, true
}

// IsArmFunctionEntry matches the STMDB SP!, {..., LR} prologue.
func IsArmFunctionEntry(word uint32) bool {
	return word>>28 != 0xf && word&0x0fff4000 == 0x092d4000
}

// IsThumbFunctionEntry matches PUSH {..., LR}.
func IsThumbFunctionEntry(half uint16) bool {
	return half&0xff00 == 0xb500
}

// IsArmReturn matches the function exits compilers emit in ARM mode:
// BX LR, LDMIA SP!, {..., PC}, MOV PC, LR and any load into PC.
func IsArmReturn(word uint32) bool {
	if word>>28 == 0xf {
		return false
	}
	switch {
	case word&0x0fffffff == 0x012fff1e:
		return true
	case word&0x0fff8000 == 0x08bd8000:
		return true
	case word&0x0fffffff == 0x01a0f00e:
		return true
	case word&0x0c10f000 == 0x0410f000:
		// LDR PC, [...]: a computed jump with no return address. Jump table
		// dispatches match first and are handled separately.
		return true
	}
	return false
}

// IsThumbReturn matches POP {..., PC}, BX LR and MOV PC, LR.
func IsThumbReturn(half uint16) bool {
	return half&0xff00 == 0xbd00 || half == 0x4770 || half == 0x46f7
}

// JumpTableDispatch is one of the two switch lowering idioms:
// ADD PC, PC, Rn, LSL #2 jumps into a table of branch instructions (code),
// LDR PC, [PC, Rn, LSL #2] jumps through a table of addresses (data).
type JumpTableDispatch struct {
	Code bool
}

func DecodeArmJumpTableDispatch(word uint32) (JumpTableDispatch, bool) {
	if word>>28 == 0xf {
		return JumpTableDispatch{}, false
	}
	switch {
	case word&0x0ffffff0 == 0x008ff100:
		return JumpTableDispatch{Code: true}, true
	case word&0x0ffffff0 == 0x079ff100:
		return JumpTableDispatch{Code: false}, true
	}
	return JumpTableDispatch{}, false
}

// IsThumbJumpTableDispatch matches ADD PC, Rn, the tail of the thumb switch
// idiom whose table holds 16-bit offsets.
func IsThumbJumpTableDispatch(half uint16) bool {
	return half&0xff87 == 0x4487
}

// DecodeArmCompareImmediate decodes CMP Rn, #imm with no rotation, the
// bounds check preceding a jump table dispatch.
func DecodeArmCompareImmediate(word uint32) (uint32, bool) {
	if word>>28 == 0xf || word&0x0ff0ff00 != 0x03500000 {
		return 0, false
	}
	return word & 0xff, true
}

// DecodeThumbCompareImmediate decodes CMP Rn, #imm.
func DecodeThumbCompareImmediate(half uint16) (uint32, bool) {
	if half&0xf800 != 0x2800 {
		return 0, false
	}
	return uint32(half & 0xff), true
}

// IsLikelyArmInstruction rejects words that cannot be ARMv5 code: the 0xF
// condition exists only for BLX and cache hints.
func IsLikelyArmInstruction(word uint32) bool {
	if word>>28 != 0xf {
		return true
	}
	return word&0x0e000000 == 0x0a000000 || word&0x0f700000 == 0x05500000
}

// IsThumbUndefined matches the permanently undefined encoding and BKPT,
// both used as analysis cutoffs.
func IsThumbUndefined(half uint16) bool {
	return half&0xff00 == 0xde00 || half&0xff00 == 0xbe00
}
