package arm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
)

// ArmText renders one ARM instruction as GNU assembly, falling back to a
// data directive for words that do not decode.
func ArmText(word uint32) string {
	var buffer [4]byte
	binary.LittleEndian.PutUint32(buffer[:], word)
	inst, err := armasm.Decode(buffer[:], armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", word)
	}
	return armasm.GNUSyntax(inst)
}

var thumbConditions = [...]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le",
}

// ThumbText renders the thumb instructions the reference analysis
// understands; everything else becomes a halfword directive. The size result
// is 4 when a BL/BLX pair was consumed, else 2.
func ThumbText(addr uint32, first, second uint16) (text string, size uint32) {
	if call, ok := DecodeThumbCall(addr, first, second); ok {
		mnemonic := "bl"
		if call.Exchange {
			mnemonic = "blx"
		}
		return fmt.Sprintf("%s 0x%08x", mnemonic, call.Target), 4
	}
	if branch, ok := DecodeThumbBranch(addr, first); ok {
		mnemonic := "b"
		if branch.Conditional {
			mnemonic += thumbConditions[first>>8&0xf]
		}
		return fmt.Sprintf("%s 0x%08x", mnemonic, branch.Target), 2
	}
	if load, ok := DecodeThumbPoolLoad(addr, first); ok {
		return fmt.Sprintf("ldr r%d, [pc, #0x%x]", load.Register, uint32(first&0xff)<<2), 2
	}
	switch {
	case IsThumbFunctionEntry(first):
		return "push " + thumbRegisterList(first&0xff, "lr"), 2
	case first&0xff00 == 0xbd00:
		return "pop " + thumbRegisterList(first&0xff, "pc"), 2
	case first == 0x4770:
		return "bx lr", 2
	}
	return fmt.Sprintf(".hword 0x%04x", first), 2
}

func thumbRegisterList(mask uint16, extra string) string {
	var registers []string
	for bit := 0; bit < 8; bit++ {
		if mask&(1<<bit) != 0 {
			registers = append(registers, fmt.Sprintf("r%d", bit))
		}
	}
	if extra != "" {
		registers = append(registers, extra)
	}
	return "{" + strings.Join(registers, ", ") + "}"
}
