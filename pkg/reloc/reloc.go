// Package reloc models typed relocations recovered from a linked binary,
// their relocs.txt listing format, and the classification pass that assigns
// each raw instruction reference a destination module.
package reloc

import (
	"errors"
	"fmt"
	"strings"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/sym"
	"dsdelink/pkg/utils"
)

// Kind is the relocation type. Call kinds encode the instruction modes on
// both ends so the delinked object can pick the right relocation type and
// the linker the right veneer behavior.
type Kind int

const (
	ArmCall Kind = iota
	ThumbCall
	ArmCallThumb
	ThumbCallArm
	ArmBranch
	Load
	OverlayId
)

var kindNames = map[Kind]string{
	ArmCall:      "arm_call",
	ThumbCall:    "thumb_call",
	ArmCallThumb: "arm_call_thumb",
	ThumbCallArm: "thumb_call_arm",
	ArmBranch:    "arm_branch",
	Load:         "load",
	OverlayId:    "overlay_id",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var kindsByName = utils.InvertedMap(kindNames)

func ParseKind(text string) (Kind, error) {
	if kind, ok := kindsByName[text]; ok {
		return kind, nil
	}
	return 0, utils.MakeError(listing.ErrParse, "relocation kind '%s'", text)
}

// CallKind returns the call relocation kind for a call from one instruction
// mode to another.
func CallKind(fromThumb, toThumb bool) Kind {
	switch {
	case fromThumb && toThumb:
		return ThumbCall
	case fromThumb:
		return ThumbCallArm
	case toThumb:
		return ArmCallThumb
	default:
		return ArmCall
	}
}

func (k Kind) IsCall() bool {
	switch k {
	case ArmCall, ThumbCall, ArmCallThumb, ThumbCallArm:
		return true
	default:
		return false
	}
}

// SourceMode is the instruction mode at the relocation site.
func (k Kind) SourceMode() sym.InstructionMode {
	switch k {
	case ThumbCall, ThumbCallArm:
		return sym.ModeThumb
	default:
		return sym.ModeArm
	}
}

// TargetMode is the instruction mode of the destination, meaningful for call
// and branch kinds.
func (k Kind) TargetMode() sym.InstructionMode {
	switch k {
	case ThumbCall, ArmCallThumb:
		return sym.ModeThumb
	default:
		return sym.ModeArm
	}
}

// PipelineOffset is the PC bias the CPU applies when the instruction at the
// relocation site executes: the linker works relative to PC, the listings
// store absolute targets. Folded into emitted object addends.
func (k Kind) PipelineOffset() int32 {
	switch k {
	case ArmCall, ArmCallThumb, ArmBranch:
		return -8
	case ThumbCall, ThumbCallArm:
		return -4
	default:
		return 0
	}
}

// Relocation is one rewritten reference: the word or instruction at From
// designates To in Destination. Addend carries an explicit offset when the
// reference points past a symbol's start (To then holds the symbol base).
type Relocation struct {
	From        uint32
	Kind        Kind
	To          uint32
	Addend      int32
	Destination Destination
}

// ObjectAddend is the addend to store in an emitted relocatable object:
// the explicit listing addend plus the kind's pipeline offset.
func (r Relocation) ObjectAddend() int64 {
	return int64(r.Addend) + int64(r.Kind.PipelineOffset())
}

func (r Relocation) String() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "from:%s kind:%s to:%s", listing.FormatAddr(r.From), r.Kind, listing.FormatAddr(r.To))
	if r.Addend != 0 {
		fmt.Fprintf(&builder, " add:%d", r.Addend)
	}
	fmt.Fprintf(&builder, " module:%s", r.Destination)
	return builder.String()
}

// ParseRelocation parses one non-empty relocs listing line.
func ParseRelocation(line string, ctx listing.Context) (Relocation, error) {
	var reloc Relocation
	sawFrom, sawKind, sawTo, sawModule := false, false, false, false
	for _, attribute := range listing.Attributes(line) {
		var err error
		switch attribute.Key {
		case "from":
			reloc.From, err = listing.ParseAddr(attribute.Value)
			sawFrom = true
		case "kind":
			reloc.Kind, err = ParseKind(attribute.Value)
			sawKind = true
		case "to":
			reloc.To, err = listing.ParseAddr(attribute.Value)
			sawTo = true
		case "add":
			reloc.Addend, err = listing.ParseInt(attribute.Value)
		case "module":
			reloc.Destination, err = ParseDestination(attribute.Value)
			sawModule = true
		default:
			err = fmt.Errorf("unknown relocation attribute '%s'", attribute.Key)
		}
		if err != nil {
			return Relocation{}, ctx.Error("%v", err)
		}
	}
	if !sawFrom || !sawKind || !sawTo || !sawModule {
		return Relocation{}, ctx.Error("relocation needs from:, kind:, to: and module:")
	}
	if reloc.Kind == OverlayId && !reloc.Destination.IsNone() {
		return Relocation{}, ctx.Error("overlay_id relocations take module:none")
	}
	return reloc, nil
}

var ErrRelocationCollision = errors.New("conflicting relocations at address")
