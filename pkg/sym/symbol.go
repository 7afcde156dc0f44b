// Package sym implements the per-module symbol database: named and synthetic
// symbols with their kinds, sizes and scopes, the symbols.txt listing format,
// and the size/ambiguity resolution rules relocations depend on.
package sym

import (
	"errors"
	"fmt"
	"strings"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

// InstructionMode is the processor state a code symbol executes in.
type InstructionMode int

const (
	ModeArm InstructionMode = iota
	ModeThumb
)

func (m InstructionMode) String() string {
	if m == ModeThumb {
		return "thumb"
	}
	return "arm"
}

// ThumbBit returns the low address bit that encodes the mode in a function
// pointer.
func (m InstructionMode) ThumbBit() uint32 {
	if m == ModeThumb {
		return 1
	}
	return 0
}

func ParseInstructionMode(text string) (InstructionMode, error) {
	switch text {
	case "arm":
		return ModeArm, nil
	case "thumb":
		return ModeThumb, nil
	}
	return 0, utils.MakeError(listing.ErrParse, "instruction mode '%s'", text)
}

// SymbolType discriminates symbol kinds.
type SymbolType int

const (
	TypeFunction SymbolType = iota
	TypeLabel
	TypePoolConstant
	TypeJumpTable
	TypeData
	TypeBss
	TypeUndefined
)

// DataType is the element type of a data symbol.
type DataType int

const (
	DataAny DataType = iota
	DataByte
	DataShort
	DataWord
)

func (t DataType) String() string {
	switch t {
	case DataByte:
		return "byte"
	case DataShort:
		return "short"
	case DataWord:
		return "word"
	default:
		return "any"
	}
}

// ElementSize returns the size in bytes of one element, or zero for DataAny.
func (t DataType) ElementSize() uint32 {
	switch t {
	case DataByte:
		return 1
	case DataShort:
		return 2
	case DataWord:
		return 4
	default:
		return 0
	}
}

// SymbolKind carries the type tag plus the per-type fields. Which fields are
// meaningful depends on Type:
//   - TypeFunction: Mode, Size (nil until resolved), Unknown
//   - TypeLabel: Mode, External
//   - TypeJumpTable: Size, Code
//   - TypeData: Data, Count (nil = unbounded array, 1 = scalar, n = array)
//   - TypeBss: Size (nil = inferred from the gap to the next symbol)
type SymbolKind struct {
	Type     SymbolType
	Mode     InstructionMode
	Size     *uint32
	Unknown  bool
	External bool
	Code     bool
	Data     DataType
	Count    *uint32
}

func Function(mode InstructionMode, size uint32) SymbolKind {
	return SymbolKind{Type: TypeFunction, Mode: mode, Size: &size}
}

// UnknownFunction is a placeholder created by analysis for a call target with
// no curated symbol. Its size stays unset until a later pass resolves it.
func UnknownFunction(mode InstructionMode) SymbolKind {
	return SymbolKind{Type: TypeFunction, Mode: mode, Unknown: true}
}

func Label(mode InstructionMode) SymbolKind {
	return SymbolKind{Type: TypeLabel, Mode: mode}
}

func ExternalLabel(mode InstructionMode) SymbolKind {
	return SymbolKind{Type: TypeLabel, Mode: mode, External: true}
}

func PoolConstant() SymbolKind {
	return SymbolKind{Type: TypePoolConstant}
}

func JumpTable(size uint32, code bool) SymbolKind {
	return SymbolKind{Type: TypeJumpTable, Size: &size, Code: code}
}

func Data(dataType DataType, count *uint32) SymbolKind {
	return SymbolKind{Type: TypeData, Data: dataType, Count: count}
}

func Bss(size *uint32) SymbolKind {
	return SymbolKind{Type: TypeBss, Size: size}
}

// IsCode reports whether the symbol marks executable bytes.
func (k SymbolKind) IsCode() bool {
	switch k.Type {
	case TypeFunction, TypeLabel:
		return true
	case TypeJumpTable:
		return k.Code
	default:
		return false
	}
}

// SizeKnown returns the explicit size, when one is recorded. Data kinds with
// a bounded count have an implicit explicit size too.
func (k SymbolKind) SizeKnown() (uint32, bool) {
	switch k.Type {
	case TypeFunction, TypeJumpTable, TypeBss:
		if k.Size != nil {
			return *k.Size, true
		}
	case TypeData:
		if element := k.Data.ElementSize(); element != 0 && k.Count != nil {
			return element * *k.Count, true
		}
	case TypePoolConstant:
		return 4, true
	}
	return 0, false
}

func (k SymbolKind) String() string {
	switch k.Type {
	case TypeFunction:
		var builder strings.Builder
		builder.WriteString("function(")
		builder.WriteString(k.Mode.String())
		if k.Size != nil {
			fmt.Fprintf(&builder, ",size=0x%x", *k.Size)
		}
		if k.Unknown {
			builder.WriteString(",unknown")
		}
		builder.WriteByte(')')
		return builder.String()
	case TypeLabel:
		return fmt.Sprintf("label(%s)", k.Mode)
	case TypePoolConstant:
		return "pool_constant"
	case TypeJumpTable:
		size := uint32(0)
		if k.Size != nil {
			size = *k.Size
		}
		return fmt.Sprintf("jump_table(size=0x%x,code=%v)", size, k.Code)
	case TypeData:
		if k.Data == DataAny {
			return "data(any)"
		}
		if k.Count == nil {
			return fmt.Sprintf("data(%s[])", k.Data)
		}
		if *k.Count == 1 {
			return fmt.Sprintf("data(%s)", k.Data)
		}
		return fmt.Sprintf("data(%s[%d])", k.Data, *k.Count)
	case TypeBss:
		if k.Size != nil {
			return fmt.Sprintf("bss(size=0x%x)", *k.Size)
		}
		return "bss"
	case TypeUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("SymbolKind(%d)", int(k.Type))
	}
}

// ParseSymbolKind parses the kind grammar of the symbols listing. Only kinds
// that appear in listings are accepted; pool constants and jump tables are
// analysis-internal and never written.
func ParseSymbolKind(text string) (SymbolKind, error) {
	if text == "bss" {
		return Bss(nil), nil
	}
	name, arg, ok := splitCall(text)
	if !ok {
		return SymbolKind{}, utils.MakeError(listing.ErrParse, "symbol kind '%s'", text)
	}

	switch name {
	case "function":
		return parseFunctionKind(arg)
	case "label":
		mode, err := ParseInstructionMode(arg)
		if err != nil {
			return SymbolKind{}, err
		}
		return ExternalLabel(mode), nil
	case "data":
		return parseDataKind(arg)
	case "bss":
		size, err := parseSizeOption(arg)
		if err != nil {
			return SymbolKind{}, err
		}
		return Bss(size), nil
	}
	return SymbolKind{}, utils.MakeError(listing.ErrParse, "symbol kind '%s'", text)
}

func parseFunctionKind(args string) (SymbolKind, error) {
	kind := SymbolKind{Type: TypeFunction}
	for i, option := range strings.Split(args, ",") {
		switch {
		case i == 0:
			mode, err := ParseInstructionMode(option)
			if err != nil {
				return SymbolKind{}, err
			}
			kind.Mode = mode
		case option == "unknown":
			kind.Unknown = true
		case strings.HasPrefix(option, "size="):
			size, err := listing.ParseUint(strings.TrimPrefix(option, "size="))
			if err != nil {
				return SymbolKind{}, err
			}
			kind.Size = &size
		default:
			return SymbolKind{}, utils.MakeError(listing.ErrParse, "function option '%s'", option)
		}
	}
	return kind, nil
}

func parseDataKind(arg string) (SymbolKind, error) {
	base := arg
	var count *uint32
	scalar := uint32(1)
	if open := strings.IndexByte(arg, '['); open >= 0 {
		if !strings.HasSuffix(arg, "]") {
			return SymbolKind{}, utils.MakeError(listing.ErrParse, "data kind '%s'", arg)
		}
		base = arg[:open]
		length := arg[open+1 : len(arg)-1]
		if length != "" {
			value, err := listing.ParseUint(length)
			if err != nil {
				return SymbolKind{}, err
			}
			count = &value
		}
	} else {
		count = &scalar
	}

	switch base {
	case "any":
		return Data(DataAny, nil), nil
	case "byte":
		return Data(DataByte, count), nil
	case "short":
		return Data(DataShort, count), nil
	case "word":
		return Data(DataWord, count), nil
	}
	return SymbolKind{}, utils.MakeError(listing.ErrParse, "data type '%s'", base)
}

func parseSizeOption(arg string) (*uint32, error) {
	if !strings.HasPrefix(arg, "size=") {
		return nil, utils.MakeError(listing.ErrParse, "size option '%s'", arg)
	}
	size, err := listing.ParseUint(strings.TrimPrefix(arg, "size="))
	if err != nil {
		return nil, err
	}
	return &size, nil
}

func splitCall(text string) (name, arg string, ok bool) {
	open := strings.IndexByte(text, '(')
	if open < 0 || !strings.HasSuffix(text, ")") {
		return "", "", false
	}
	return text[:open], text[open+1 : len(text)-1], true
}

// Symbol is one named address in a module.
type Symbol struct {
	Name string
	Kind SymbolKind
	Addr uint32
	// Local symbols are translation-unit scoped; duplicate names are allowed
	// when every duplicate is local.
	Local bool
	// Ambiguous symbols exist only so a relocation into a shared overlay
	// window can bind to one specific overlay. They are synthetic and never
	// user-curated.
	Ambiguous bool
}

// ShouldWrite reports whether the symbol belongs in the symbols listing.
// Pool constants, jump tables and analysis-internal labels are derivable, so
// only curated kinds are persisted.
func (s *Symbol) ShouldWrite() bool {
	switch s.Kind.Type {
	case TypePoolConstant, TypeJumpTable, TypeUndefined:
		return false
	case TypeLabel:
		return s.Kind.External
	default:
		return true
	}
}

func (s *Symbol) String() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s kind:%s addr:%s", s.Name, s.Kind, listing.FormatAddr(s.Addr))
	if s.Local {
		builder.WriteString(" local")
	}
	if s.Ambiguous {
		builder.WriteString(" ambiguous")
	}
	return builder.String()
}

var ErrSymbolLine = errors.New("invalid symbol line")

// ParseSymbol parses one non-empty symbols listing line.
func ParseSymbol(line string, ctx listing.Context) (Symbol, error) {
	attributes := listing.Attributes(line)
	if len(attributes) == 0 || attributes[0].Value != "" {
		return Symbol{}, ctx.Error("expected symbol name first: '%s'", line)
	}

	symbol := Symbol{Name: attributes[0].Key}
	sawKind, sawAddr := false, false
	for _, attribute := range attributes[1:] {
		switch attribute.Key {
		case "kind":
			kind, err := ParseSymbolKind(attribute.Value)
			if err != nil {
				return Symbol{}, ctx.Error("%v", err)
			}
			symbol.Kind = kind
			sawKind = true
		case "addr":
			addr, err := listing.ParseAddr(attribute.Value)
			if err != nil {
				return Symbol{}, ctx.Error("%v", err)
			}
			symbol.Addr = addr
			sawAddr = true
		case "local":
			symbol.Local = true
		case "ambiguous":
			symbol.Ambiguous = true
		default:
			return Symbol{}, ctx.Error("unknown symbol attribute '%s'", attribute.Key)
		}
	}
	if !sawKind || !sawAddr {
		return Symbol{}, ctx.Error("symbol '%s' needs kind: and addr:", symbol.Name)
	}
	return symbol, nil
}

// Synthetic name conventions. Analysis-created symbols are named from their
// module and address so reruns are reproducible.

func modulePrefix(kind nds.ModuleKind) string {
	switch kind.Type {
	case nds.ModuleTypeOverlay:
		return fmt.Sprintf("ov%03d_", kind.Id)
	case nds.ModuleTypeItcm:
		return "itcm_"
	case nds.ModuleTypeDtcm:
		return "dtcm_"
	case nds.ModuleTypeAutoload:
		return fmt.Sprintf("autoload_%d_", kind.Id)
	default:
		return ""
	}
}

// DefaultFunctionName is the synthetic name for a function found by analysis.
func DefaultFunctionName(module nds.ModuleKind, addr uint32) string {
	return fmt.Sprintf("func_%s%08x", modulePrefix(module), addr)
}

// UnknownCallTargetName names a placeholder for a call whose destination was
// never identified as a function entry.
func UnknownCallTargetName(module nds.ModuleKind, addr uint32) string {
	return fmt.Sprintf("func_%s%08x_unk", modulePrefix(module), addr)
}

// DefaultDataName is the synthetic name for an analysis-created data or bss
// symbol.
func DefaultDataName(module nds.ModuleKind, addr uint32) string {
	return fmt.Sprintf("data_%s%08x", modulePrefix(module), addr)
}

// LabelName names a local branch target.
func LabelName(addr uint32) string {
	return fmt.Sprintf(".L_%08x", addr)
}
