// Package nds models the memory layout of a DS program: the main ARM9
// module, autoload blocks (ITCM, DTCM and DSi-style numbered autoloads) and
// overlay modules, each owning a set of named sections. Overlay address
// ranges may overlap each other because only one overlay occupies a memory
// window at a time; all other module ranges are disjoint.
package nds

import (
	"fmt"
	"strconv"
	"strings"

	"dsdelink/pkg/utils"
)

// ModuleType discriminates the kinds of loadable modules.
type ModuleType int

const (
	ModuleTypeNone ModuleType = iota
	ModuleTypeMain
	ModuleTypeItcm
	ModuleTypeDtcm
	ModuleTypeAutoload
	ModuleTypeOverlay
)

// ModuleKind identifies one loadable module: the main program, a fixed
// autoload region, or an overlay. The zero value is the "none" kind used
// while parsing.
type ModuleKind struct {
	Type ModuleType
	// Id is the overlay id for ModuleTypeOverlay and the autoload index for
	// ModuleTypeAutoload. Zero otherwise.
	Id uint16
}

var (
	Main = ModuleKind{Type: ModuleTypeMain}
	Itcm = ModuleKind{Type: ModuleTypeItcm}
	Dtcm = ModuleKind{Type: ModuleTypeDtcm}
)

func Overlay(id uint16) ModuleKind {
	return ModuleKind{Type: ModuleTypeOverlay, Id: id}
}

func Autoload(index uint16) ModuleKind {
	return ModuleKind{Type: ModuleTypeAutoload, Id: index}
}

func (k ModuleKind) IsOverlay() bool {
	return k.Type == ModuleTypeOverlay
}

func (k ModuleKind) IsNone() bool {
	return k.Type == ModuleTypeNone
}

// Index returns a total order over module kinds: main, then ITCM and DTCM,
// then numbered autoloads, then overlays by ascending id. Used wherever
// iteration order must be reproducible.
func (k ModuleKind) Index() int {
	switch k.Type {
	case ModuleTypeMain:
		return 0
	case ModuleTypeItcm:
		return 1
	case ModuleTypeDtcm:
		return 2
	case ModuleTypeAutoload:
		return 3 + int(k.Id)
	case ModuleTypeOverlay:
		return overlayIndexBase + int(k.Id)
	default:
		return -1
	}
}

// Autoload indices are small in practice, so overlays sort after any
// realistic autoload count.
const overlayIndexBase = 0x1000

func (k ModuleKind) String() string {
	switch k.Type {
	case ModuleTypeMain:
		return "main"
	case ModuleTypeItcm:
		return "itcm"
	case ModuleTypeDtcm:
		return "dtcm"
	case ModuleTypeAutoload:
		return fmt.Sprintf("autoload(%d)", k.Id)
	case ModuleTypeOverlay:
		return fmt.Sprintf("overlay(%d)", k.Id)
	default:
		return "none"
	}
}

var ErrModuleKind = fmt.Errorf("invalid module kind")

// ParseModuleKind parses the textual module kind used by the listing
// formats: none, main, itcm, dtcm, autoload(N) or overlay(N).
func ParseModuleKind(text string) (ModuleKind, error) {
	switch text {
	case "none":
		return ModuleKind{}, nil
	case "main":
		return Main, nil
	case "itcm":
		return Itcm, nil
	case "dtcm":
		return Dtcm, nil
	}

	name, arg, ok := splitCall(text)
	if !ok {
		return ModuleKind{}, utils.MakeError(ErrModuleKind, "'%s'", text)
	}
	id, err := strconv.ParseUint(arg, 10, 16)
	if err != nil {
		return ModuleKind{}, utils.MakeError(ErrModuleKind, "'%s': %v", text, err)
	}
	switch name {
	case "overlay":
		return Overlay(uint16(id)), nil
	case "autoload":
		return Autoload(uint16(id)), nil
	}
	return ModuleKind{}, utils.MakeError(ErrModuleKind, "'%s'", text)
}

// splitCall splits "name(arg)" into its parts.
func splitCall(text string) (name, arg string, ok bool) {
	open := strings.IndexByte(text, '(')
	if open < 0 || !strings.HasSuffix(text, ")") {
		return "", "", false
	}
	return text[:open], text[open+1 : len(text)-1], true
}

// Module is one loaded program module: its raw initialized bytes plus the
// section layout covering them. Code holds the module image starting at
// Base; bss extends past the end of Code.
type Module struct {
	Name     string
	Kind     ModuleKind
	Base     uint32
	Code     []byte
	BssSize  uint32
	Sections *Sections
}

// Range returns the address range covered by the module including
// uninitialized data.
func (m *Module) Range() (start, end uint32) {
	return m.Base, m.Base + uint32(len(m.Code)) + m.BssSize
}

// ContainsAddress reports whether addr falls inside the module's range.
func (m *Module) ContainsAddress(addr uint32) bool {
	start, end := m.Range()
	return addr >= start && addr < end
}

// At returns the module bytes for [addr, addr+size). Returns nil when the
// range is not fully inside the initialized image.
func (m *Module) At(addr, size uint32) []byte {
	offset := addr - m.Base
	if addr < m.Base || offset+size > uint32(len(m.Code)) {
		return nil
	}
	return m.Code[offset : offset+size]
}

// HalfAt reads the little-endian 16-bit halfword at addr. The second result
// is false when addr is unaligned or outside the initialized image.
func (m *Module) HalfAt(addr uint32) (uint16, bool) {
	if addr%2 != 0 {
		return 0, false
	}
	bytes := m.At(addr, 2)
	if bytes == nil {
		return 0, false
	}
	return uint16(bytes[0]) | uint16(bytes[1])<<8, true
}

// WordAt reads the little-endian 32-bit word at addr. The second result is
// false when addr is unaligned or outside the initialized image.
func (m *Module) WordAt(addr uint32) (uint32, bool) {
	if addr%4 != 0 {
		return 0, false
	}
	bytes := m.At(addr, 4)
	if bytes == nil {
		return 0, false
	}
	return uint32(bytes[0]) | uint32(bytes[1])<<8 | uint32(bytes[2])<<16 | uint32(bytes[3])<<24, true
}
