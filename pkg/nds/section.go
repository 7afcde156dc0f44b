package nds

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/utils"
)

// SectionKind classifies the contents of a section.
type SectionKind int

const (
	SectionCode SectionKind = iota
	SectionData
	SectionRodata
	SectionBss
)

func (k SectionKind) String() string {
	switch k {
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionRodata:
		return "rodata"
	case SectionBss:
		return "bss"
	default:
		return fmt.Sprintf("SectionKind(%d)", int(k))
	}
}

// IsInitialized reports whether the section occupies bytes in the module
// image.
func (k SectionKind) IsInitialized() bool {
	return k != SectionBss
}

func (k SectionKind) IsExecutable() bool {
	return k == SectionCode
}

func (k SectionKind) IsWriteable() bool {
	return k == SectionData || k == SectionBss
}

var ErrSectionKind = errors.New("invalid section kind")

func ParseSectionKind(text string) (SectionKind, error) {
	switch text {
	case "code":
		return SectionCode, nil
	case "data":
		return SectionData, nil
	case "rodata":
		return SectionRodata, nil
	case "bss":
		return SectionBss, nil
	}
	return 0, utils.MakeError(ErrSectionKind, "'%s'", text)
}

// Section is one named address range of a module. End is exclusive.
type Section struct {
	Name  string
	Kind  SectionKind
	Start uint32
	End   uint32
	Align uint32
}

func (s *Section) Size() uint32 {
	return s.End - s.Start
}

func (s *Section) Contains(addr uint32) bool {
	return addr >= s.Start && addr < s.End
}

func (s *Section) Overlaps(other *Section) bool {
	return s.Start < other.End && other.Start < s.End
}

func (s *Section) String() string {
	return fmt.Sprintf("%-11s start:0x%08x end:0x%08x kind:%s align:%d", s.Name, s.Start, s.End, s.Kind, s.Align)
}

// ParseSection parses one section declaration line as written by
// Section.String.
func ParseSection(line string, ctx listing.Context) (Section, error) {
	attributes := listing.Attributes(line)
	if len(attributes) == 0 || attributes[0].Value != "" {
		return Section{}, ctx.Error("expected a section name first: '%s'", line)
	}

	section := Section{Name: attributes[0].Key}
	seen := map[string]bool{}
	for _, attribute := range attributes[1:] {
		var err error
		switch attribute.Key {
		case "start":
			section.Start, err = listing.ParseAddr(attribute.Value)
		case "end":
			section.End, err = listing.ParseAddr(attribute.Value)
		case "kind":
			section.Kind, err = ParseSectionKind(attribute.Value)
		case "align":
			section.Align, err = listing.ParseUint(attribute.Value)
		default:
			err = fmt.Errorf("unknown section attribute '%s'", attribute.Key)
		}
		if err != nil {
			return Section{}, ctx.Error("%v", err)
		}
		seen[attribute.Key] = true
	}
	for _, required := range []string{"start", "end", "kind", "align"} {
		if !seen[required] {
			return Section{}, ctx.Error("section '%s' needs %s:", section.Name, required)
		}
	}
	return section, nil
}

// Layout violations. All wrap ErrLayout so callers can treat any of them as
// a malformed address-space declaration.
var (
	ErrLayout           = errors.New("invalid module layout")
	ErrSectionRange     = utils.MakeError(ErrLayout, "section end precedes start")
	ErrSectionAlign     = utils.MakeError(ErrLayout, "section alignment must be a power of two")
	ErrMisalignedStart  = utils.MakeError(ErrLayout, "section start is not aligned")
	ErrSectionOverlap   = utils.MakeError(ErrLayout, "overlapping sections")
	ErrDuplicateSection = utils.MakeError(ErrLayout, "duplicate section name")
	ErrModuleOverlap    = utils.MakeError(ErrLayout, "overlapping modules")
)

func (s *Section) validate() error {
	if s.End < s.Start {
		return utils.MakeError(ErrSectionRange, "%s [0x%08x,0x%08x)", s.Name, s.Start, s.End)
	}
	if s.Align == 0 || s.Align&(s.Align-1) != 0 {
		return utils.MakeError(ErrSectionAlign, "%s align %d", s.Name, s.Align)
	}
	if s.Start%s.Align != 0 {
		return utils.MakeError(ErrMisalignedStart, "%s start 0x%08x align %d", s.Name, s.Start, s.Align)
	}
	return nil
}

// Sections is the ordered section set of one module. Sections are kept in
// insertion order; SortedByAddress gives the address order used by analysis
// and output passes.
type Sections struct {
	sections []Section
	byName   map[string]int
}

func NewSections() *Sections {
	return &Sections{byName: make(map[string]int)}
}

// Add validates the section against the layout invariants and appends it.
func (s *Sections) Add(section Section) error {
	if err := section.validate(); err != nil {
		return err
	}
	if _, exists := s.byName[section.Name]; exists {
		return utils.MakeError(ErrDuplicateSection, "%s", section.Name)
	}
	for i := range s.sections {
		if s.sections[i].Overlaps(&section) {
			return utils.MakeError(ErrSectionOverlap, "%s [0x%08x,0x%08x) overlaps %s [0x%08x,0x%08x)",
				section.Name, section.Start, section.End,
				s.sections[i].Name, s.sections[i].Start, s.sections[i].End)
		}
	}
	s.byName[section.Name] = len(s.sections)
	s.sections = append(s.sections, section)
	return nil
}

func (s *Sections) Len() int {
	return len(s.sections)
}

func (s *Sections) ByName(name string) *Section {
	index, ok := s.byName[name]
	if !ok {
		return nil
	}
	return &s.sections[index]
}

// Containing returns the section whose range contains addr, or nil.
func (s *Sections) Containing(addr uint32) *Section {
	for i := range s.sections {
		if s.sections[i].Contains(addr) {
			return &s.sections[i]
		}
	}
	return nil
}

// All returns the sections in insertion order. The returned slice aliases
// the container.
func (s *Sections) All() []Section {
	return s.sections
}

// SortedByAddress returns the sections ordered by (start, end).
func (s *Sections) SortedByAddress() []Section {
	sorted := make([]Section, len(s.sections))
	copy(sorted, s.sections)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})
	return sorted
}

// Range returns the lowest start and highest end across all sections.
func (s *Sections) Range() (start, end uint32) {
	first := true
	for i := range s.sections {
		if first || s.sections[i].Start < start {
			start = s.sections[i].Start
		}
		if first || s.sections[i].End > end {
			end = s.sections[i].End
		}
		first = false
	}
	return start, end
}

func (s *Sections) String() string {
	var builder strings.Builder
	for _, section := range s.SortedByAddress() {
		builder.WriteString(section.String())
		builder.WriteByte('\n')
	}
	return builder.String()
}
