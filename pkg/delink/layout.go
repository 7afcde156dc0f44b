// Package delink splits an analyzed module into per-file relocatable units.
//
// A delinks listing declares the module's sections, then the files that
// claim ranges of them in link order. Before any bytes are copied out the
// claims, plus synthesized gap files for unclaimed space, must tile every
// section exactly.
package delink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/nds"
	"dsdelink/pkg/utils"
)

// ErrLayoutMismatch reports a file layout that does not tile its module's
// sections. Fatal for the affected module; other modules keep delinking.
var ErrLayoutMismatch = errors.New("file layout mismatch")

// SectionRange is one file's claim on part of a module section.
type SectionRange struct {
	Section string
	Start   uint32
	End     uint32
}

func (r SectionRange) Size() uint32 {
	return r.End - r.Start
}

func (r SectionRange) String() string {
	return fmt.Sprintf("%-11s start:%s end:%s", r.Section, listing.FormatAddr(r.Start), listing.FormatAddr(r.End))
}

// DelinkFile is one translation unit of the original program: a path and
// the section ranges its object contributed to the module. Complete files
// are replaced downstream by an externally built object, so their contents
// only matter for layout.
type DelinkFile struct {
	Path     string
	Complete bool
	Ranges   []SectionRange
}

// FirstStart returns the lowest address the file claims, used to place
// synthesized files among authored ones.
func (f *DelinkFile) FirstStart() uint32 {
	first := ^uint32(0)
	for _, r := range f.Ranges {
		if r.Start < first {
			first = r.Start
		}
	}
	return first
}

// ClaimsSection reports whether the file claims a range of the named
// section.
func (f *DelinkFile) ClaimsSection(name string) bool {
	for _, r := range f.Ranges {
		if r.Section == name {
			return true
		}
	}
	return false
}

// Layout is the parsed delinks listing of one module: its section table and
// its files in link order.
type Layout struct {
	Sections *nds.Sections
	Files    []DelinkFile
}

func NewLayout(sections *nds.Sections) *Layout {
	if sections == nil {
		sections = nds.NewSections()
	}
	return &Layout{Sections: sections}
}

// ReadLayout parses a delinks listing: an indented section header block,
// then `path:` blocks with an optional `complete` line and indented range
// lines. Kind and alignment of ranges come from the header.
func ReadLayout(reader io.Reader, path string) (*Layout, error) {
	layout := NewLayout(nil)
	ctx := listing.Context{Path: path}
	scanner := bufio.NewScanner(reader)
	var current *DelinkFile

	for scanner.Scan() {
		ctx.Row++
		line := listing.StripComment(scanner.Text())
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indented := line[0] == ' ' || line[0] == '\t'

		if !indented {
			name, found := strings.CutSuffix(trimmed, ":")
			if !found || name == "" {
				return nil, ctx.Error("expected a 'path:' block, got '%s'", trimmed)
			}
			layout.Files = append(layout.Files, DelinkFile{Path: name})
			current = &layout.Files[len(layout.Files)-1]
			continue
		}
		if current == nil {
			section, err := nds.ParseSection(trimmed, ctx)
			if err != nil {
				return nil, err
			}
			if err := layout.Sections.Add(section); err != nil {
				return nil, fmt.Errorf("%s: %w", ctx, err)
			}
			continue
		}
		if trimmed == "complete" {
			current.Complete = true
			continue
		}
		r, err := parseRange(trimmed, layout.Sections, ctx)
		if err != nil {
			return nil, err
		}
		current.Ranges = append(current.Ranges, r)
	}
	return layout, scanner.Err()
}

func parseRange(line string, sections *nds.Sections, ctx listing.Context) (SectionRange, error) {
	attributes := listing.Attributes(line)
	if len(attributes) == 0 || attributes[0].Value != "" {
		return SectionRange{}, ctx.Error("expected a section name first: '%s'", line)
	}

	r := SectionRange{Section: attributes[0].Key}
	sawStart, sawEnd := false, false
	for _, attribute := range attributes[1:] {
		var err error
		switch attribute.Key {
		case "start":
			r.Start, err = listing.ParseAddr(attribute.Value)
			sawStart = true
		case "end":
			r.End, err = listing.ParseAddr(attribute.Value)
			sawEnd = true
		default:
			err = fmt.Errorf("unknown range attribute '%s'", attribute.Key)
		}
		if err != nil {
			return SectionRange{}, ctx.Error("%v", err)
		}
	}
	if !sawStart || !sawEnd {
		return SectionRange{}, ctx.Error("range of '%s' needs start: and end:", r.Section)
	}
	if r.End < r.Start {
		return SectionRange{}, ctx.Error("range end %s precedes start %s", listing.FormatAddr(r.End), listing.FormatAddr(r.Start))
	}
	if sections.ByName(r.Section) == nil {
		return SectionRange{}, ctx.Error("range names undeclared section '%s'", r.Section)
	}
	return r, nil
}

// WriteLayout renders the layout in the delinks listing format, sections
// sorted by address and files in link order.
func WriteLayout(writer io.Writer, layout *Layout) error {
	for _, section := range layout.Sections.SortedByAddress() {
		if _, err := fmt.Fprintf(writer, "    %s\n", section.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(writer); err != nil {
		return err
	}
	for i := range layout.Files {
		file := &layout.Files[i]
		if _, err := fmt.Fprintf(writer, "%s:\n", file.Path); err != nil {
			return err
		}
		if file.Complete {
			if _, err := fmt.Fprintln(writer, "    complete"); err != nil {
				return err
			}
		}
		for _, r := range file.Ranges {
			if _, err := fmt.Fprintf(writer, "    %s\n", r.String()); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(writer); err != nil {
			return err
		}
	}
	return nil
}

func LoadLayout(path string) (*Layout, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadLayout(file, path)
}

func SaveLayout(path string, layout *Layout) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	if err := WriteLayout(writer, layout); err != nil {
		return err
	}
	return writer.Flush()
}

// claim pairs a range with the index of the file that owns it. A file index
// of -1 marks a synthesized gap.
type claim struct {
	file int
	r    SectionRange
}

func (l *Layout) sectionClaims(name string) []claim {
	var claims []claim
	for i := range l.Files {
		for _, r := range l.Files[i].Ranges {
			if r.Section == name {
				claims = append(claims, claim{file: i, r: r})
			}
		}
	}
	sort.SliceStable(claims, func(a, b int) bool { return claims[a].r.Start < claims[b].r.Start })
	return claims
}

type violation struct {
	addr uint32
	err  error
}

// Verify checks that the files tile every declared section exactly, that no
// claim leaves its section, and that link order matches address order in
// every section. All violations are returned, sorted by the address where
// they occur.
func (l *Layout) Verify() []error {
	var violations []violation
	report := func(addr uint32, format string, args ...any) {
		violations = append(violations, violation{addr: addr, err: utils.MakeError(ErrLayoutMismatch, format, args...)})
	}

	for _, section := range l.Sections.SortedByAddress() {
		claims := l.sectionClaims(section.Name)
		cursor := section.Start
		lastFile := -1
		for _, c := range claims {
			if c.r.Start < section.Start || c.r.End > section.End {
				report(c.r.Start, "%s claims [%s,%s) outside section %s [%s,%s)",
					l.Files[c.file].Path, listing.FormatAddr(c.r.Start), listing.FormatAddr(c.r.End),
					section.Name, listing.FormatAddr(section.Start), listing.FormatAddr(section.End))
			}
			if c.file < lastFile {
				report(c.r.Start, "section %s: %s at %s is out of link order",
					section.Name, l.Files[c.file].Path, listing.FormatAddr(c.r.Start))
			} else {
				lastFile = c.file
			}
			if c.r.Start > cursor {
				report(cursor, "section %s: [%s,%s) is claimed by no file",
					section.Name, listing.FormatAddr(cursor), listing.FormatAddr(c.r.Start))
			} else if c.r.Start < cursor {
				overlapEnd := utils.Min([]uint32{c.r.End, cursor})
				report(c.r.Start, "section %s: [%s,%s) is claimed twice, by %s and %s",
					section.Name, listing.FormatAddr(c.r.Start), listing.FormatAddr(overlapEnd),
					l.Files[previousOwner(claims, c)].Path, l.Files[c.file].Path)
			}
			if c.r.End > cursor {
				cursor = c.r.End
			}
		}
		if cursor < section.End {
			report(cursor, "section %s: [%s,%s) is claimed by no file",
				section.Name, listing.FormatAddr(cursor), listing.FormatAddr(section.End))
		}
	}

	sort.SliceStable(violations, func(a, b int) bool { return violations[a].addr < violations[b].addr })
	return utils.Map(violations, func(v violation) error { return v.err })
}

// previousOwner finds the claim whose range reaches farthest over c's start,
// the counterpart named in an overlap report.
func previousOwner(claims []claim, c claim) int {
	owner := c.file
	farthest := uint32(0)
	for _, other := range claims {
		if other == c || other.r.Start > c.r.Start {
			continue
		}
		if other.r.End > c.r.Start && other.r.End > farthest {
			farthest = other.r.End
			owner = other.file
		}
	}
	return owner
}

// FillGaps returns a copy of the layout in which every unclaimed interval is
// claimed by a synthesized gap file, so a sparse authored layout still tiles
// its sections. Address-adjacent gaps crossing a section boundary merge into
// one file. Overlapping claims cannot be gap-filled and fail verification.
func (l *Layout) FillGaps(moduleName string) (*Layout, error) {
	var gaps []SectionRange
	for _, section := range l.Sections.SortedByAddress() {
		cursor := section.Start
		for _, c := range l.sectionClaims(section.Name) {
			if c.r.Start < section.Start || c.r.End > section.End || c.r.Start < cursor {
				return nil, errors.Join(l.Verify()...)
			}
			if c.r.Start > cursor {
				gaps = append(gaps, SectionRange{Section: section.Name, Start: cursor, End: c.r.Start})
			}
			cursor = c.r.End
		}
		if cursor < section.End {
			gaps = append(gaps, SectionRange{Section: section.Name, Start: cursor, End: section.End})
		}
	}

	filled := &Layout{Sections: l.Sections, Files: append([]DelinkFile(nil), l.Files...)}
	sort.SliceStable(gaps, func(a, b int) bool { return gaps[a].Start < gaps[b].Start })
	count := 0
	for start := 0; start < len(gaps); {
		end := start + 1
		for end < len(gaps) && gaps[end].Start == gaps[end-1].End {
			end++
		}
		gap := DelinkFile{
			Path:   fmt.Sprintf("%s_gap_%d", moduleName, count),
			Ranges: append([]SectionRange(nil), gaps[start:end]...),
		}
		filled.insertGap(gap)
		count++
		start = end
	}
	return filled, nil
}

// insertGap places a gap file before the first file whose claims in a shared
// section sit past the gap, keeping link order equal to address order.
func (l *Layout) insertGap(gap DelinkFile) {
	index := len(l.Files)
	for i := range l.Files {
		if fileFollowsGap(&l.Files[i], &gap) {
			index = i
			break
		}
	}
	l.Files = append(l.Files, DelinkFile{})
	copy(l.Files[index+1:], l.Files[index:])
	l.Files[index] = gap
}

func fileFollowsGap(file, gap *DelinkFile) bool {
	for _, g := range gap.Ranges {
		for _, r := range file.Ranges {
			if r.Section == g.Section && r.Start >= g.End {
				return true
			}
		}
	}
	return false
}
