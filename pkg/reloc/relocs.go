package reloc

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"dsdelink/pkg/listing"
	"dsdelink/pkg/utils"
)

// Relocations holds one module's relocations keyed by origin address. At
// most one relocation exists per address.
type Relocations struct {
	byFrom map[uint32]int
	sorted []Relocation
	dirty  bool
}

func NewRelocations() *Relocations {
	return &Relocations{byFrom: map[uint32]int{}}
}

// Add inserts a relocation. A second relocation at the same address is
// dropped with a warning when identical and rejected otherwise.
func (r *Relocations) Add(reloc Relocation) error {
	if index, exists := r.byFrom[reloc.From]; exists {
		existing := r.sorted[index]
		if existing.Kind == reloc.Kind && existing.To == reloc.To &&
			existing.Addend == reloc.Addend && existing.Destination.String() == reloc.Destination.String() {
			slog.Warn("duplicate relocation", "from", listing.FormatAddr(reloc.From), "kind", reloc.Kind)
			return nil
		}
		return utils.MakeError(ErrRelocationCollision,
			"at %s: %s vs %s", listing.FormatAddr(reloc.From), existing, reloc)
	}
	r.byFrom[reloc.From] = len(r.sorted)
	r.sorted = append(r.sorted, reloc)
	r.dirty = true
	return nil
}

// At returns the relocation originating at from, if any.
func (r *Relocations) At(from uint32) (Relocation, bool) {
	index, exists := r.byFrom[from]
	if !exists {
		return Relocation{}, false
	}
	return r.sorted[index], true
}

// Replace swaps the relocation at reloc.From, which must exist.
func (r *Relocations) Replace(reloc Relocation) error {
	index, exists := r.byFrom[reloc.From]
	if !exists {
		return utils.MakeError(ErrRelocationCollision, "no relocation at %s to replace", listing.FormatAddr(reloc.From))
	}
	r.sorted[index] = reloc
	return nil
}

func (r *Relocations) Len() int {
	return len(r.sorted)
}

func (r *Relocations) sortIfDirty() {
	if !r.dirty {
		return
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].From < r.sorted[j].From })
	for index, reloc := range r.sorted {
		r.byFrom[reloc.From] = index
	}
	r.dirty = false
}

// All returns every relocation in ascending address order. The slice is
// shared; callers must not mutate it.
func (r *Relocations) All() []Relocation {
	r.sortIfDirty()
	return r.sorted
}

// InRange returns the relocations whose origin lies in [start, end), in
// ascending address order.
func (r *Relocations) InRange(start, end uint32) []Relocation {
	r.sortIfDirty()
	lo := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i].From >= start })
	hi := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i].From >= end })
	return r.sorted[lo:hi]
}

// ReadRelocations parses a relocs listing. Path only labels errors.
func ReadRelocations(reader io.Reader, path string) (*Relocations, error) {
	relocations := NewRelocations()
	ctx := listing.Context{Path: path}
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		ctx.Row++
		line := listing.StripComment(scanner.Text())
		if line == "" {
			continue
		}
		relocation, err := ParseRelocation(line, ctx)
		if err != nil {
			return nil, err
		}
		if err := relocations.Add(relocation); err != nil {
			return nil, ctx.Error("%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return relocations, nil
}

// WriteRelocations writes the listing in ascending address order.
func WriteRelocations(writer io.Writer, relocations *Relocations) error {
	for _, relocation := range relocations.All() {
		if _, err := fmt.Fprintln(writer, relocation.String()); err != nil {
			return err
		}
	}
	return nil
}

func LoadRelocations(path string) (*Relocations, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadRelocations(file, path)
}

func SaveRelocations(path string, relocations *Relocations) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	if err := WriteRelocations(writer, relocations); err != nil {
		return err
	}
	return writer.Flush()
}
