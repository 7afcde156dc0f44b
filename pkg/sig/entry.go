// Package sig captures and matches function signatures: position-independent
// byte patterns that recognize a known function inside an unanalyzed binary
// and recover its name.
package sig

import (
	"encoding/base64"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dsdelink/pkg/utils"
)

var ErrSignature = errors.New("invalid signature")

// EntryReloc is one external reference of the signed function, kept in the
// relocs listing vocabulary so a recovered function can be re-linked.
type EntryReloc struct {
	Offset uint32 `yaml:"offset"`
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	Kind   string `yaml:"kind"`
	Addend int32  `yaml:"addend,omitempty"`
}

// Entry is one stored signature. Bitmask and Pattern are base64-encoded
// byte strings of the function's length: a function matches when its code
// AND Bitmask equals Pattern.
type Entry struct {
	Name        string       `yaml:"name"`
	Bitmask     string       `yaml:"bitmask"`
	Pattern     string       `yaml:"pattern"`
	Relocations []EntryReloc `yaml:"relocations,omitempty"`
}

type mask struct {
	bits    []byte
	pattern []byte
}

func (e *Entry) mask() (mask, error) {
	bits, err := base64.StdEncoding.DecodeString(e.Bitmask)
	if err != nil {
		return mask{}, utils.MakeError(ErrSignature, "'%s' bitmask: %v", e.Name, err)
	}
	pattern, err := base64.StdEncoding.DecodeString(e.Pattern)
	if err != nil {
		return mask{}, utils.MakeError(ErrSignature, "'%s' pattern: %v", e.Name, err)
	}
	if len(bits) != len(pattern) {
		return mask{}, utils.MakeError(ErrSignature,
			"'%s' has a %d byte bitmask for a %d byte pattern", e.Name, len(bits), len(pattern))
	}
	return mask{bits: bits, pattern: pattern}, nil
}

func (m mask) matches(code []byte) bool {
	if len(code) != len(m.pattern) {
		return false
	}
	for i, b := range code {
		if b&m.bits[i] != m.pattern[i] {
			return false
		}
	}
	return true
}

// Length returns the byte length of the signed function, or zero when the
// pattern does not decode.
func (e *Entry) Length() int {
	decoded, err := e.mask()
	if err != nil {
		return 0
	}
	return len(decoded.pattern)
}

// ByName returns the entry with the given function name, if present.
func ByName(entries []Entry, name string) *Entry {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}

// ReadEntries parses a YAML signature list.
func ReadEntries(reader io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, utils.MakeError(ErrSignature, "%v", err)
	}
	return entries, nil
}

func WriteEntries(writer io.Writer, entries []Entry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}

// LoadEntries reads a signature file. A missing file is an empty list so a
// first capture can start one.
func LoadEntries(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadEntries(file)
}

func SaveEntries(path string, entries []Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteEntries(file, entries)
}
