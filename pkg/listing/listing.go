// Package listing implements the shared pieces of the line-oriented text
// formats used for symbols, relocations and delink layouts: whitespace
// separated key:value tokens, // comments, and file:row error context.
package listing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dsdelink/pkg/utils"
)

var ErrParse = errors.New("parse error")

// Context locates a parse error within its source file.
type Context struct {
	Path string
	Row  int
}

func (c Context) String() string {
	return fmt.Sprintf("%s:%d", c.Path, c.Row)
}

// Error wraps ErrParse with the location and a reason.
func (c Context) Error(reason string, args ...any) error {
	return utils.MakeError(ErrParse, "%s: %s", c, fmt.Sprintf(reason, args...))
}

// StripComment removes a trailing // comment and surrounding whitespace.
func StripComment(line string) string {
	if index := strings.Index(line, "//"); index >= 0 {
		line = line[:index]
	}
	return strings.TrimSpace(line)
}

// Attribute is one key:value token. Tokens without a colon parse as a bare
// Key with an empty Value.
type Attribute struct {
	Key   string
	Value string
}

// Attributes splits a line into whitespace separated attribute tokens.
func Attributes(line string) []Attribute {
	fields := strings.Fields(line)
	attributes := make([]Attribute, 0, len(fields))
	for _, field := range fields {
		key, value, found := strings.Cut(field, ":")
		if !found {
			attributes = append(attributes, Attribute{Key: field})
			continue
		}
		attributes = append(attributes, Attribute{Key: key, Value: value})
	}
	return attributes
}

// ParseAddr parses a 32-bit address written as 0x-prefixed hex.
func ParseAddr(text string) (uint32, error) {
	value, err := strconv.ParseUint(strings.TrimPrefix(text, "0x"), 16, 32)
	if err != nil {
		return 0, utils.MakeError(ErrParse, "address '%s': %v", text, err)
	}
	return uint32(value), nil
}

// FormatAddr formats an address in the canonical fixed width used by every
// listing: 0x-prefixed, eight hex digits.
func FormatAddr(addr uint32) string {
	return fmt.Sprintf("0x%08x", addr)
}

// ParseUint parses an unsigned decimal or 0x-prefixed hex number.
func ParseUint(text string) (uint32, error) {
	base := 10
	if rest, ok := strings.CutPrefix(text, "0x"); ok {
		text = rest
		base = 16
	}
	value, err := strconv.ParseUint(text, base, 32)
	if err != nil {
		return 0, utils.MakeError(ErrParse, "number '%s': %v", text, err)
	}
	return uint32(value), nil
}

// ParseInt parses a signed decimal or 0x-prefixed hex number, with an
// optional leading minus.
func ParseInt(text string) (int32, error) {
	negative := false
	if rest, ok := strings.CutPrefix(text, "-"); ok {
		text = rest
		negative = true
	}
	value, err := ParseUint(text)
	if err != nil {
		return 0, err
	}
	result := int32(value)
	if negative {
		result = -result
	}
	return result, nil
}
