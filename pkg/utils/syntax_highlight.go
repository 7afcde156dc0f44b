// Package utils provides utility functions for the delinker.
package utils

import (
	"regexp"
	"strings"

	"github.com/fatih/color"
)

// Assembly syntax highlighting colors
var (
	// Instruction mnemonics
	asmMnemonicColor = color.New(color.FgMagenta, color.Bold)
	// Registers
	asmRegisterColor = color.New(color.FgCyan)
	// Numbers and immediates
	asmNumberColor = color.New(color.FgYellow)
	// Comments
	asmCommentColor = color.New(color.FgHiBlack)
	// Assembler directives
	asmDirectiveColor = color.New(color.FgBlue)
	// Labels and symbol definitions
	asmLabelColor = color.New(color.FgHiYellow)
)

// ARM register names, including the usual aliases
var asmRegisters = map[string]bool{
	"r0": true, "r1": true, "r2": true, "r3": true,
	"r4": true, "r5": true, "r6": true, "r7": true,
	"r8": true, "r9": true, "r10": true, "r11": true,
	"r12": true, "r13": true, "r14": true, "r15": true,
	"sb": true, "sl": true, "fp": true, "ip": true,
	"sp": true, "lr": true, "pc": true,
	"cpsr": true, "spsr": true,
}

// Patterns for syntax elements
var (
	// Matches line comments
	asmCommentPattern = regexp.MustCompile(`//.*$`)
	// Matches a label definition at the start of a line
	asmLabelPattern = regexp.MustCompile(`^[.\w$]+:`)
	// Matches assembler directives
	asmDirectivePattern = regexp.MustCompile(`\.(?:word|hword|byte|space|section|global|align)\b`)
	// Matches the mnemonic of an indented instruction line
	asmMnemonicPattern = regexp.MustCompile(`^\s+([a-z][a-z0-9]*)\b`)
	// Matches immediates and addresses (hex or decimal, optional # prefix)
	asmNumberPattern = regexp.MustCompile(`#?-?(?:0[xX][0-9a-fA-F]+|\b[0-9]+\b)`)
	// Matches identifiers (for register matching)
	asmIdentifierPattern = regexp.MustCompile(`\b[a-zA-Z_][a-zA-Z0-9_]*\b`)
)

// token represents a syntax-highlighted token
type token struct {
	text  string
	color *color.Color
	start int
	end   int
}

// HighlightAsm applies syntax highlighting to one line of assembly and
// returns the colored string.
func HighlightAsm(line string) string {
	if line == "" {
		return ""
	}

	// Build a list of tokens with their positions
	var tokens []token

	// First pass: find comments (nothing inside a comment is highlighted)
	commentMatches := asmCommentPattern.FindAllStringIndex(line, -1)
	for _, match := range commentMatches {
		tokens = append(tokens, token{
			text:  line[match[0]:match[1]],
			color: asmCommentColor,
			start: match[0],
			end:   match[1],
		})
	}

	// Find label definitions
	if match := asmLabelPattern.FindStringIndex(line); match != nil {
		if !overlapsAny(match[0], match[1], tokens) {
			tokens = append(tokens, token{
				text:  line[match[0]:match[1]],
				color: asmLabelColor,
				start: match[0],
				end:   match[1],
			})
		}
	}

	// Find directives
	directiveMatches := asmDirectivePattern.FindAllStringIndex(line, -1)
	for _, match := range directiveMatches {
		if !overlapsAny(match[0], match[1], tokens) {
			tokens = append(tokens, token{
				text:  line[match[0]:match[1]],
				color: asmDirectiveColor,
				start: match[0],
				end:   match[1],
			})
		}
	}

	// Find the mnemonic
	if match := asmMnemonicPattern.FindStringSubmatchIndex(line); match != nil && len(match) >= 4 {
		if !overlapsAny(match[2], match[3], tokens) {
			tokens = append(tokens, token{
				text:  line[match[2]:match[3]],
				color: asmMnemonicColor,
				start: match[2],
				end:   match[3],
			})
		}
	}

	// Find numbers
	numberMatches := asmNumberPattern.FindAllStringIndex(line, -1)
	for _, match := range numberMatches {
		if !overlapsAny(match[0], match[1], tokens) {
			tokens = append(tokens, token{
				text:  line[match[0]:match[1]],
				color: asmNumberColor,
				start: match[0],
				end:   match[1],
			})
		}
	}

	// Find registers
	identMatches := asmIdentifierPattern.FindAllStringIndex(line, -1)
	for _, match := range identMatches {
		if !overlapsAny(match[0], match[1], tokens) {
			word := line[match[0]:match[1]]
			if asmRegisters[word] {
				tokens = append(tokens, token{
					text:  word,
					color: asmRegisterColor,
					start: match[0],
					end:   match[1],
				})
			}
		}
	}

	// Build the final highlighted string
	return buildHighlightedString(line, tokens)
}

// overlapsAny checks if a range overlaps with any existing token
func overlapsAny(start, end int, tokens []token) bool {
	for _, t := range tokens {
		if start < t.end && end > t.start {
			return true
		}
	}
	return false
}

// buildHighlightedString constructs the final string with color codes
func buildHighlightedString(line string, tokens []token) string {
	if len(tokens) == 0 {
		return line
	}

	// Sort tokens by start position
	sortTokens(tokens)

	var result strings.Builder
	pos := 0

	for _, t := range tokens {
		// Add unhighlighted text before this token
		if t.start > pos {
			result.WriteString(line[pos:t.start])
		}
		// Add highlighted token
		result.WriteString(t.color.Sprint(t.text))
		pos = t.end
	}

	// Add remaining unhighlighted text
	if pos < len(line) {
		result.WriteString(line[pos:])
	}

	return result.String()
}

// sortTokens sorts tokens by start position (simple insertion sort for small arrays)
func sortTokens(tokens []token) {
	for i := 1; i < len(tokens); i++ {
		key := tokens[i]
		j := i - 1
		for j >= 0 && tokens[j].start > key.start {
			tokens[j+1] = tokens[j]
			j--
		}
		tokens[j+1] = key
	}
}
