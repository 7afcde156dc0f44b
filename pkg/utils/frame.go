package utils

import (
	"fmt"
	"strings"
)

// FrameField is one contiguous span of a frame diagram.
type FrameField struct {
	Name  string
	Begin int
	Width int
}

func (f FrameField) end() int {
	return f.Begin + f.Width
}

// Returns text centered in width cells of filler, left-biased when the
// space does not split evenly.
func padCenter(text string, filler string, width int) string {
	left := (width - len(text)) / 2
	right := width - len(text) - left
	return strings.Repeat(filler, left) + text + strings.Repeat(filler, right)
}

// Inserts unnamed spans wherever consecutive fields leave units uncovered.
// Fields must be sorted by Begin and must not overlap.
func fillFrameGaps(fields []FrameField, frameWidth int) []FrameField {
	filled := make([]FrameField, 0, len(fields)+2)
	cursor := 0
	for _, field := range fields {
		if field.Begin > cursor {
			filled = append(filled, FrameField{Name: "(gap)", Begin: cursor, Width: field.Begin - cursor})
		}
		filled = append(filled, field)
		cursor = field.end()
	}
	if cursor < frameWidth {
		filled = append(filled, FrameField{Name: "(gap)", Begin: cursor, Width: frameWidth - cursor})
	}
	return filled
}

// DrawFrame renders contiguous fields as a one-row box diagram with unit
// indices above, field names inside and span widths below. Gaps between
// fields draw as unnamed spans. Fields must be sorted by Begin and must
// not overlap.
func DrawFrame(fields []FrameField, frameWidth int, unit string, leftpad int) string {
	all := fillFrameGaps(fields, frameWidth)
	if len(all) == 0 {
		return ""
	}

	type cell struct {
		index string
		name  string
		span  string
		width int
	}
	cells := make([]cell, len(all))
	for i, field := range all {
		cells[i].index = fmt.Sprint(field.Begin)
		cells[i].name = fmt.Sprintf(" %s ", field.Name)
		cells[i].span = fmt.Sprintf(" %d %s ", field.Width, unit)
		cells[i].width = Max([]int{len(cells[i].index), len(cells[i].name), len(cells[i].span) + 4})
	}

	pad := strings.Repeat(" ", leftpad)
	var indices, border, body, spans strings.Builder
	indices.WriteString(pad)
	border.WriteString(pad)
	body.WriteString(pad)
	spans.WriteString(pad)
	for _, c := range cells {
		indices.WriteString(c.index)
		indices.WriteString(strings.Repeat(" ", c.width-len(c.index)+1))
		border.WriteString("+")
		border.WriteString(strings.Repeat("-", c.width))
		body.WriteString("|")
		body.WriteString(padCenter(c.name, " ", c.width))
		spans.WriteString(" <-")
		spans.WriteString(padCenter(c.span, "-", c.width-4))
		spans.WriteString("->")
	}
	indices.WriteString(fmt.Sprint(all[len(all)-1].end() - 1))
	border.WriteString("+")
	body.WriteString("|")

	rows := []string{indices.String(), border.String(), body.String(), border.String(), spans.String()}
	return strings.Join(rows, "\n") + "\n"
}
