package utils

import (
	"golang.org/x/exp/constraints"
)

// Sign extends the lowest width bits of a value into a signed 32 bit integer
func SignExtend[T constraints.Unsigned](value T, width int) int32 {
	shift := 32 - width
	return int32(uint32(value)<<shift) >> shift
}
