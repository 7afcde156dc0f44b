package utils

// Applies a function to every item of a sequence and collects the results
func Map[T any, U any](input []T, mapFunc func(T) U) []U {
	output := make([]U, len(input))
	for i := range input {
		output[i] = mapFunc(input[i])
	}
	return output
}

// Returns an array with all the keys of a map, in no particular order
func Keys[Key comparable, Value any](input map[Key]Value) []Key {
	keys := make([]Key, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	return keys
}

// Converts a Key -> Value map into a Value -> Key map
func InvertedMap[Key comparable, Value comparable](input map[Key]Value) map[Value]Key {
	output := make(map[Value]Key, len(input))
	for key, value := range input {
		output[value] = key
	}
	return output
}
