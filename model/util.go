package model

import (
	"errors"
	"sort"
)

// ErrNoLoss is returned when a training forward pass reports no loss terms.
var ErrNoLoss = errors.New("network returned no loss terms")

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParameterCount returns the number of scalar weights in params.
func ParameterCount(params []NamedParameter) int {
	n := 0
	for _, p := range params {
		n += p.Value.NumElems
	}
	return n
}
