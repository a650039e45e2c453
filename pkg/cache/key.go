package cache

import "strings"

// KeyPrefix namespaces lookup results in Redis.
const KeyPrefix = "vulnscan:lookup"

// Key identifies one cached lookup result.
type Key struct {
	// Source is the lookup source name (e.g. "osv").
	Source string

	// Unit is the unit id (e.g. "PyPI:requests@2.31.0").
	Unit string
}

// String generates a deterministic cache key string.
// Format: vulnscan:lookup:source:unit
//
// Example:
//
//	vulnscan:lookup:osv:PyPI:requests@2.31.0
func (k Key) String() string {
	return strings.Join([]string{KeyPrefix, k.Source, k.Unit}, ":")
}
