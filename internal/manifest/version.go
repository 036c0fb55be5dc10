// File: internal/manifest/version.go
// Brief: Dotted-integer version parsing and comparison.

package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted-integer tuple such as 1.2.0. Comparison is
// left-to-right with the shorter tuple zero-padded, so 1.2 == 1.2.0.
type Version []int

// ParseVersion parses a dotted-numeric version string. A leading "v" is
// tolerated.
func ParseVersion(raw string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if trimmed == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(trimmed, ".")
	v := make(Version, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version component %q in %q", part, raw)
		}
		v[i] = n
	}
	return v, nil
}

// Compare returns -1, 0, or 1 for v against other.
func (v Version) Compare(other Version) int {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompareVersions compares two dotted-numeric strings. Unparseable inputs
// are treated as 0.0.0, matching the lenient behavior version gates need:
// a missing or garbled deployed version must not abort the evaluation.
func CompareVersions(a, b string) int {
	va, err := ParseVersion(a)
	if err != nil {
		va = Version{0}
	}
	vb, err := ParseVersion(b)
	if err != nil {
		vb = Version{0}
	}
	return va.Compare(vb)
}
