package bledev

import (
	"strings"
)

// baseUUIDSuffix completes 16 and 32 bit SIG UUIDs to 128 bits.
const baseUUIDSuffix = "00001000800000805f9b34fb"

// CanonicalUUID lower-cases u, drops dashes and braces and expands short SIG
// UUIDs so that "180d", "0000180d" and the dashed 128 bit form compare equal.
// Anything that is not hex of a known length is returned cleaned but unexpanded.
func CanonicalUUID(u string) string {
	s := strings.ToLower(strings.NewReplacer("-", "", "{", "", "}", "").Replace(strings.TrimSpace(u)))
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return s
		}
	}
	switch len(s) {
	case 4:
		return "0000" + s + baseUUIDSuffix
	case 8:
		return s + baseUUIDSuffix
	}
	return s
}

// SameUUID compares two UUID strings in any of the accepted notations.
func SameUUID(a, b string) bool { return CanonicalUUID(a) == CanonicalUUID(b) }

// FormatUUID renders u in the dashed 8-4-4-4-12 form.
func FormatUUID(u string) string {
	s := CanonicalUUID(u)
	if len(s) != 32 {
		return s
	}
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
}
