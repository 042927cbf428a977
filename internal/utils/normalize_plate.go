package utils

import "strings"

// NormalizePlate brings an OCR or registry plate to the stored form:
// trimmed, without spaces, upper case.
func NormalizePlate(raw string) string {
	normalized := strings.TrimSpace(raw)
	normalized = strings.ReplaceAll(normalized, " ", "")
	normalized = strings.ToUpper(normalized)
	return normalized
}

// PlateKey is the looser form used for comparisons; it also drops hyphens.
func PlateKey(raw string) string {
	return strings.ReplaceAll(NormalizePlate(raw), "-", "")
}

// IsReadablePlate reports whether a plate reader result names a real plate
// rather than one of its placeholders.
func IsReadablePlate(plate string) bool {
	switch NormalizePlate(plate) {
	case "", "UNKNOWN", "N/A":
		return false
	}
	return true
}
