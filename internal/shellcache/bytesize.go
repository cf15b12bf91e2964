package shellcache

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseBytes accepts "512", "10kb", "1.5m", "2g" (case-insensitive) and
// "unlimited", which parses to 0.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if s == "unlimited" {
		return 0, nil
	}
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}
	mult := int64(1)
	if m, ok := sizeUnits[s[len(s)-1]]; ok {
		mult = m
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
