package piproxy

import (
	"fmt"
	"strconv"
	"strings"
)

// Longest suffix first so "kb" is not read as "b".
var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// parseBytes reads upstream.maxBody values such as "512", "64kb", "4m" or
// "1.5gb". Units are binary.
func parseBytes(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	mult := 1.0
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("size %q: missing number", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("size %q: negative", raw)
	}
	return int64(v * mult), nil
}
