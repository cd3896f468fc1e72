// Package utils holds small parsing and formatting helpers shared by the
// configuration and the CLI.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]*)$`)

// sizeUnits maps upper-cased unit names to bytes. KB, MB and GB are decimal;
// K, M, G and the IEC names are binary.
var sizeUnits = map[string]int64{
	"":    1,
	"B":   1,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"K":   1 << 10,
	"KIB": 1 << 10,
	"M":   1 << 20,
	"MIB": 1 << 20,
	"G":   1 << 30,
	"GIB": 1 << 30,
}

// ParseSize parses sizes like "512", "64KiB", "1.5MB" or "16M" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (expected e.g. 512KiB, 16MB)", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", m[2])
	}

	n := int64(value * float64(mult))
	if n < 0 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n, nil
}

// FormatSize renders n bytes with a binary unit, e.g. "1.5 KiB".
func FormatSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(n) / 1024
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.1f", value), "0"), ".") + " " + units[i]
}
