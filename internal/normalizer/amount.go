package normalizer

import (
	"math"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

const (
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

// CoerceAmount reads f as an integer amount. Numbers truncate toward zero,
// numeric strings are parsed (decimal, exponent, 0x/0o/0b prefixed) and true
// counts as 1. Everything else, including non-finite and out of range values, is 0.
func CoerceAmount(f models.Field) int64 {
	if !f.Truthy() {
		return 0
	}

	switch f.Kind() {
	case models.KindNumber:
		n, _ := f.AsNumber()
		return truncate(n)
	case models.KindString:
		s, _ := f.AsString()
		return truncate(parseNumeric(s))
	case models.KindBool:
		return 1
	default:
		return 0
	}
}

// parseNumeric returns NaN for anything that is not a plain numeric literal.
func parseNumeric(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.ContainsRune(s, '_') {
		return math.NaN()
	}

	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X', 'o', 'O', 'b', 'B':
			n, err := strconv.ParseUint(s, 0, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return n
}

func truncate(n float64) int64 {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	n = math.Trunc(n)
	if n < minInt64Float || n >= maxInt64Float {
		return 0
	}
	return int64(n)
}
