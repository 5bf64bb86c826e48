package normalizer

import (
	"math"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// CanonicalLayout is the stored timestamp form: UTC with millisecond precision.
const CanonicalLayout = "2006-01-02T15:04:05.000Z"

// Layouts tried before the general parser. Inputs without an offset are read
// as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-01",
	"2006",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC822,
	time.RFC822Z,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RubyDate,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
}

// ParseTimestamp reads f as a date-time and returns its canonical form, or nil
// when f is absent, null, empty or unparseable. JSON numbers are epoch milliseconds.
func ParseTimestamp(f models.Field) *string {
	var (
		t  time.Time
		ok bool
	)
	switch f.Kind() {
	case models.KindString:
		s, _ := f.AsString()
		t, ok = ParseTime(s)
	case models.KindNumber:
		n, _ := f.AsNumber()
		t, ok = fromEpochMillis(n)
	}
	if !ok {
		return nil
	}
	s := FormatTimestamp(t)
	return &s
}

// ParseTime parses s as a date-time. Known layouts are tried first, then
// dateparse, which reads numeric dates month first ("01/02/2024" is 2 January).
// A trailing parenthesised zone name is ignored.
func ParseTime(s string) (time.Time, bool) {
	s = stripZoneComment(strings.TrimSpace(s))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, inRange(t)
		}
	}

	// Bare digit runs other than a year are not dates; dateparse would read
	// them as epoch values.
	if allDigits(s) {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, inRange(t)
}

// stripZoneComment drops a trailing "(Central European Time)" style suffix.
func stripZoneComment(s string) string {
	if strings.HasSuffix(s, ")") {
		if i := strings.LastIndex(s, " ("); i > 0 {
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(CanonicalLayout)
}

func fromEpochMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}
	// 8.64e15 ms is the widest representable date-time range.
	if math.Abs(ms) > 8.64e15 {
		return time.Time{}, false
	}
	t := time.UnixMilli(int64(math.Trunc(ms))).UTC()
	return t, inRange(t)
}

func inRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 0 && y <= 9999
}
