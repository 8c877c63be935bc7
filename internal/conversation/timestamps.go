package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WireTimeLayout is the dotted local-time layout used for outbound dataHora.
const WireTimeLayout = "02.01.2006 15:04:05"

// FormatWireTime renders t in local time using WireTimeLayout.
func FormatWireTime(t time.Time) string {
	return t.Local().Format(WireTimeLayout)
}

var (
	isoPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T`)
	dottedRe  = regexp.MustCompile(`(\d{2})\.(\d{2})\.(\d{4}) (\d{2}):(\d{2}):(\d{2})`)
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts ISO-8601 and the dotted layout. Zone-less values are
// read as local time.
func ParseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if isoPrefix.MatchString(v) {
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	if m := dottedRe.FindStringSubmatch(v); m != nil {
		n := make([]int, 6)
		for i := range n {
			n[i], _ = strconv.Atoi(m[i+1])
		}
		return time.Date(n[2], time.Month(n[1]), n[0], n[3], n[4], n[5], 0, time.Local), true
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", v, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}
