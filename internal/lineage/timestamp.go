package lineage

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// fileTimestampLayout is the compact stamp collectors put into file names.
const fileTimestampLayout = "20060102_150405"

var fileTimestampPattern = regexp.MustCompile(`(\d{8}_\d{6})`)

// ParseTimestamp parses the timestamps found in fragment files: RFC 3339,
// compact file stamps, Unix seconds, and anything go-dateparser understands.
// Relative dates ("2 hours ago", "yesterday") resolve against now.
func ParseTimestamp(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(fileTimestampLayout, s); err == nil {
		return t, true
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil && unix >= 0 {
		return time.Unix(unix, 0).UTC(), true
	}

	parser := dps.Parser{}
	cfg := &dps.Configuration{
		CurrentTime:         now,
		PreferredDateSource: dps.CurrentPeriod,
	}
	parsed, err := parser.Parse(cfg, s)
	if err != nil || parsed.IsZero() {
		return time.Time{}, false
	}
	return parsed.Time.UTC(), true
}

// timestampFromPath finds a compact file stamp in a path-like identifier.
func timestampFromPath(p string) (string, time.Time, bool) {
	m := fileTimestampPattern.FindString(p)
	if m == "" {
		return "", time.Time{}, false
	}
	t, err := time.Parse(fileTimestampLayout, m)
	if err != nil {
		return "", time.Time{}, false
	}
	return m, t, true
}
