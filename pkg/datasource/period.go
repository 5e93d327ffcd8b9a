package datasource

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Period is an ISO 8601 duration such as "P1D" or "PT6H30M". Year and month
// designators are accepted but contribute nothing, matching the service's
// interpretation of rolling horizon periods.
type Period time.Duration

var periodPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParsePeriod parses an ISO 8601 duration string.
func ParsePeriod(s string) (Period, error) {
	m := periodPattern.FindStringSubmatch(s)
	if m == nil || s == "P" {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}
	var d time.Duration
	if m[3] != "" {
		days, _ := strconv.Atoi(m[3])
		d += time.Duration(days) * 24 * time.Hour
	}
	if m[4] != "" {
		hours, _ := strconv.Atoi(m[4])
		d += time.Duration(hours) * time.Hour
	}
	if m[5] != "" {
		mins, _ := strconv.Atoi(m[5])
		d += time.Duration(mins) * time.Minute
	}
	if m[6] != "" {
		secs, _ := strconv.ParseFloat(m[6], 64)
		d += time.Duration(secs * float64(time.Second))
	}
	return Period(d), nil
}

// Duration returns the period as a time.Duration.
func (p Period) Duration() time.Duration { return time.Duration(p) }

// String formats the period as an ISO 8601 duration.
func (p Period) String() string {
	d := time.Duration(p)
	if d == 0 {
		return "PT0S"
	}
	out := "P"
	if days := d / (24 * time.Hour); days > 0 {
		out += fmt.Sprintf("%dD", days)
		d -= days * 24 * time.Hour
	}
	if d > 0 {
		out += "T"
		if h := d / time.Hour; h > 0 {
			out += fmt.Sprintf("%dH", h)
			d -= h * time.Hour
		}
		if m := d / time.Minute; m > 0 {
			out += fmt.Sprintf("%dM", m)
			d -= m * time.Minute
		}
		if d > 0 {
			out += fmt.Sprintf("%gS", d.Seconds())
		}
	}
	return out
}

// MarshalJSON serializes the period as an ISO 8601 duration string, or null
// when zero.
func (p Period) MarshalJSON() ([]byte, error) {
	if p == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON parses either an ISO 8601 duration string or null.
func (p *Period) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
