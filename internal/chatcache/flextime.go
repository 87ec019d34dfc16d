package chatcache

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// FlexTime is a UTC instant that tolerates every timestamp shape found in the
// mirror: epoch seconds as int or float, or ISO-8601 strings with a trailing
// "Z" or no offset at all (assumed UTC). It marshals back as epoch seconds.
//
// An unparseable value decodes as the zero instant with Valid() == false
// instead of failing the whole record — a single bad timestamp must degrade
// one field, not drop the chat from sync.
type FlexTime struct {
	time.Time

	invalid bool
}

// Now returns the current instant as a FlexTime.
func Now() FlexTime { return FlexTime{Time: time.Now().UTC()} }

// At wraps an existing time.Time.
func At(t time.Time) FlexTime { return FlexTime{Time: t.UTC()} }

// Valid reports whether the decoded value parsed cleanly. The zero FlexTime
// (field absent) is valid; a present-but-garbled value is not.
func (t FlexTime) Valid() bool { return !t.invalid }

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	sec := float64(t.UnixNano()) / float64(time.Second)
	return []byte(strconv.FormatFloat(sec, 'f', -1, 64)), nil
}

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		*t = FlexTime{}
		return nil
	}

	if len(s) > 1 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			*t = FlexTime{invalid: true}
			return nil
		}
		parsed, err := parseTimestamp(str)
		if err != nil {
			*t = FlexTime{invalid: true}
			return nil
		}
		*t = FlexTime{Time: parsed}
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*t = FlexTime{invalid: true}
		return nil
	}
	sec, frac := math.Modf(f)
	*t = FlexTime{Time: time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()}
	return nil
}

// isoNoOffset covers timestamps written without any zone designator; they are
// taken as UTC rather than local time.
const isoNoOffset = "2006-01-02T15:04:05"

func parseTimestamp(s string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(isoNoOffset, s); err == nil {
		return parsed.UTC(), nil
	}
	// Epoch seconds smuggled inside a string.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}
