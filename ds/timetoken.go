package ds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeToken is the server-issued position in the event stream. Timestamp is
// expressed in 100ns units since the Unix epoch; Region identifies the shard
// that issued it and has to be echoed back on the next request.
type TimeToken struct {
	Timestamp uint64 `json:"t"`
	Region    int    `json:"r"`
}

// TimeTokenFromTime builds a region-less token for the given wall time.
func TimeTokenFromTime(t time.Time) TimeToken {
	if t.UnixNano() <= 0 {
		return TimeToken{}
	}
	return TimeToken{Timestamp: uint64(t.UnixNano() / 100)}
}

// ParseTimeToken parses the decimal wire form of a timestamp.
func ParseTimeToken(s string, region int) (TimeToken, error) {
	ts, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return TimeToken{}, fmt.Errorf("parse timetoken %q: %w", s, err)
	}
	return TimeToken{Timestamp: ts, Region: region}, nil
}

func (t TimeToken) IsZero() bool {
	return t.Timestamp == 0
}

// Before reports whether t points to an earlier stream position than other.
func (t TimeToken) Before(other TimeToken) bool {
	return t.Timestamp < other.Timestamp
}

// Time returns the wall time the token represents.
func (t TimeToken) Time() time.Time {
	return time.Unix(0, int64(t.Timestamp)*100)
}

func (t TimeToken) String() string {
	return strconv.FormatUint(t.Timestamp, 10)
}

type wireTimeToken struct {
	Timestamp json.RawMessage `json:"t"`
	Region    int             `json:"r"`
}

// MarshalJSON writes the timestamp as a string, the way the server sends it.
func (t TimeToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp string `json:"t"`
		Region    int    `json:"r"`
	}{t.String(), t.Region})
}

// UnmarshalJSON accepts the timestamp either as a string or a number.
func (t *TimeToken) UnmarshalJSON(b []byte) error {
	var w wireTimeToken
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Timestamp) == 0 {
		return fmt.Errorf("timetoken: missing t")
	}
	raw := string(w.Timestamp)
	if raw[0] == '"' {
		if err := json.Unmarshal(w.Timestamp, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseTimeToken(raw, w.Region)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
