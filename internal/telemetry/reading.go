// Package telemetry defines the reading model shared by the store, hub,
// ingestion and query layers.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no reading exists for the requested device.
var ErrNotFound = errors.New("not found")

// Reading is one immutable ingested measurement record.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
	DeviceID  string    `json:"device_id"`
	ID        uint64    `json:"id"`
}

// Clone returns a copy of the reading whose payload shares no state with r.
func (r Reading) Clone() Reading {
	r.Payload = r.Payload.Clone()
	return r
}

// Payload is the schema-less measurement mapping of a reading.
// Values are whatever the JSON decoder produced: float64, string, bool,
// nil, or nested maps and slices of those.
type Payload map[string]any

// Clone deep-copies the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ValidationError reports a malformed request. It never has side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Normalize converts t to the representation every store persists:
// UTC with microsecond precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Timestamps outside [MinTimestamp, MaxTimestamp] cannot be encoded as
// RFC 3339 and are rejected at ingestion.
var (
	MinTimestamp = time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC)
)

// CheckTimestamp reports an error when t falls outside the years 0000-9999
// in UTC.
func CheckTimestamp(t time.Time) error {
	if t.Before(MinTimestamp) || t.After(MaxTimestamp) {
		return fmt.Errorf("%s is outside years 0000-9999", t.UTC().Format(time.RFC3339))
	}
	return nil
}

// naive layouts are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp. Timestamps without an offset
// are taken to be UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if err := CheckTimestamp(t); err != nil {
				return time.Time{}, err
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
