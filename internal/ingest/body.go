package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"procodus.dev/sensor-hub/internal/telemetry"
)

// Body is a decoded ingestion body.
type Body struct {
	Timestamp *time.Time
	Payload   telemetry.Payload
	DeviceID  string
	Token     string
}

type wireBody struct {
	DeviceID  string            `json:"device_id"`
	Token     string            `json:"token"`
	Timestamp json.RawMessage   `json:"timestamp"`
	Payload   telemetry.Payload `json:"payload"`
}

// DecodeBody parses a JSON ingestion body. The timestamp may be an ISO-8601
// string or Unix seconds; null or absent means the server assigns one.
func DecodeBody(data []byte) (Body, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Body{}, telemetry.NewValidationError("body", "is empty")
	}

	var w wireBody
	if err := json.Unmarshal(data, &w); err != nil {
		return Body{}, telemetry.NewValidationError("body", err.Error())
	}

	ts, err := decodeTimestamp(w.Timestamp)
	if err != nil {
		return Body{}, err
	}

	return Body{
		DeviceID:  w.DeviceID,
		Token:     w.Token,
		Timestamp: ts,
		Payload:   w.Payload,
	}, nil
}

// maxUnixSeconds is the first whole second past telemetry.MaxTimestamp.
var maxUnixSeconds = float64(telemetry.MaxTimestamp.Unix() + 1)

func decodeTimestamp(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, telemetry.NewValidationError("timestamp", err.Error())
		}
		t, err := telemetry.ParseTimestamp(s)
		if err != nil {
			return nil, telemetry.NewValidationError("timestamp", err.Error())
		}
		return &t, nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return nil, telemetry.NewValidationError("timestamp", "must be an ISO-8601 string or Unix seconds")
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs >= maxUnixSeconds {
		return nil, telemetry.NewValidationError("timestamp", fmt.Sprintf("out of range: %v", secs))
	}
	whole, frac := math.Modf(secs)
	t := time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	return &t, nil
}
