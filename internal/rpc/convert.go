package rpc

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/sensor-hub/internal/telemetry"
)

// ReadingStruct converts a reading to its wire form.
func ReadingStruct(r telemetry.Reading) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"id":        r.ID,
		"device_id": r.DeviceID,
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
		"payload":   map[string]any(r.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading %d: %w", r.ID, err)
	}
	return s, nil
}

// StructReading converts the wire form back to a reading.
func StructReading(s *structpb.Struct) (telemetry.Reading, error) {
	fields := s.GetFields()

	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"].GetStringValue())
	if err != nil {
		return telemetry.Reading{}, fmt.Errorf("invalid reading timestamp: %w", err)
	}

	payload := telemetry.Payload{}
	if p := fields["payload"].GetStructValue(); p != nil {
		payload = p.AsMap()
	}

	return telemetry.Reading{
		ID:        uint64(fields["id"].GetNumberValue()),
		DeviceID:  fields["device_id"].GetStringValue(),
		Timestamp: ts.UTC(),
		Payload:   payload,
	}, nil
}

func readingList(readings []telemetry.Reading) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, 0, len(readings))
	for _, r := range readings {
		s, err := ReadingStruct(r)
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return &structpb.ListValue{Values: values}, nil
}

// optionalDay reads a YYYY-MM-DD field; absent or empty means unbounded.
func optionalDay(fields map[string]*structpb.Value, key string) (*telemetry.Day, error) {
	v, ok := fields[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	sv, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return nil, telemetry.NewValidationError(key, "must be a YYYY-MM-DD string")
	}
	if sv.StringValue == "" {
		return nil, nil
	}
	day, err := telemetry.ParseDay(sv.StringValue)
	if err != nil {
		return nil, telemetry.NewValidationError(key, err.Error())
	}
	return &day, nil
}
