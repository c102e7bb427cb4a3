package store

import (
	"time"

	"gorm.io/datatypes"

	"procodus.dev/sensor-hub/internal/telemetry"
)

// readingRecord is the persisted row of a reading.
type readingRecord struct {
	Timestamp time.Time         `gorm:"column:ts;index:idx_readings_device_ts,priority:2;not null"`
	CreatedAt time.Time         `gorm:"autoCreateTime"`
	Payload   datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DeviceID  string            `gorm:"index:idx_readings_device_ts,priority:1;not null"`
	ID        uint64            `gorm:"primaryKey;autoIncrement"`
}

// TableName specifies the table name for readingRecord.
func (readingRecord) TableName() string {
	return "readings"
}

func (r *readingRecord) toReading() telemetry.Reading {
	payload := telemetry.Payload(r.Payload)
	if payload == nil {
		payload = telemetry.Payload{}
	}
	return telemetry.Reading{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp.UTC(),
		Payload:   payload,
	}
}
