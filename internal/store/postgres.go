package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"procodus.dev/sensor-hub/internal/telemetry"
	"procodus.dev/sensor-hub/pkg/metrics"
)

// Postgres is a Store backed by a PostgreSQL readings table.
type Postgres struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.StoreMetrics // optional
	now     func() time.Time
}

// NewPostgres wraps an open database handle. The readings table must
// already be migrated, which NewDB does.
func NewPostgres(db *gorm.DB, logger *slog.Logger, m *metrics.StoreMetrics) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Postgres{
		db:      db,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Append implements Store.
func (p *Postgres) Append(ctx context.Context, deviceID string, ts time.Time, payload telemetry.Payload) (telemetry.Reading, error) {
	done := p.observe("append")

	if ts.IsZero() {
		ts = p.now()
	}
	if payload == nil {
		payload = telemetry.Payload{}
	}

	rec := readingRecord{
		DeviceID:  deviceID,
		Timestamp: telemetry.Normalize(ts),
		Payload:   datatypes.JSONMap(payload.Clone()),
	}

	if err := p.db.WithContext(ctx).Create(&rec).Error; err != nil {
		done(err)
		p.logger.Error("failed to append reading",
			"device_id", deviceID,
			"error", err,
		)
		return telemetry.Reading{}, fmt.Errorf("failed to append reading: %w", err)
	}
	done(nil)

	if p.metrics != nil {
		p.metrics.ReadingsAppended.Inc()
	}

	return rec.toReading(), nil
}

// DeviceIDs implements Store.
func (p *Postgres) DeviceIDs(ctx context.Context) ([]string, error) {
	done := p.observe("devices")

	var ids []string
	err := p.db.WithContext(ctx).
		Model(&readingRecord{}).
		Distinct().
		Pluck("device_id", &ids).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	if ids == nil {
		ids = []string{}
	}
	slices.Sort(ids)
	return ids, nil
}

// Latest implements Store.
func (p *Postgres) Latest(ctx context.Context, deviceID string) (telemetry.Reading, error) {
	done := p.observe("latest")

	var rec readingRecord
	err := p.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("ts DESC").
		Order("id DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		done(nil)
		return telemetry.Reading{}, telemetry.ErrNotFound
	}
	done(err)
	if err != nil {
		return telemetry.Reading{}, fmt.Errorf("failed to get latest reading: %w", err)
	}

	return rec.toReading(), nil
}

// Range implements Store.
func (p *Postgres) Range(ctx context.Context, deviceID string, b telemetry.Bounds) ([]telemetry.Reading, error) {
	done := p.observe("range")

	var recs []readingRecord
	err := p.rangeQuery(ctx, deviceID, b).Find(&recs).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	readings := make([]telemetry.Reading, 0, len(recs))
	for i := range recs {
		readings = append(readings, recs[i].toReading())
	}
	return readings, nil
}

// Scan implements Store. Rows are streamed from the database cursor.
func (p *Postgres) Scan(ctx context.Context, deviceID string, b telemetry.Bounds, fn func(telemetry.Reading) error) (err error) {
	done := p.observe("scan")
	defer func() { done(err) }()

	rows, err := p.rangeQuery(ctx, deviceID, b).Rows()
	if err != nil {
		return fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec readingRecord
		if err := p.db.ScanRows(rows, &rec); err != nil {
			return fmt.Errorf("failed to scan reading: %w", err)
		}
		if err := fn(rec.toReading()); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate readings: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (p *Postgres) Close() error {
	return CloseDB(p.db, p.logger)
}

func (p *Postgres) rangeQuery(ctx context.Context, deviceID string, b telemetry.Bounds) *gorm.DB {
	q := p.db.WithContext(ctx).
		Model(&readingRecord{}).
		Where("device_id = ?", deviceID)
	if b.Since != nil {
		q = q.Where("ts >= ?", b.Since.UTC())
	}
	if b.Before != nil {
		q = q.Where("ts < ?", b.Before.UTC())
	}
	return q.Order("ts ASC").Order("id ASC")
}

// observe starts timing op and returns a func recording its outcome.
func (p *Postgres) observe(op string) func(error) {
	if p.metrics == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
		p.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
