package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"

	"procodus.dev/sensor-hub/internal/telemetry"
)

// CSVColumns are the payload fields projected into an export, after the
// leading timestamp column.
var CSVColumns = []string{
	"temperature_c",
	"humidity_relative_percent",
	"pressure_hpa",
	"gas_resistance_ohms",
}

// CSVHeader returns the header row of an export.
func CSVHeader() []string {
	return append([]string{"timestamp"}, CSVColumns...)
}

// ExportFilename suggests the download name of a device's daily export.
func ExportFilename(deviceID string, day telemetry.Day) string {
	return fmt.Sprintf("%s_%s.csv", deviceID, day)
}

var errStopped = errors.New("export stopped")

// ExportRows lazily yields the header and then one row per reading of
// deviceID on day. Rows are pulled from the store one at a time. The header
// is held back until the store has answered, so a failed query yields only
// the error.
func (s *Service) ExportRows(ctx context.Context, deviceID string, day telemetry.Day) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		header := false
		bounds := telemetry.DayBounds(&day, &day, s.loc)
		err := s.store.Scan(ctx, deviceID, bounds, func(r telemetry.Reading) error {
			if !header {
				header = true
				if !yield(CSVHeader(), nil) {
					return errStopped
				}
			}
			if !yield(s.row(r), nil) {
				return errStopped
			}
			return nil
		})

		switch {
		case errors.Is(err, errStopped):
		case err != nil:
			yield(nil, fmt.Errorf("failed to export readings: %w", err))
		case !header:
			yield(CSVHeader(), nil)
		}
	}
}

// WriteCSV streams the export of deviceID on day to w, flushing every few
// rows so the response starts before the result is complete. If w has a
// Flush method it is called after each flush of the CSV writer. Nothing is
// written to w when the store fails before the first row.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer, deviceID string, day telemetry.Day) error {
	cw := csv.NewWriter(w)
	flusher, _ := w.(interface{ Flush() })

	flush := func() error {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	rows := 0
	for row, err := range s.ExportRows(ctx, deviceID, day) {
		if err != nil {
			_ = flush()
			return err
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
		rows++
		if rows == 1 || rows%s.flushEvery == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}

	s.logger.Debug("csv export written",
		"device_id", deviceID,
		"day", day.String(),
		"rows", rows-1,
	)
	return nil
}

func (s *Service) row(r telemetry.Reading) []string {
	row := make([]string, 0, len(CSVColumns)+1)
	row = append(row, r.Timestamp.In(s.loc).Format(time.RFC3339Nano))
	for _, col := range CSVColumns {
		row = append(row, cell(r.Payload[col]))
	}
	return row
}

// cell renders a payload value. Absent and null values are empty.
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
