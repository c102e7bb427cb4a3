package query_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/query"
	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/telemetry"
)

// flushRecorder counts flushes of the underlying writer.
type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() {
	f.flushes++
}

// brokenStore fails every scan.
type brokenStore struct {
	*store.Memory
}

func (brokenStore) Scan(context.Context, string, telemetry.Bounds, func(telemetry.Reading) error) error {
	return errors.New("cursor lost")
}

// failAfterFirstStore fails a scan once the first reading was delivered.
type failAfterFirstStore struct {
	*store.Memory
}

func (s failAfterFirstStore) Scan(ctx context.Context, deviceID string, b telemetry.Bounds, fn func(telemetry.Reading) error) error {
	return s.Memory.Scan(ctx, deviceID, b, func(r telemetry.Reading) error {
		if err := fn(r); err != nil {
			return err
		}
		return errors.New("cursor lost")
	})
}

var _ = Describe("Export", func() {
	var (
		ctx context.Context
		mem *store.Memory
		svc *query.Service
		day telemetry.Day
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		day = telemetry.Day{Year: 2025, Month: time.March, Day: 1}

		var err error
		svc, err = query.NewService(&query.Config{Logger: testLogger(), Store: mem, FlushEvery: 2})
		Expect(err).NotTo(HaveOccurred())
	})

	readCSV := func(data []byte) [][]string {
		records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		Expect(err).NotTo(HaveOccurred())
		return records
	}

	It("should suggest a per-device per-day filename", func() {
		Expect(query.ExportFilename("d1", day)).To(Equal("d1_2025-03-01.csv"))
	})

	It("should round-trip a single temperature reading", func() {
		_, err := mem.Append(ctx, "d1", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), telemetry.Payload{"temperature_c": 21.5})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(svc.WriteCSV(ctx, &buf, "d1", day)).To(Succeed())

		records := readCSV(buf.Bytes())
		Expect(records).To(HaveLen(2))
		Expect(records[0]).To(Equal([]string{
			"timestamp", "temperature_c", "humidity_relative_percent", "pressure_hpa", "gas_resistance_ohms",
		}))
		Expect(records[1]).To(Equal([]string{"2025-03-01T08:00:00Z", "21.5", "", "", ""}))
	})

	It("should write only the header for a day without readings", func() {
		var buf bytes.Buffer
		Expect(svc.WriteCSV(ctx, &buf, "d1", day)).To(Succeed())
		Expect(readCSV(buf.Bytes())).To(HaveLen(1))
	})

	It("should render every column and ignore unknown fields", func() {
		_, err := mem.Append(ctx, "d1", time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), telemetry.Payload{
			"temperature_c":             22.25,
			"humidity_relative_percent": 41.0,
			"pressure_hpa":              1013.2,
			"gas_resistance_ohms":       120345.0,
			"_raw":                      map[string]any{"gas": 1.0},
		})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(svc.WriteCSV(ctx, &buf, "d1", day)).To(Succeed())
		Expect(readCSV(buf.Bytes())[1]).To(Equal([]string{
			"2025-03-01T09:30:00Z", "22.25", "41", "1013.2", "120345",
		}))
	})

	It("should flush while streaming", func() {
		for i := range 5 {
			_, err := mem.Append(ctx, "d1", time.Date(2025, 3, 1, 8, i, 0, 0, time.UTC), telemetry.Payload{"temperature_c": 20.0})
			Expect(err).NotTo(HaveOccurred())
		}

		w := &flushRecorder{}
		Expect(svc.WriteCSV(ctx, w, "d1", day)).To(Succeed())
		Expect(readCSV(w.Bytes())).To(HaveLen(6))
		Expect(w.flushes).To(BeNumerically(">=", 3))
	})

	It("should yield rows lazily and stop early", func() {
		for i := range 3 {
			_, err := mem.Append(ctx, "d1", time.Date(2025, 3, 1, 8, i, 0, 0, time.UTC), telemetry.Payload{})
			Expect(err).NotTo(HaveOccurred())
		}

		var rows [][]string
		for row, err := range svc.ExportRows(ctx, "d1", day) {
			Expect(err).NotTo(HaveOccurred())
			rows = append(rows, row)
			if len(rows) == 2 {
				break
			}
		}
		Expect(rows).To(HaveLen(2))
		Expect(rows[0][0]).To(Equal("timestamp"))
	})

	It("should write nothing when the store fails before the first row", func() {
		broken, err := query.NewService(&query.Config{Logger: testLogger(), Store: brokenStore{mem}})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		err = broken.WriteCSV(ctx, &buf, "d1", day)
		Expect(err).To(MatchError(ContainSubstring("cursor lost")))
		Expect(buf.Len()).To(BeZero())
	})

	It("should yield only the error when the store fails before the first row", func() {
		broken, err := query.NewService(&query.Config{Logger: testLogger(), Store: brokenStore{mem}})
		Expect(err).NotTo(HaveOccurred())

		var rows [][]string
		var errs []error
		for row, err := range broken.ExportRows(ctx, "d1", day) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rows = append(rows, row)
		}
		Expect(rows).To(BeEmpty())
		Expect(errs).To(HaveLen(1))
	})

	It("should surface store failures after the first row", func() {
		_, err := mem.Append(ctx, "d1", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), telemetry.Payload{"temperature_c": 20.0})
		Expect(err).NotTo(HaveOccurred())

		broken, err := query.NewService(&query.Config{Logger: testLogger(), Store: failAfterFirstStore{mem}})
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		err = broken.WriteCSV(ctx, &buf, "d1", day)
		Expect(err).To(MatchError(ContainSubstring("cursor lost")))
		Expect(buf.String()).To(HavePrefix("timestamp,"))
		Expect(buf.String()).To(ContainSubstring("2025-03-01T08:00:00Z,20"))
	})
})
