// Package storetest holds the specs every Store implementation must pass.
// The unit suite runs them against Memory and the e2e suite against
// PostgreSQL.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/telemetry"
)

// DescribeStore registers the Store specs under name. newStore runs before
// every spec and must return an empty store.
func DescribeStore(name string, newStore func() store.Store) bool {
	return Describe(name, func() {
		var (
			ctx context.Context
			s   store.Store
			t0  time.Time
		)

		BeforeEach(func() {
			ctx = context.Background()
			s = newStore()
			t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		})

		appendAt := func(deviceID string, ts time.Time, payload telemetry.Payload) telemetry.Reading {
			r, err := s.Append(ctx, deviceID, ts, payload)
			Expect(err).NotTo(HaveOccurred())
			return r
		}

		Describe("Append", func() {
			It("should assign increasing IDs", func() {
				a := appendAt("dev-a", t0, telemetry.Payload{"temperature_c": 21.5})
				b := appendAt("dev-b", t0, telemetry.Payload{"temperature_c": 22.0})

				Expect(a.ID).To(BeNumerically(">", 0))
				Expect(b.ID).To(BeNumerically(">", a.ID))
				Expect(a.DeviceID).To(Equal("dev-a"))
				Expect(a.Timestamp).To(BeTemporally("==", t0))
			})

			It("should default a zero timestamp to now", func() {
				before := time.Now().UTC().Add(-time.Second)
				r := appendAt("dev-a", time.Time{}, telemetry.Payload{})
				Expect(r.Timestamp).To(BeTemporally(">=", before))
				Expect(r.Timestamp.Location()).To(Equal(time.UTC))
			})

			It("should normalise timestamps to UTC microseconds", func() {
				local := time.Date(2025, 3, 1, 9, 0, 0, 123456789, time.FixedZone("CET", 3600))
				r := appendAt("dev-a", local, telemetry.Payload{})
				want := time.Date(2025, 3, 1, 8, 0, 0, 123456000, time.UTC)
				Expect(r.Timestamp).To(BeTemporally("==", want))

				latest, err := s.Latest(ctx, "dev-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.Timestamp).To(BeTemporally("==", want))
				Expect(latest.Timestamp.Location()).To(Equal(time.UTC))
			})

			It("should not share payload state with the caller", func() {
				payload := telemetry.Payload{"temperature_c": 21.5}
				appendAt("dev-a", t0, payload)

				payload["temperature_c"] = 99.0

				latest, err := s.Latest(ctx, "dev-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.Payload).To(HaveKeyWithValue("temperature_c", 21.5))
			})

			It("should keep nested payload values", func() {
				appendAt("dev-a", t0, telemetry.Payload{
					"temperature_c": 21.5,
					"_raw":          map[string]any{"in_temp_input": 21500.0},
				})

				latest, err := s.Latest(ctx, "dev-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.Payload["_raw"]).To(HaveKeyWithValue("in_temp_input", 21500.0))
			})

			It("should assign unique IDs under concurrent appends", func() {
				const writers, perWriter = 8, 25

				var (
					mu  sync.Mutex
					ids = make(map[uint64]struct{})
					wg  sync.WaitGroup
				)
				for w := range writers {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						device := fmt.Sprintf("dev-%d", w%3)
						for range perWriter {
							r, err := s.Append(ctx, device, t0, telemetry.Payload{})
							Expect(err).NotTo(HaveOccurred())
							mu.Lock()
							ids[r.ID] = struct{}{}
							mu.Unlock()
						}
					}()
				}
				wg.Wait()

				Expect(ids).To(HaveLen(writers * perWriter))
			})
		})

		Describe("DeviceIDs", func() {
			It("should return an empty, non-nil list for an empty store", func() {
				ids, err := s.DeviceIDs(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids).NotTo(BeNil())
				Expect(ids).To(BeEmpty())
			})

			It("should return distinct IDs sorted ascending", func() {
				for _, id := range []string{"jetson-02", "jetson-01", "jetson-02", "alpha"} {
					appendAt(id, t0, telemetry.Payload{})
				}

				ids, err := s.DeviceIDs(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids).To(Equal([]string{"alpha", "jetson-01", "jetson-02"}))
			})
		})

		Describe("Latest", func() {
			It("should return ErrNotFound for an unknown device", func() {
				_, err := s.Latest(ctx, "ghost")
				Expect(err).To(MatchError(telemetry.ErrNotFound))
			})

			It("should pick the greatest timestamp regardless of arrival order", func() {
				appendAt("dev-a", t0.Add(time.Hour), telemetry.Payload{"n": 1.0})
				appendAt("dev-a", t0, telemetry.Payload{"n": 2.0})

				latest, err := s.Latest(ctx, "dev-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.Payload).To(HaveKeyWithValue("n", 1.0))
			})

			It("should break timestamp ties by the greatest ID", func() {
				appendAt("dev-a", t0, telemetry.Payload{"n": 1.0})
				second := appendAt("dev-a", t0, telemetry.Payload{"n": 2.0})

				latest, err := s.Latest(ctx, "dev-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.ID).To(Equal(second.ID))
			})

			It("should only consider the requested device", func() {
				appendAt("dev-a", t0, telemetry.Payload{"n": 1.0})
				appendAt("dev-b", t0.Add(time.Hour), telemetry.Payload{"n": 2.0})

				latest, err := s.Latest(ctx, "dev-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(latest.DeviceID).To(Equal("dev-a"))
			})
		})

		Describe("Range", func() {
			BeforeEach(func() {
				for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour, 24 * time.Hour} {
					appendAt("dev-a", t0.Add(offset), telemetry.Payload{"offset": offset.Hours()})
				}
				appendAt("dev-b", t0, telemetry.Payload{})
			})

			It("should return all readings of the device ordered by timestamp", func() {
				readings, err := s.Range(ctx, "dev-a", telemetry.Bounds{})
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).To(HaveLen(4))
				for i := 1; i < len(readings); i++ {
					Expect(readings[i].Timestamp).To(BeTemporally(">=", readings[i-1].Timestamp))
				}
				for _, r := range readings {
					Expect(r.DeviceID).To(Equal("dev-a"))
				}
			})

			It("should apply inclusive since and exclusive before bounds", func() {
				since := t0.Add(time.Hour)
				before := t0.Add(24 * time.Hour)
				readings, err := s.Range(ctx, "dev-a", telemetry.Bounds{Since: &since, Before: &before})
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).To(HaveLen(2))
				Expect(readings[0].Timestamp).To(BeTemporally("==", since))
				Expect(readings[1].Timestamp).To(BeTemporally("==", t0.Add(2*time.Hour)))
			})

			It("should bound readings to a calendar day in a time zone", func() {
				// 2025-03-01 in UTC+2 runs from 22:00 UTC the day before.
				loc := time.FixedZone("UTC+2", 2*60*60)
				day := telemetry.Day{Year: 2025, Month: time.March, Day: 1}
				readings, err := s.Range(ctx, "dev-a", telemetry.DayBounds(&day, &day, loc))
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).To(HaveLen(3))
				Expect(readings[2].Timestamp).To(BeTemporally("==", t0.Add(2*time.Hour)))
			})

			It("should order equal timestamps by ID", func() {
				first := appendAt("dev-c", t0, telemetry.Payload{})
				second := appendAt("dev-c", t0, telemetry.Payload{})

				readings, err := s.Range(ctx, "dev-c", telemetry.Bounds{})
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).To(HaveLen(2))
				Expect(readings[0].ID).To(Equal(first.ID))
				Expect(readings[1].ID).To(Equal(second.ID))
			})

			It("should return an empty list for an unknown device", func() {
				readings, err := s.Range(ctx, "ghost", telemetry.Bounds{})
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).NotTo(BeNil())
				Expect(readings).To(BeEmpty())
			})

			It("should not share payload state with readers", func() {
				readings, err := s.Range(ctx, "dev-a", telemetry.Bounds{})
				Expect(err).NotTo(HaveOccurred())
				readings[0].Payload["offset"] = -1.0

				again, err := s.Range(ctx, "dev-a", telemetry.Bounds{})
				Expect(err).NotTo(HaveOccurred())
				Expect(again[0].Payload).To(HaveKeyWithValue("offset", 0.0))
			})
		})

		Describe("Scan", func() {
			It("should visit the readings Range returns in the same order", func() {
				for _, offset := range []time.Duration{time.Hour, 0, 25 * time.Hour} {
					appendAt("dev-a", t0.Add(offset), telemetry.Payload{})
				}
				appendAt("dev-a", t0, telemetry.Payload{})

				since := t0
				before := t0.Add(24 * time.Hour)
				b := telemetry.Bounds{Since: &since, Before: &before}

				want, err := s.Range(ctx, "dev-a", b)
				Expect(err).NotTo(HaveOccurred())

				var seen []uint64
				err = s.Scan(ctx, "dev-a", b, func(r telemetry.Reading) error {
					seen = append(seen, r.ID)
					return nil
				})
				Expect(err).NotTo(HaveOccurred())

				Expect(seen).To(HaveLen(3))
				for i, r := range want {
					Expect(seen[i]).To(Equal(r.ID))
				}
			})

			It("should not call fn for an unknown device", func() {
				calls := 0
				err := s.Scan(ctx, "ghost", telemetry.Bounds{}, func(telemetry.Reading) error {
					calls++
					return nil
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(calls).To(BeZero())
			})

			It("should stop at the first callback error", func() {
				for range 3 {
					appendAt("dev-a", t0, telemetry.Payload{})
				}

				stop := fmt.Errorf("stop")
				calls := 0
				err := s.Scan(ctx, "dev-a", telemetry.Bounds{}, func(telemetry.Reading) error {
					calls++
					return stop
				})
				Expect(err).To(MatchError(stop))
				Expect(calls).To(Equal(1))
			})
		})
	})
}
