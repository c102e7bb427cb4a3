package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/telemetry"
)

var _ = Describe("Service", func() {
	var (
		ctx context.Context
		mem *store.Memory
		pub *recordingPublisher
		svc *ingest.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		pub = &recordingPublisher{}
		svc = newService(mem, pub)
	})

	Describe("NewService", func() {
		It("should reject a nil config", func() {
			_, err := ingest.NewService(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should require every collaborator", func() {
			_, err := ingest.NewService(&ingest.Config{Logger: testLogger()})
			Expect(err).To(MatchError(ContainSubstring("store cannot be nil")))

			_, err = ingest.NewService(&ingest.Config{Logger: testLogger(), Store: mem})
			Expect(err).To(MatchError(ContainSubstring("authenticator cannot be nil")))

			_, err = ingest.NewService(&ingest.Config{Logger: testLogger(), Store: mem, Auth: testAuthenticator()})
			Expect(err).To(MatchError(ContainSubstring("publisher cannot be nil")))
		})
	})

	Describe("Ingest", func() {
		It("should persist and publish an authenticated reading", func() {
			ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
			r, err := svc.Ingest(ctx, ingest.Request{
				DeviceID:  "jetson-01",
				Token:     "secret-01",
				Timestamp: &ts,
				Payload:   telemetry.Payload{"temperature_c": 21.5},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ID).To(BeNumerically(">", 0))
			Expect(r.DeviceID).To(Equal("jetson-01"))
			Expect(r.Timestamp).To(Equal(ts))

			latest, err := mem.Latest(ctx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.ID).To(Equal(r.ID))

			Expect(pub.Published()).To(HaveLen(1))
			Expect(pub.Published()[0].ID).To(Equal(r.ID))
		})

		It("should assign the server time when no timestamp is given", func() {
			before := time.Now().UTC().Add(-time.Second)
			r, err := svc.Ingest(ctx, ingest.Request{
				DeviceID: "jetson-01",
				Token:    "secret-01",
				Payload:  telemetry.Payload{},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Timestamp).To(BeTemporally(">=", before))
		})

		It("should leave state untouched for an invalid token", func() {
			_, err := svc.Ingest(ctx, ingest.Request{
				DeviceID: "jetson-01",
				Token:    "wrong",
				Payload:  telemetry.Payload{"temperature_c": 21.5},
			})
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))

			ids, err := mem.DeviceIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(BeEmpty())
			Expect(pub.Published()).To(BeEmpty())
		})

		It("should reject an unknown device", func() {
			_, err := svc.Ingest(ctx, ingest.Request{
				DeviceID: "ghost",
				Token:    "secret-01",
				Payload:  telemetry.Payload{},
			})
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
		})

		DescribeTable("validation",
			func(req ingest.Request, field string) {
				_, err := svc.Ingest(ctx, req)
				var v *telemetry.ValidationError
				Expect(err).To(BeAssignableToTypeOf(v))
				Expect(err.(*telemetry.ValidationError).Field).To(Equal(field))
				Expect(pub.Published()).To(BeEmpty())
			},
			Entry("missing device id", ingest.Request{Token: "secret-01", Payload: telemetry.Payload{}}, "credentials"),
			Entry("missing token", ingest.Request{DeviceID: "jetson-01", Payload: telemetry.Payload{}}, "credentials"),
			Entry("missing payload", ingest.Request{DeviceID: "jetson-01", Token: "secret-01"}, "payload"),
			Entry("timestamp past year 9999", ingest.Request{
				DeviceID:  "jetson-01",
				Token:     "secret-01",
				Timestamp: ptr(time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)),
				Payload:   telemetry.Payload{},
			}, "timestamp"),
			Entry("timestamp before year 0", ingest.Request{
				DeviceID:  "jetson-01",
				Token:     "secret-01",
				Timestamp: ptr(time.Date(-1, 12, 31, 0, 0, 0, 0, time.UTC)),
				Payload:   telemetry.Payload{},
			}, "timestamp"),
		)

		It("should store under the authenticated id when the body names another device", func() {
			r, err := svc.Ingest(ctx, ingest.Request{
				DeviceID:     "jetson-01",
				Token:        "secret-01",
				BodyDeviceID: "jetson-02",
				Payload:      telemetry.Payload{},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.DeviceID).To(Equal("jetson-01"))

			ids, err := mem.DeviceIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"jetson-01"}))
		})

		It("should not publish when the store fails", func() {
			failing := newService(failingStore{store.NewMemory()}, pub)
			_, err := failing.Ingest(ctx, ingest.Request{
				DeviceID: "jetson-01",
				Token:    "secret-01",
				Payload:  telemetry.Payload{},
			})
			Expect(err).To(MatchError(ContainSubstring("failed to persist reading")))
			Expect(pub.Published()).To(BeEmpty())
		})

		It("should publish each device's readings in append order under concurrency", func() {
			var wg sync.WaitGroup
			for w := range 8 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					device := fmt.Sprintf("jetson-0%d", w%2+1)
					token := fmt.Sprintf("secret-0%d", w%2+1)
					for range 25 {
						_, err := svc.Ingest(ctx, ingest.Request{
							DeviceID: device,
							Token:    token,
							Payload:  telemetry.Payload{},
						})
						Expect(err).NotTo(HaveOccurred())
					}
				}()
			}
			wg.Wait()

			published := pub.Published()
			Expect(published).To(HaveLen(200))

			last := map[string]uint64{}
			for _, r := range published {
				Expect(r.ID).To(BeNumerically(">", last[r.DeviceID]))
				last[r.DeviceID] = r.ID
			}
		})
	})
})
