package simulator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/internal/simulator"
	"procodus.dev/sensor-hub/pkg/generator"
	"procodus.dev/sensor-hub/pkg/mq/mock"
)

type recordingSender struct {
	mu     sync.Mutex
	bodies map[string][]simulator.Body
	err    error
}

func (s *recordingSender) Transport() string { return "test" }

func (s *recordingSender) Send(_ context.Context, d generator.Device, b simulator.Body) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.bodies == nil {
		s.bodies = make(map[string][]simulator.Body)
	}
	s.bodies[d.ID] = append(s.bodies[d.ID], b)
	return nil
}

func (s *recordingSender) count(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies[deviceID])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var _ = Describe("Simulator", func() {
	var devices []generator.Device

	BeforeEach(func() {
		var err error
		devices, err = generator.NewDevices("jetson", 2, 1)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		DescribeTable("should validate the configuration",
			func(mutate func(*simulator.Config), message string) {
				cfg := &simulator.Config{
					Logger:   testLogger(),
					Sender:   &recordingSender{},
					Devices:  devices,
					Interval: time.Second,
				}
				mutate(cfg)
				sim, err := simulator.New(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
				Expect(sim).To(BeNil())
			},
			Entry("logger", func(c *simulator.Config) { c.Logger = nil }, "logger"),
			Entry("sender", func(c *simulator.Config) { c.Sender = nil }, "sender"),
			Entry("devices", func(c *simulator.Config) { c.Devices = nil }, "device"),
			Entry("interval", func(c *simulator.Config) { c.Interval = 0 }, "interval"),
		)

		It("should reject a nil config", func() {
			_, err := simulator.New(nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Run", func() {
		It("should send Count readings per device and stop", func() {
			sender := &recordingSender{}
			sim, err := simulator.New(&simulator.Config{
				Logger:   testLogger(),
				Sender:   sender,
				Devices:  devices,
				Interval: 10 * time.Millisecond,
				Count:    3,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(sim.Run(ctx)).To(Succeed())

			Expect(sender.count("jetson-01")).To(Equal(3))
			Expect(sender.count("jetson-02")).To(Equal(3))
			for _, b := range sender.bodies["jetson-01"] {
				Expect(b.DeviceID).To(Equal("jetson-01"))
				Expect(b.Payload).To(HaveKey("temperature_c"))
			}
		})

		It("should keep running through send failures until canceled", func() {
			sender := &recordingSender{err: errors.New("hub unavailable")}
			sim, err := simulator.New(&simulator.Config{
				Logger:   testLogger(),
				Sender:   sender,
				Devices:  devices,
				Interval: 5 * time.Millisecond,
				Count:    1,
			})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			Expect(sim.Run(ctx)).To(Succeed())
			Expect(ctx.Err()).To(HaveOccurred())
		})
	})

	Describe("HTTPSender", func() {
		It("should post the reading with device headers", func() {
			var (
				mu      sync.Mutex
				headers http.Header
				body    simulator.Body
			)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(r.URL.Path).To(Equal("/api/v1/readings"))
				data, err := io.ReadAll(r.Body)
				Expect(err).NotTo(HaveOccurred())

				mu.Lock()
				headers = r.Header.Clone()
				Expect(json.Unmarshal(data, &body)).To(Succeed())
				mu.Unlock()

				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"status":"ok","id":1}`))
			}))
			defer server.Close()

			sender, err := simulator.NewHTTPSender(server.URL+"/", time.Second)
			Expect(err).NotTo(HaveOccurred())

			ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
			err = sender.Send(context.Background(), devices[0], simulator.Body{
				DeviceID:  devices[0].ID,
				Timestamp: ts,
				Payload:   map[string]any{"temperature_c": 21.5},
			})
			Expect(err).NotTo(HaveOccurred())

			mu.Lock()
			defer mu.Unlock()
			Expect(headers.Get("X-Device-ID")).To(Equal("jetson-01"))
			Expect(headers.Get("X-Device-Token")).To(Equal(devices[0].Token))
			Expect(body.Timestamp).To(Equal(ts))
			Expect(body.Token).To(BeEmpty())
			Expect(body.Payload).To(HaveKeyWithValue("temperature_c", 21.5))
		})

		It("should fail on a non-201 response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail":"Invalid device credentials"}`))
			}))
			defer server.Close()

			sender, err := simulator.NewHTTPSender(server.URL, time.Second)
			Expect(err).NotTo(HaveOccurred())

			err = sender.Send(context.Background(), devices[0], simulator.Body{Payload: map[string]any{}})
			Expect(err).To(MatchError(ContainSubstring("unexpected status 401")))
		})

		It("should require a base URL", func() {
			_, err := simulator.NewHTTPSender("", time.Second)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("AMQPSender", func() {
		It("should publish with credential headers", func() {
			client := mock.NewMockClient()
			sender, err := simulator.NewAMQPSender(client)
			Expect(err).NotTo(HaveOccurred())
			Expect(sender.Transport()).To(Equal(simulator.TransportAMQP))

			err = sender.Send(context.Background(), devices[1], simulator.Body{
				DeviceID: devices[1].ID,
				Payload:  map[string]any{"pressure_hpa": 1013.2},
			})
			Expect(err).NotTo(HaveOccurred())

			published := client.PublishedMessages()
			Expect(published).To(HaveLen(1))
			Expect(published[0].Headers).To(HaveKeyWithValue(ingest.HeaderDeviceID, "jetson-02"))
			Expect(published[0].Headers).To(HaveKeyWithValue(ingest.HeaderDeviceToken, devices[1].Token))

			decoded, err := ingest.DecodeBody(published[0].Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Payload).To(HaveKeyWithValue("pressure_hpa", 1013.2))
		})

		It("should surface publish errors", func() {
			client := mock.NewMockClient()
			client.PublishError = errors.New("broker down")
			sender, err := simulator.NewAMQPSender(client)
			Expect(err).NotTo(HaveOccurred())

			err = sender.Send(context.Background(), devices[0], simulator.Body{Payload: map[string]any{}})
			Expect(err).To(MatchError("broker down"))

			Expect(sender.Close()).To(Succeed())
			_, closed := client.Calls()
			Expect(closed).To(Equal(1))
		})
	})
})
