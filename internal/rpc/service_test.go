package rpc_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/hub"
	"procodus.dev/sensor-hub/internal/query"
	"procodus.dev/sensor-hub/internal/rpc"
	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

var _ = Describe("Telemetry service", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		mem     *store.Memory
		h       *hub.Hub
		svc     *rpc.Service
		client  *rpc.TelemetryClient
		options []grpc.ServerOption
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(func() { cancel() })

		logger := testLogger()
		mem = store.NewMemory()

		var err error
		h, err = hub.New(hub.Config{Logger: logger})
		Expect(err).NotTo(HaveOccurred())

		q, err := query.NewService(&query.Config{Logger: logger, Store: mem})
		Expect(err).NotTo(HaveOccurred())

		svc, err = rpc.NewService(logger, q, h, nil)
		Expect(err).NotTo(HaveOccurred())

		options = nil
	})

	// JustBeforeEach lets nested contexts add server options first.
	JustBeforeEach(func() {
		lis := bufconn.Listen(1 << 20)
		server := grpc.NewServer(options...)
		rpc.RegisterTelemetryServer(server, svc)
		go func() { _ = server.Serve(lis) }()

		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		Expect(err).NotTo(HaveOccurred())
		client = rpc.NewTelemetryClient(conn)

		DeferCleanup(func() {
			_ = conn.Close()
			h.Close()
			server.Stop()
		})
	})

	appendAt := func(deviceID string, ts time.Time, payload telemetry.Payload) telemetry.Reading {
		r, err := mem.Append(context.Background(), deviceID, ts, payload)
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	Describe("NewService", func() {
		It("should return error when logger is nil", func() {
			s, err := rpc.NewService(nil, nil, nil, nil)
			Expect(err).To(MatchError(ContainSubstring("logger")))
			Expect(s).To(BeNil())
		})

		It("should return error when query service is nil", func() {
			s, err := rpc.NewService(testLogger(), nil, nil, nil)
			Expect(err).To(MatchError(ContainSubstring("query service")))
			Expect(s).To(BeNil())
		})
	})

	Describe("ListDevices", func() {
		It("should return an empty list when nothing was ingested", func() {
			resp, err := client.ListDevices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GetValues()).To(BeEmpty())
		})

		It("should return sorted device ids", func() {
			appendAt("jetson-02", at(1, 8), telemetry.Payload{})
			appendAt("jetson-01", at(1, 8), telemetry.Payload{})

			resp, err := client.ListDevices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.AsSlice()).To(Equal([]any{"jetson-01", "jetson-02"}))
		})
	})

	Describe("Latest", func() {
		It("should return the newest reading", func() {
			appendAt("jetson-01", at(1, 8), telemetry.Payload{"temperature_c": 20.0})
			want := appendAt("jetson-01", at(1, 10), telemetry.Payload{"temperature_c": 22.5})
			appendAt("jetson-01", at(1, 9), telemetry.Payload{"temperature_c": 21.0})

			resp, err := client.Latest(ctx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())

			got, err := rpc.StructReading(resp)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		})

		It("should return NotFound for a device without data", func() {
			_, err := client.Latest(ctx, "unknown")
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})

		It("should reject an empty device id", func() {
			_, err := client.Latest(ctx, "")
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Describe("History", func() {
		BeforeEach(func() {
			appendAt("jetson-01", at(1, 8), telemetry.Payload{"temperature_c": 21.5})
			appendAt("jetson-01", at(2, 8), telemetry.Payload{"temperature_c": 22.0})
			appendAt("jetson-01", at(3, 8), telemetry.Payload{"temperature_c": 23.0})
		})

		history := func(fields map[string]any) ([]telemetry.Reading, error) {
			req, err := structpb.NewStruct(fields)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.History(ctx, req)
			if err != nil {
				return nil, err
			}
			readings := make([]telemetry.Reading, 0, len(resp.GetValues()))
			for _, v := range resp.GetValues() {
				r, err := rpc.StructReading(v.GetStructValue())
				Expect(err).NotTo(HaveOccurred())
				readings = append(readings, r)
			}
			return readings, nil
		}

		It("should return every reading without bounds", func() {
			readings, err := history(map[string]any{"device_id": "jetson-01"})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(3))
			Expect(readings[0].Timestamp).To(Equal(at(1, 8)))
		})

		It("should bound readings by day", func() {
			readings, err := history(map[string]any{
				"device_id": "jetson-01",
				"from_date": "2025-03-02",
				"to_date":   "2025-03-02",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(1))
			Expect(readings[0].Payload).To(HaveKeyWithValue("temperature_c", 22.0))
		})

		DescribeTable("should reject invalid requests",
			func(fields map[string]any) {
				_, err := history(fields)
				Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
			},
			Entry("missing device id", map[string]any{}),
			Entry("malformed date", map[string]any{"device_id": "jetson-01", "from_date": "03/02/2025"}),
			Entry("non-string date", map[string]any{"device_id": "jetson-01", "to_date": 20250302}),
		)
	})

	Describe("Watch", func() {
		It("should stream readings published after subscribing", func() {
			stream, err := client.Watch(ctx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return h.Listeners("jetson-01") }).Should(Equal(1))

			other := appendAt("jetson-02", at(1, 8), telemetry.Payload{"temperature_c": 30.0})
			h.Publish("jetson-02", other)
			first := appendAt("jetson-01", at(1, 8), telemetry.Payload{"temperature_c": 21.5})
			h.Publish("jetson-01", first)
			second := appendAt("jetson-01", at(1, 9), telemetry.Payload{"temperature_c": 22.0})
			h.Publish("jetson-01", second)

			for _, want := range []telemetry.Reading{first, second} {
				msg, err := stream.Recv()
				Expect(err).NotTo(HaveOccurred())
				got, err := rpc.StructReading(msg)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
			}
		})

		It("should unsubscribe when the client cancels", func() {
			watchCtx, watchCancel := context.WithCancel(ctx)
			_, err := client.Watch(watchCtx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return h.Listeners("jetson-01") }).Should(Equal(1))

			watchCancel()
			Eventually(func() int { return h.Listeners("jetson-01") }).Should(BeZero())
		})

		It("should end with Unavailable when the hub closes", func() {
			stream, err := client.Watch(ctx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return h.Listeners("jetson-01") }).Should(Equal(1))

			h.Close()

			_, err = stream.Recv()
			Expect(status.Code(err)).To(Equal(codes.Unavailable))
		})

		It("should reject an empty device id", func() {
			stream, err := client.Watch(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = stream.Recv()
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Context("with reader tokens required", func() {
		var verifier *auth.ReaderVerifier

		BeforeEach(func() {
			var err error
			verifier, err = auth.NewReaderVerifier("reader-secret")
			Expect(err).NotTo(HaveOccurred())
			options = rpc.ReaderOptions(verifier)
		})

		It("should reject calls without a token", func() {
			_, err := client.ListDevices(ctx)
			Expect(status.Code(err)).To(Equal(codes.Unauthenticated))
		})

		It("should reject streams without a token", func() {
			stream, err := client.Watch(ctx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())
			_, err = stream.Recv()
			Expect(status.Code(err)).To(Equal(codes.Unauthenticated))
		})

		It("should accept a valid token", func() {
			token, err := verifier.Issue("dashboard", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.ListDevices(rpc.ReaderToken(ctx, token))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("ReaderOptions", func() {
		It("should return nothing without a verifier", func() {
			Expect(rpc.ReaderOptions(nil)).To(BeEmpty())
		})
	})
})
