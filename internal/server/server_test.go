package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/sensor-hub/internal/rpc"
	"procodus.dev/sensor-hub/internal/server"
	"procodus.dev/sensor-hub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func memoryConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Logger:      testLogger(),
		StoreDriver: server.StoreMemory,
		Devices:     map[string]string{"jetson-01": "secret-01"},
		HTTPAddr:    "127.0.0.1:0",
		GRPCAddr:    "127.0.0.1:0",
	}
}

var _ = Describe("Server", func() {
	Describe("NewServer", func() {
		It("should create a server with the memory store", func() {
			s, err := server.NewServer(memoryConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(s).NotTo(BeNil())
			Expect(s.HTTPAddr()).To(BeNil())
		})

		It("should create a server with the postgres store", func() {
			cfg := memoryConfig()
			cfg.StoreDriver = server.StorePostgres
			cfg.DB = store.DBConfig{Host: "localhost", Port: 5432, User: "test", DBName: "telemetry"}

			s, err := server.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(s).NotTo(BeNil())
		})

		It("should return error when config is nil", func() {
			s, err := server.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(s).To(BeNil())
		})

		DescribeTable("should reject invalid configuration",
			func(mutate func(*server.ServerConfig), message string) {
				cfg := memoryConfig()
				mutate(cfg)
				s, err := server.NewServer(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
				Expect(s).To(BeNil())
			},
			Entry("nil logger", func(c *server.ServerConfig) { c.Logger = nil }, "logger"),
			Entry("unknown store", func(c *server.ServerConfig) { c.StoreDriver = "sqlite" }, "unknown store driver"),
			Entry("postgres without host", func(c *server.ServerConfig) {
				c.StoreDriver = server.StorePostgres
				c.DB = store.DBConfig{Port: 5432, User: "test", DBName: "telemetry"}
			}, "database host"),
			Entry("postgres without port", func(c *server.ServerConfig) {
				c.StoreDriver = server.StorePostgres
				c.DB = store.DBConfig{Host: "localhost", User: "test", DBName: "telemetry"}
			}, "database port"),
			Entry("postgres without user", func(c *server.ServerConfig) {
				c.StoreDriver = server.StorePostgres
				c.DB = store.DBConfig{Host: "localhost", Port: 5432, DBName: "telemetry"}
			}, "database user"),
			Entry("postgres without name", func(c *server.ServerConfig) {
				c.StoreDriver = server.StorePostgres
				c.DB = store.DBConfig{Host: "localhost", Port: 5432, User: "test"}
			}, "database name"),
			Entry("no devices", func(c *server.ServerConfig) { c.Devices = nil }, "device credentials"),
			Entry("no HTTP address", func(c *server.ServerConfig) { c.HTTPAddr = "" }, "HTTP address"),
			Entry("incomplete AMQP", func(c *server.ServerConfig) {
				c.AMQP = &server.AMQPConfig{URL: "amqp://localhost:5672"}
			}, "queue name"),
			Entry("incomplete MQTT", func(c *server.ServerConfig) {
				c.MQTT = &server.MQTTConfig{Broker: "tcp://localhost:1883"}
			}, "topic prefix"),
		)
	})

	Describe("Run", func() {
		var (
			s       *server.Server
			cancel  context.CancelFunc
			stopped chan struct{}
			runErr  error
			baseURL string
		)

		BeforeEach(func() {
			var err error
			s, err = server.NewServer(memoryConfig())
			Expect(err).NotTo(HaveOccurred())

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			stopped = make(chan struct{})
			go func() {
				runErr = s.Run(ctx)
				close(stopped)
			}()

			Eventually(s.Ready()).Should(BeClosed())
			baseURL = "http://" + s.HTTPAddr().String()

			DeferCleanup(func() {
				cancel()
				Eventually(stopped, 10*time.Second).Should(BeClosed())
			})
		})

		ingest := func(body string) *http.Response {
			req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/readings", strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("X-Device-ID", "jetson-01")
			req.Header.Set("X-Device-Token", "secret-01")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should serve ingestion and queries over HTTP", func() {
			resp := ingest(`{"timestamp":"2025-03-01T08:00:00Z","payload":{"temperature_c":21.5}}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			resp, err := http.Get(baseURL + "/api/v1/devices/jetson-01/latest")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var latest struct {
				DeviceID string         `json:"device_id"`
				Payload  map[string]any `json:"payload"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&latest)).To(Succeed())
			Expect(latest.DeviceID).To(Equal("jetson-01"))
			Expect(latest.Payload).To(HaveKeyWithValue("temperature_c", 21.5))
		})

		It("should share readings between HTTP ingestion and gRPC", func() {
			conn, err := grpc.NewClient(s.GRPCAddr().String(),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			client := rpc.NewTelemetryClient(conn)

			resp := ingest(`{"payload":{"pressure_hpa":1013.2}}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			ctx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer callCancel()
			latest, err := client.Latest(ctx, "jetson-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.GetFields()["device_id"].GetStringValue()).To(Equal("jetson-01"))
		})

		It("should push ingested readings to WebSocket listeners", func() {
			wsURL := "ws://" + s.HTTPAddr().String() + "/ws/devices/jetson-01"
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			// The upgrade returns before the listener is registered.
			time.Sleep(200 * time.Millisecond)

			resp := ingest(`{"payload":{"temperature_c":22.0}}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			var pushed struct {
				DeviceID string         `json:"device_id"`
				Payload  map[string]any `json:"payload"`
			}
			Expect(conn.ReadJSON(&pushed)).To(Succeed())
			Expect(pushed.DeviceID).To(Equal("jetson-01"))
			Expect(pushed.Payload).To(HaveKeyWithValue("temperature_c", 22.0))
		})

		It("should close live streams and stop on cancel", func() {
			wsURL := "ws://" + s.HTTPAddr().String() + "/ws/devices/jetson-01"
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			cancel()
			Eventually(stopped, 10*time.Second).Should(BeClosed())
			Expect(runErr).NotTo(HaveOccurred())

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			_, _, err = conn.ReadMessage()
			Expect(err).To(HaveOccurred())

			Expect(s.Shutdown(context.Background())).To(Succeed())
		})
	})

	Describe("Run failures", func() {
		It("should fail when the HTTP address is in use", func() {
			first, err := server.NewServer(memoryConfig())
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- first.Run(ctx) }()
			Eventually(first.Ready()).Should(BeClosed())

			cfg := memoryConfig()
			cfg.HTTPAddr = first.HTTPAddr().String()
			second, err := server.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Run(context.Background())).To(MatchError(ContainSubstring("failed to listen")))

			cancel()
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))
		})

		It("should give up on an unreachable MQTT broker when the context ends", func() {
			cfg := memoryConfig()
			cfg.MQTT = &server.MQTTConfig{Broker: "tcp://127.0.0.1:1", TopicPrefix: "sensors"}
			s, err := server.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			start := time.Now()
			Expect(s.Run(ctx)).To(MatchError(ContainSubstring("failed to start mqtt bridge")))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(s.Ready()).NotTo(BeClosed())
		})
	})
})
