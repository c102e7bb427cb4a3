package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-hub/internal/simulator"
	"procodus.dev/sensor-hub/pkg/generator"
	"procodus.dev/sensor-hub/pkg/logger"
	"procodus.dev/sensor-hub/pkg/metrics"
	"procodus.dev/sensor-hub/pkg/mq"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a fleet of synthetic devices",
	Long: `Run a fleet of synthetic devices that:
- Generate BME680-style environmental readings
- Send them to the hub over HTTP, AMQP or MQTT
- Print their generated credentials for the hub's device list`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.String("transport", simulator.TransportHTTP, "transport (http, amqp, mqtt)")
	f.String("server-url", "http://127.0.0.1:8000", "hub base URL for the http transport")
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL for the amqp transport")
	f.String("queue-name", "sensor-readings", "RabbitMQ queue name for readings")
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL for the mqtt transport")
	f.String("mqtt-topic-prefix", "sensors", "MQTT topic prefix")
	f.Uint8("mqtt-qos", 1, "MQTT publish QoS")
	f.String("device-prefix", "jetson", "device id prefix")
	f.Int("devices", 3, "number of simulated devices")
	f.Duration("interval", 5*time.Second, "interval between readings of one device")
	f.Int("count", 0, "readings per device; 0 runs until interrupted")
	f.Uint64("seed", 1, "seed for device credentials and sensor values")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"simulate.transport":         "transport",
		"simulate.server_url":        "server-url",
		"simulate.rabbitmq.url":      "rabbitmq-url",
		"simulate.rabbitmq.queue":    "queue-name",
		"simulate.mqtt.broker":       "mqtt-broker",
		"simulate.mqtt.topic_prefix": "mqtt-topic-prefix",
		"simulate.mqtt.qos":          "mqtt-qos",
		"simulate.device_prefix":     "device-prefix",
		"simulate.devices":           "devices",
		"simulate.interval":          "interval",
		"simulate.count":             "count",
		"simulate.seed":              "seed",
		"simulate.metrics_addr":      "metrics-addr",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runSimulate(_ *cobra.Command, _ []string) error {
	log := logger.WithComponent(GetLogger(), "simulate")

	devices, err := generator.NewDevices(
		viper.GetString("simulate.device_prefix"),
		viper.GetInt("simulate.devices"),
		viper.GetUint64("simulate.seed"),
	)
	if err != nil {
		log.Error("failed to generate devices", "error", err)
		return err
	}

	// Credentials go to stdout so they can be pasted into the hub config.
	for _, d := range devices {
		fmt.Fprintf(os.Stdout, "%s=%s\n", d.ID, d.Token)
	}

	sender, closeSender, err := newSender(viper.GetString("simulate.transport"))
	if err != nil {
		log.Error("failed to create sender", "error", err)
		return err
	}
	defer closeSender()

	var m *metrics.SimulatorMetrics
	if addr := viper.GetString("simulate.metrics_addr"); addr != "" {
		m = metrics.NewSimulatorMetrics(metrics.DefaultNamespace)
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}()
	}

	sim, err := simulator.New(&simulator.Config{
		Logger:   log,
		Sender:   sender,
		Devices:  devices,
		Interval: viper.GetDuration("simulate.interval"),
		Count:    viper.GetInt("simulate.count"),
		Seed:     viper.GetUint64("simulate.seed"),
		Metrics:  m,
	})
	if err != nil {
		log.Error("failed to create simulator", "error", err)
		return err
	}

	log.Info("simulator configuration",
		"transport", sender.Transport(),
		"devices", len(devices),
		"interval", viper.GetDuration("simulate.interval"),
		"count", viper.GetInt("simulate.count"),
	)

	if err := sim.Run(context.Background()); err != nil {
		log.Error("simulator error", "error", err)
		return err
	}
	return nil
}

func newSender(transport string) (simulator.Sender, func(), error) {
	switch transport {
	case simulator.TransportHTTP:
		s, err := simulator.NewHTTPSender(viper.GetString("simulate.server_url"), 0)
		return s, func() {}, err

	case simulator.TransportAMQP:
		client, err := mq.New(mq.Config{
			Logger:    GetLogger(),
			URL:       viper.GetString("simulate.rabbitmq.url"),
			QueueName: viper.GetString("simulate.rabbitmq.queue"),
			Durable:   true,
		})
		if err != nil {
			return nil, nil, err
		}
		s, err := simulator.NewAMQPSender(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case simulator.TransportMQTT:
		opts := mqtt.NewClientOptions().
			AddBroker(viper.GetString("simulate.mqtt.broker")).
			SetClientID(fmt.Sprintf("sensor-hub-simulator-%d", os.Getpid())).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(5 * time.Second)
		client := mqtt.NewClient(opts)
		// With connect retry the token completes once connected; the first
		// publish queues until then.
		client.Connect()
		s, err := simulator.NewMQTTSender(client,
			viper.GetString("simulate.mqtt.topic_prefix"),
			byte(viper.GetUint("simulate.mqtt.qos")))
		if err != nil {
			client.Disconnect(0)
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}
