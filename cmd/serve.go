package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-hub/internal/hub"
	"procodus.dev/sensor-hub/internal/server"
	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sensor hub",
	Long: `Run the sensor hub that:
- Accepts authenticated readings over HTTP, AMQP and MQTT
- Persists readings to PostgreSQL (or memory for development)
- Pushes new readings to WebSocket and gRPC watchers
- Serves history queries and daily CSV exports`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("store", server.StorePostgres, "reading store (postgres, memory)")
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "telemetry", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	f.StringToString("device", nil, "device credential as id=secret (repeatable); secrets may be bcrypt hashes")
	f.String("reader-secret", "", "HMAC secret for reader tokens; read routes are open when empty")
	f.String("http-addr", ":8000", "HTTP listen address")
	f.StringSlice("cors-origins", []string{"*"}, "allowed CORS origins")
	f.String("grpc-addr", ":9090", "gRPC listen address; empty disables gRPC")
	f.String("timezone", "UTC", "IANA time zone that defines calendar days")
	f.Int("hub-queue-size", hub.DefaultQueueSize, "readings buffered per live listener")
	f.Duration("hub-write-timeout", hub.DefaultWriteTimeout, "maximum time for one live delivery")
	f.String("rabbitmq-url", "", "RabbitMQ URL; empty disables AMQP ingestion")
	f.String("queue-name", "sensor-readings", "RabbitMQ queue name for readings")
	f.Int("prefetch", 0, "RabbitMQ prefetch count")
	f.String("mqtt-broker", "", "MQTT broker URL; empty disables MQTT ingestion")
	f.String("mqtt-topic-prefix", "sensors", "MQTT topic prefix, readings arrive on <prefix>/<device_id>")
	f.String("mqtt-client-id", "sensor-hub", "MQTT client id")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.Uint8("mqtt-qos", 1, "MQTT subscription QoS")
	f.String("metrics-namespace", metrics.DefaultNamespace, "Prometheus namespace; empty disables metrics")
	f.Duration("shutdown-timeout", 15*time.Second, "graceful shutdown timeout")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"serve.store":             "store",
		"serve.db.host":           "db-host",
		"serve.db.port":           "db-port",
		"serve.db.user":           "db-user",
		"serve.db.password":       "db-password",
		"serve.db.name":           "db-name",
		"serve.db.sslmode":        "db-sslmode",
		"serve.devices":           "device",
		"serve.reader_secret":     "reader-secret",
		"serve.http.addr":         "http-addr",
		"serve.http.cors_origins": "cors-origins",
		"serve.grpc.addr":         "grpc-addr",
		"serve.timezone":          "timezone",
		"serve.hub.queue_size":    "hub-queue-size",
		"serve.hub.write_timeout": "hub-write-timeout",
		"serve.rabbitmq.url":      "rabbitmq-url",
		"serve.rabbitmq.queue":    "queue-name",
		"serve.rabbitmq.prefetch": "prefetch",
		"serve.mqtt.broker":       "mqtt-broker",
		"serve.mqtt.topic_prefix": "mqtt-topic-prefix",
		"serve.mqtt.client_id":    "mqtt-client-id",
		"serve.mqtt.username":     "mqtt-username",
		"serve.mqtt.password":     "mqtt-password",
		"serve.mqtt.qos":          "mqtt-qos",
		"serve.metrics.namespace": "metrics-namespace",
		"serve.shutdown_timeout":  "shutdown-timeout",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting sensor hub service")

	config, err := serveConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	config.Logger = logger

	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create sensor hub", "error", err)
		return err
	}

	logger.Info("sensor hub configuration",
		"store", config.StoreDriver,
		"db_host", config.DB.Host,
		"db_name", config.DB.DBName,
		"devices", len(config.Devices),
		"reader_tokens", config.ReaderSecret != "",
		"http_addr", config.HTTPAddr,
		"grpc_addr", config.GRPCAddr,
		"timezone", config.Location.String(),
		"amqp", config.AMQP != nil,
		"mqtt", config.MQTT != nil,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("sensor hub error", "error", err)
		return err
	}

	logger.Info("sensor hub stopped")
	return nil
}

func serveConfig() (*server.ServerConfig, error) {
	devices, err := parseCredentials(viper.Get("serve.devices"))
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(viper.GetString("serve.timezone"))
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	cfg := &server.ServerConfig{
		StoreDriver: viper.GetString("serve.store"),
		DB: store.DBConfig{
			Host:     viper.GetString("serve.db.host"),
			Port:     viper.GetInt("serve.db.port"),
			User:     viper.GetString("serve.db.user"),
			Password: viper.GetString("serve.db.password"),
			DBName:   viper.GetString("serve.db.name"),
			SSLMode:  viper.GetString("serve.db.sslmode"),
		},
		Devices:         devices,
		ReaderSecret:    viper.GetString("serve.reader_secret"),
		HTTPAddr:        viper.GetString("serve.http.addr"),
		AllowOrigins:    stringList("serve.http.cors_origins"),
		GRPCAddr:        viper.GetString("serve.grpc.addr"),
		Location:        loc,
		HubQueueSize:    viper.GetInt("serve.hub.queue_size"),
		HubWriteTimeout: viper.GetDuration("serve.hub.write_timeout"),
		ShutdownTimeout: viper.GetDuration("serve.shutdown_timeout"),
	}

	if url := viper.GetString("serve.rabbitmq.url"); url != "" {
		cfg.AMQP = &server.AMQPConfig{
			URL:       url,
			QueueName: viper.GetString("serve.rabbitmq.queue"),
			Prefetch:  viper.GetInt("serve.rabbitmq.prefetch"),
		}
	}

	if broker := viper.GetString("serve.mqtt.broker"); broker != "" {
		cfg.MQTT = &server.MQTTConfig{
			Broker:      broker,
			ClientID:    viper.GetString("serve.mqtt.client_id"),
			Username:    viper.GetString("serve.mqtt.username"),
			Password:    viper.GetString("serve.mqtt.password"),
			TopicPrefix: viper.GetString("serve.mqtt.topic_prefix"),
			QoS:         byte(viper.GetUint("serve.mqtt.qos")),
		}
	}

	if ns := viper.GetString("serve.metrics.namespace"); ns != "" {
		cfg.Metrics = server.NewMetrics(ns)
	}

	return cfg, nil
}
