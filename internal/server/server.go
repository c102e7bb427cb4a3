// Package server assembles the sensor hub: store, broadcast hub, ingestion
// transports and the HTTP and gRPC read surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"procodus.dev/sensor-hub/internal/api"
	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/hub"
	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/internal/query"
	"procodus.dev/sensor-hub/internal/rpc"
	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/pkg/mq"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const defaultShutdownTimeout = 15 * time.Second

// AMQPConfig enables the RabbitMQ ingestion consumer.
type AMQPConfig struct {
	URL       string
	QueueName string
	Prefetch  int
}

// MQTTConfig enables the MQTT ingestion bridge.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// StoreDriver is StorePostgres or StoreMemory.
	StoreDriver string
	DB          store.DBConfig

	// Devices maps device ids to their shared secret or bcrypt hash.
	Devices map[string]string
	// ReaderSecret enables JWT reader tokens on read routes when set.
	ReaderSecret string

	HTTPAddr     string
	AllowOrigins []string
	// GRPCAddr disables the gRPC API when empty.
	GRPCAddr string

	// Location defines calendar days. Defaults to UTC.
	Location        *time.Location
	HubQueueSize    int
	HubWriteTimeout time.Duration

	AMQP *AMQPConfig // optional
	MQTT *MQTTConfig // optional

	Metrics *Metrics // optional

	ShutdownTimeout time.Duration
}

// Server runs the sensor hub until its context ends or a shutdown signal
// arrives.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	store      store.Store
	hub        *hub.Hub
	consumer   *ingest.Consumer
	bridge     *ingest.MQTTBridge
	httpServer *http.Server
	grpcServer *grpc.Server
	httpLis    net.Listener
	grpcLis    net.Listener
	ready      chan struct{}
	shutdown   sync.Once
	err        error
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DB.Host == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DB.Port <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DB.User == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DB.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if len(cfg.Devices) == 0 {
		return nil, errors.New("device credentials cannot be empty")
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("HTTP address cannot be empty")
	}

	if cfg.AMQP != nil && (cfg.AMQP.URL == "" || cfg.AMQP.QueueName == "") {
		return nil, errors.New("rabbitmq URL and queue name cannot be empty")
	}

	if cfg.MQTT != nil && (cfg.MQTT.Broker == "" || cfg.MQTT.TopicPrefix == "") {
		return nil, errors.New("mqtt broker and topic prefix cannot be empty")
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &Server{
		logger: cfg.Logger.With("component", "server"),
		config: cfg,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once every listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// HTTPAddr returns the bound HTTP address. It is nil before Ready.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

// GRPCAddr returns the bound gRPC address. It is nil before Ready or when
// gRPC is disabled.
func (s *Server) GRPCAddr() net.Addr {
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting sensor hub")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	serveErr, err := s.start(ctx)
	if err != nil {
		s.logger.Error("failed to start sensor hub", "error", err)
		if shutdownErr := s.shutdownWithTimeout(); shutdownErr != nil {
			return fmt.Errorf("%w; shutdown error: %w", err, shutdownErr)
		}
		return err
	}
	close(s.ready)

	s.logger.Info("sensor hub started",
		"http_address", s.HTTPAddr().String(),
		"grpc_enabled", s.grpcServer != nil,
		"amqp_enabled", s.consumer != nil,
		"mqtt_enabled", s.bridge != nil,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case runErr = <-serveErr:
		s.logger.Error("listener failed", "error", runErr)
	}
	cancel()

	if err := s.shutdownWithTimeout(); err != nil {
		if runErr != nil {
			return fmt.Errorf("%w; shutdown error: %w", runErr, err)
		}
		return err
	}
	return runErr
}

func (s *Server) start(ctx context.Context) (<-chan error, error) {
	cfg := s.config
	m := cfg.Metrics

	st, err := s.openStore()
	if err != nil {
		return nil, err
	}
	s.store = st

	s.hub, err = hub.New(hub.Config{
		Logger:       cfg.Logger,
		Metrics:      m.hub(),
		QueueSize:    cfg.HubQueueSize,
		WriteTimeout: cfg.HubWriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hub: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Devices)
	if err != nil {
		return nil, fmt.Errorf("failed to load device credentials: %w", err)
	}
	s.logger.Info("device credentials loaded", "devices", authenticator.Devices())

	var reader *auth.ReaderVerifier
	if cfg.ReaderSecret != "" {
		if reader, err = auth.NewReaderVerifier(cfg.ReaderSecret); err != nil {
			return nil, fmt.Errorf("failed to initialize reader tokens: %w", err)
		}
	}

	ingestSvc, err := ingest.NewService(&ingest.Config{
		Logger:    cfg.Logger,
		Store:     s.store,
		Auth:      authenticator,
		Publisher: s.hub,
		Metrics:   m.ingest(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ingest service: %w", err)
	}

	querySvc, err := query.NewService(&query.Config{
		Logger:   cfg.Logger,
		Store:    s.store,
		Location: cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize query service: %w", err)
	}

	httpAPI, err := api.New(&api.Config{
		Logger:       cfg.Logger,
		Ingest:       ingestSvc,
		Query:        querySvc,
		Hub:          s.hub,
		Reader:       reader,
		Metrics:      m.http(),
		AllowOrigins: cfg.AllowOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP API: %w", err)
	}

	// WriteTimeout stays zero: CSV exports and WebSocket streams are
	// long-lived.
	s.httpServer = &http.Server{
		Handler:           httpAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if s.httpLis, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
	}

	if cfg.GRPCAddr != "" {
		rpcSvc, err := rpc.NewService(cfg.Logger, querySvc, s.hub, m.rpc())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gRPC service: %w", err)
		}
		s.grpcServer = grpc.NewServer(rpc.ReaderOptions(reader)...)
		rpc.RegisterTelemetryServer(s.grpcServer, rpcSvc)

		if s.grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
	}

	if cfg.AMQP != nil {
		if err := s.startConsumer(ctx, ingestSvc); err != nil {
			return nil, err
		}
	}

	if cfg.MQTT != nil {
		bridge, err := ingest.NewMQTTBridge(&ingest.MQTTConfig{
			Logger:      cfg.Logger,
			Service:     ingestSvc,
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mqtt bridge: %w", err)
		}
		s.bridge = bridge
		if err := bridge.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start mqtt bridge: %w", err)
		}
	}

	serveErr := make(chan error, 2)

	s.logger.Info("starting HTTP server", "address", s.httpLis.Addr().String())
	go func() {
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if s.grpcServer != nil {
		s.logger.Info("starting gRPC server", "address", s.grpcLis.Addr().String())
		go func() {
			if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	return serveErr, nil
}

func (s *Server) openStore() (store.Store, error) {
	if s.config.StoreDriver == StoreMemory {
		s.logger.Warn("using in-memory store, readings are lost on restart")
		return store.NewMemory(), nil
	}

	dbCfg := s.config.DB
	dbCfg.Logger = s.config.Logger
	db, err := store.NewDB(&dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.logger.Info("database initialized successfully")

	pg, err := store.NewPostgres(db, s.config.Logger, s.config.Metrics.store())
	if err != nil {
		_ = store.CloseDB(db, s.config.Logger)
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return pg, nil
}

func (s *Server) startConsumer(ctx context.Context, svc *ingest.Service) error {
	cfg := s.config.AMQP

	client, err := mq.New(mq.Config{
		Logger:    s.config.Logger,
		Metrics:   s.config.Metrics.mq(),
		URL:       cfg.URL,
		QueueName: cfg.QueueName,
		Prefetch:  cfg.Prefetch,
		Durable:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mq client: %w", err)
	}

	consumer, err := ingest.NewConsumer(&ingest.ConsumerConfig{
		Logger:    s.config.Logger,
		Service:   svc,
		Client:    client,
		Metrics:   s.config.Metrics.mq(),
		QueueName: cfg.QueueName,
	})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

func (s *Server) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting new readings, ends every live stream and closes
// the store. It is safe to call more than once; later calls return the
// first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.err = s.doShutdown(ctx)
	})
	return s.err
}

func (s *Server) doShutdown(ctx context.Context) error {
	s.logger.Info("shutting down sensor hub")

	var shutdownErr error
	collect := func(what string, err error) {
		s.logger.Error("shutdown step failed", "step", what, "error", err)
		if shutdownErr != nil {
			shutdownErr = fmt.Errorf("%w; %s error: %w", shutdownErr, what, err)
		} else {
			shutdownErr = fmt.Errorf("%s error: %w", what, err)
		}
	}

	// Ingestion first, so nothing is appended after the store closes.
	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			collect("HTTP shutdown", err)
		}
	}
	if s.httpLis != nil {
		// Covers a listener that never reached Serve.
		_ = s.httpLis.Close()
	}

	if s.bridge != nil {
		s.bridge.Stop()
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			collect("consumer shutdown", err)
		}
	}

	// Closing the hub ends WebSocket and Watch streams, which lets the
	// gRPC server drain.
	if s.hub != nil {
		s.logger.Info("closing broadcast hub")
		s.hub.Close()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warn("gRPC graceful stop timed out, forcing")
			s.grpcServer.Stop()
			<-stopped
		}
	}
	if s.grpcLis != nil {
		_ = s.grpcLis.Close()
	}

	if s.store != nil {
		s.logger.Info("closing store")
		if err := s.store.Close(); err != nil {
			collect("store close", err)
		}
	}

	if shutdownErr != nil {
		s.logger.Error("sensor hub shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("sensor hub shutdown completed successfully")
	return nil
}
