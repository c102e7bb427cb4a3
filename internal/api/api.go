// Package api exposes ingestion, queries, CSV export and live device
// streams over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/hub"
	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/internal/query"
	"procodus.dev/sensor-hub/pkg/metrics"
)

const (
	// DefaultMaxBodyBytes caps an ingestion request body.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultPingInterval is how often live streams are pinged.
	DefaultPingInterval = 30 * time.Second
)

// Config holds the HTTP API configuration.
type Config struct {
	Logger  *slog.Logger
	Ingest  *ingest.Service
	Query   *query.Service
	Hub     *hub.Hub
	Reader  *auth.ReaderVerifier // optional, guards read routes when set
	Metrics *metrics.HTTPMetrics // optional
	// AllowOrigins lists CORS origins; empty means any origin.
	AllowOrigins []string
	MaxBodyBytes int64
	PingInterval time.Duration
}

// API serves the HTTP routes.
type API struct {
	logger       *slog.Logger
	ingest       *ingest.Service
	query        *query.Service
	hub          *hub.Hub
	reader       *auth.ReaderVerifier
	metrics      *metrics.HTTPMetrics
	router       *gin.Engine
	upgrader     websocket.Upgrader
	allowOrigins []string
	maxBodyBytes int64
	pingInterval time.Duration
}

// New creates the API and registers its routes.
func New(cfg *Config) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Ingest == nil {
		return nil, errors.New("ingest service cannot be nil")
	}
	if cfg.Query == nil {
		return nil, errors.New("query service cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	a := &API{
		logger:       cfg.Logger.With("component", "http_api"),
		ingest:       cfg.Ingest,
		query:        cfg.Query,
		hub:          cfg.Hub,
		reader:       cfg.Reader,
		metrics:      cfg.Metrics,
		allowOrigins: cfg.AllowOrigins,
		maxBodyBytes: cfg.MaxBodyBytes,
		pingInterval: cfg.PingInterval,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	a.router = a.setupRoutes()
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) setupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.requestLogger())
	router.Use(a.observe())
	router.Use(cors.New(a.corsConfig()))

	router.GET("/health", a.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/readings", a.handleIngest)

	devices := v1.Group("/devices", auth.RequireReader(a.reader))
	devices.GET("", a.handleListDevices)
	devices.GET("/:device_id/latest", a.handleLatest)
	devices.GET("/:device_id/readings", a.handleReadings)
	devices.GET("/:device_id/csv", a.handleCSV)

	router.GET("/ws/devices/:device_id", auth.RequireReader(a.reader), a.handleStream)

	return router
}

func (a *API) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", HeaderDeviceID, HeaderDeviceToken},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if a.anyOrigin() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = a.allowOrigins
	}
	return cfg
}

func (a *API) anyOrigin() bool {
	return len(a.allowOrigins) == 0 || slices.Contains(a.allowOrigins, "*")
}

// checkOrigin applies the CORS origin list to WebSocket upgrades. Requests
// without an Origin header come from non-browser clients and are allowed.
func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || a.anyOrigin() {
		return true
	}
	return slices.Contains(a.allowOrigins, origin)
}
