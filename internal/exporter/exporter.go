// Package exporter downloads one calendar day of readings per device from
// a running hub and writes them as <out>/<day>/<device>.csv.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"procodus.dev/sensor-hub/internal/telemetry"
)

const defaultTimeout = 60 * time.Second

// Config holds the exporter configuration.
type Config struct {
	Logger  *slog.Logger
	BaseURL string
	OutDir  string
	// ReaderToken is sent as a bearer token when set.
	ReaderToken string
	Timeout     time.Duration
}

// Exporter fetches daily CSV files from the hub's HTTP API.
type Exporter struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	outDir  string
	token   string
}

// New creates an exporter.
func New(cfg *Config) (*Exporter, error) {
	if cfg == nil {
		return nil, errors.New("exporter config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	if cfg.OutDir == "" {
		return nil, errors.New("output directory cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Exporter{
		logger:  cfg.Logger.With("component", "exporter"),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		outDir:  cfg.OutDir,
		token:   cfg.ReaderToken,
	}, nil
}

// Devices lists every device known to the hub.
func (e *Exporter) Devices(ctx context.Context) ([]string, error) {
	resp, err := e.get(ctx, e.baseURL+"/api/v1/devices")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Devices []string `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}
	return body.Devices, nil
}

// ExportDay writes one CSV file per device for day and returns the paths
// written. A failing device does not stop the others; their errors are
// returned together.
func (e *Exporter) ExportDay(ctx context.Context, day telemetry.Day) ([]string, error) {
	devices, err := e.Devices(ctx)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(e.outDir, day.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var (
		written []string
		errs    []error
	)
	for _, deviceID := range devices {
		path, err := e.exportDevice(ctx, dir, deviceID, day)
		if err != nil {
			e.logger.Error("failed to export device", "device_id", deviceID, "day", day.String(), "error", err)
			errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		e.logger.Info("device exported", "device_id", deviceID, "path", path)
		written = append(written, path)
	}

	return written, errors.Join(errs...)
}

func (e *Exporter) exportDevice(ctx context.Context, dir, deviceID string, day telemetry.Day) (string, error) {
	if deviceID == "" || deviceID == "." || deviceID == ".." || strings.ContainsAny(deviceID, `/\`) {
		return "", fmt.Errorf("device id %q is not a valid file name", deviceID)
	}

	u := fmt.Sprintf("%s/api/v1/devices/%s/csv?%s",
		e.baseURL, url.PathEscape(deviceID), url.Values{"day": {day.String()}}.Encode())
	resp, err := e.get(ctx, u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// A failed download leaves no partial file.
	tmp, err := os.CreateTemp(dir, "."+deviceID+"-*.csv")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to download csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write csv: %w", err)
	}

	path := filepath.Join(dir, deviceID+".csv")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move csv into place: %w", err)
	}
	return path, nil
}

func (e *Exporter) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, req.URL.Path, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}
