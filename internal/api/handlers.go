package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/internal/query"
	"procodus.dev/sensor-hub/internal/telemetry"
)

// Device credential headers on POST /api/v1/readings.
const (
	HeaderDeviceID    = "X-Device-ID"
	HeaderDeviceToken = "X-Device-Token"
)

// ingestResponse is returned with 201 Created.
type ingestResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	DeviceID  string    `json:"device_id"`
	ID        uint64    `json:"id"`
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) handleIngest(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, a.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": "failed to read body"})
		return
	}

	body, err := ingest.DecodeBody(data)
	if err != nil {
		a.writeError(c, err)
		return
	}

	r, err := a.ingest.Ingest(c.Request.Context(), ingest.Request{
		DeviceID:     c.GetHeader(HeaderDeviceID),
		Token:        c.GetHeader(HeaderDeviceToken),
		Timestamp:    body.Timestamp,
		Payload:      body.Payload,
		BodyDeviceID: body.DeviceID,
		Transport:    ingest.TransportHTTP,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ingestResponse{
		Status:    "ok",
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp,
	})
}

func (a *API) handleListDevices(c *gin.Context) {
	devices, err := a.query.ListDevices(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (a *API) handleLatest(c *gin.Context) {
	r, err := a.query.Latest(c.Request.Context(), c.Param("device_id"))
	if errors.Is(err, telemetry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "No data for this device"})
		return
	}
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) handleReadings(c *gin.Context) {
	from, err := optionalDay(c, "from_date")
	if err != nil {
		a.writeError(c, err)
		return
	}
	to, err := optionalDay(c, "to_date")
	if err != nil {
		a.writeError(c, err)
		return
	}

	readings, err := a.query.History(c.Request.Context(), c.Param("device_id"), from, to)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (a *API) handleCSV(c *gin.Context) {
	raw, ok := c.GetQuery("day")
	if !ok || raw == "" {
		a.writeError(c, telemetry.NewValidationError("day", "is required"))
		return
	}
	day, err := telemetry.ParseDay(raw)
	if err != nil {
		a.writeError(c, telemetry.NewValidationError("day", err.Error()))
		return
	}

	deviceID := c.Param("device_id")
	resp := &csvResponse{c: c, filename: query.ExportFilename(deviceID, day)}
	if err := a.query.WriteCSV(c.Request.Context(), resp, deviceID, day); err != nil {
		if !resp.started {
			a.writeError(c, err)
			return
		}
		// Headers are already sent, so the stream can only be cut short.
		_ = c.Error(err)
		a.logger.Error("csv export aborted",
			"device_id", deviceID,
			"day", day.String(),
			"error", err,
		)
	}
}

// csvResponse commits the download headers and the 200 status on the first
// write, so an export that fails before any output still gets an error
// status.
type csvResponse struct {
	c        *gin.Context
	filename string
	started  bool
}

func (r *csvResponse) Write(p []byte) (int, error) {
	if !r.started {
		r.started = true
		r.c.Header("Content-Type", "text/csv; charset=utf-8")
		r.c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, r.filename))
		r.c.Status(http.StatusOK)
	}
	return r.c.Writer.Write(p)
}

func (r *csvResponse) Flush() {
	if r.started {
		r.c.Writer.Flush()
	}
}

func optionalDay(c *gin.Context, param string) (*telemetry.Day, error) {
	raw := c.Query(param)
	if raw == "" {
		return nil, nil
	}
	day, err := telemetry.ParseDay(raw)
	if err != nil {
		return nil, telemetry.NewValidationError(param, err.Error())
	}
	return &day, nil
}

// writeError maps a service error onto a status code and a {"detail"} body.
func (a *API) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var verr *telemetry.ValidationError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid device credentials"})
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": verr.Error(), "field": verr.Field})
	case errors.Is(err, telemetry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
	}
}
