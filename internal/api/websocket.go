package api

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"procodus.dev/sensor-hub/internal/hub"
	"procodus.dev/sensor-hub/internal/telemetry"
	"procodus.dev/sensor-hub/pkg/metrics"
)

const (
	maxClientMessageBytes = 4096
	controlWriteTimeout   = 5 * time.Second
)

// wsSink writes readings to a WebSocket connection. The hub's writer
// goroutine is its only data writer; pings go through WriteControl, which
// gorilla/websocket allows concurrently.
type wsSink struct {
	conn    *websocket.Conn
	metrics *metrics.HTTPMetrics
}

func (s *wsSink) Send(ctx context.Context, r telemetry.Reading) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(hub.DefaultWriteTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(r); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.WebSocketMessages.Inc()
	}
	return nil
}

// handleStream upgrades to a WebSocket and forwards every reading of the
// device published from now on. Client messages are read and discarded.
func (a *API) handleStream(c *gin.Context) {
	deviceID := c.Param("device_id")

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied with an error status.
		a.logger.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	defer conn.Close()

	l := a.hub.NewListener(&wsSink{conn: conn, metrics: a.metrics})
	if err := a.hub.Subscribe(deviceID, l); err != nil {
		a.logger.Warn("failed to subscribe stream", "device_id", deviceID, "error", err)
		a.closeStream(conn, websocket.CloseTryAgainLater, "unavailable")
		return
	}
	defer a.hub.Unsubscribe(l)

	if a.metrics != nil {
		a.metrics.WebSocketConnections.Inc()
		defer a.metrics.WebSocketConnections.Dec()
	}
	a.logger.Debug("stream opened", "device_id", deviceID, "listener_id", l.ID())

	readDone := make(chan error, 1)
	go func() {
		readDone <- a.discardMessages(conn)
	}()

	ticker := time.NewTicker(a.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readDone:
			if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug("stream read ended", "device_id", deviceID, "error", err)
			}
			return

		case <-l.Done():
			code := websocket.CloseInternalServerErr
			switch l.Reason() {
			case hub.ReasonHubClosed:
				code = websocket.CloseGoingAway
			case hub.ReasonBufferFull:
				code = websocket.CloseTryAgainLater
			}
			a.logger.Debug("stream dropped by hub", "device_id", deviceID, "reason", l.Reason())
			a.closeStream(conn, code, l.Reason())
			return

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				a.logger.Debug("stream ping failed", "device_id", deviceID, "error", err)
				return
			}
		}
	}
}

// discardMessages reads until the connection fails. Each pong extends the
// read deadline, so a silent peer times out after two missed pings.
func (a *API) discardMessages(conn *websocket.Conn) error {
	conn.SetReadLimit(maxClientMessageBytes)
	wait := 2 * a.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, r, err := conn.NextReader()
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
	}
}

func (a *API) closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		a.logger.Debug("failed to send close frame", "error", err)
	}
}
