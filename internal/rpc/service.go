package rpc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"procodus.dev/sensor-hub/internal/hub"
	"procodus.dev/sensor-hub/internal/query"
	"procodus.dev/sensor-hub/internal/telemetry"
	"procodus.dev/sensor-hub/pkg/metrics"
)

// Service implements TelemetryServer on top of the query service and the
// broadcast hub.
type Service struct {
	logger  *slog.Logger
	query   *query.Service
	hub     *hub.Hub
	metrics *metrics.RPCMetrics // Optional metrics
}

var _ TelemetryServer = (*Service)(nil)

// NewService creates a new Service instance.
func NewService(logger *slog.Logger, q *query.Service, h *hub.Hub, m *metrics.RPCMetrics) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if q == nil {
		return nil, errors.New("query service cannot be nil")
	}

	if h == nil {
		return nil, errors.New("hub cannot be nil")
	}

	return &Service{
		logger:  logger.With("component", "grpc"),
		query:   q,
		hub:     h,
		metrics: m,
	}, nil
}

// ListDevices returns all device ids that have readings.
func (s *Service) ListDevices(ctx context.Context, _ *emptypb.Empty) (resp *structpb.ListValue, err error) {
	defer s.track("ListDevices")(&err)

	devices, err := s.query.ListDevices(ctx)
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		return nil, toStatus(err)
	}

	values := make([]*structpb.Value, len(devices))
	for i, id := range devices {
		values[i] = structpb.NewStringValue(id)
	}
	return &structpb.ListValue{Values: values}, nil
}

// Latest returns the most recent reading of a device.
func (s *Service) Latest(ctx context.Context, req *wrapperspb.StringValue) (resp *structpb.Struct, err error) {
	defer s.track("Latest")(&err)

	deviceID := req.GetValue()
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id cannot be empty")
	}

	r, err := s.query.Latest(ctx, deviceID)
	if err != nil {
		if errors.Is(err, telemetry.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "no data for device: %s", deviceID)
		}
		s.logger.Error("failed to fetch latest reading", "device_id", deviceID, "error", err)
		return nil, toStatus(err)
	}

	out, err := ReadingStruct(r)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// History returns a device's readings between optional calendar days.
func (s *Service) History(ctx context.Context, req *structpb.Struct) (resp *structpb.ListValue, err error) {
	defer s.track("History")(&err)

	fields := req.GetFields()
	deviceID := fields["device_id"].GetStringValue()
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id cannot be empty")
	}

	from, err := optionalDay(fields, "from_date")
	if err != nil {
		return nil, toStatus(err)
	}
	to, err := optionalDay(fields, "to_date")
	if err != nil {
		return nil, toStatus(err)
	}

	readings, err := s.query.History(ctx, deviceID, from, to)
	if err != nil {
		s.logger.Error("failed to fetch history", "device_id", deviceID, "error", err)
		return nil, toStatus(err)
	}

	out, err := readingList(readings)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Watch streams every reading of a device published after the call
// subscribed. It ends when the client cancels or the hub drops the stream.
func (s *Service) Watch(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) (err error) {
	defer s.track("Watch")(&err)

	deviceID := req.GetValue()
	if deviceID == "" {
		return status.Error(codes.InvalidArgument, "device_id cannot be empty")
	}

	l := s.hub.NewListener(&streamSink{stream: stream})
	if err := s.hub.Subscribe(deviceID, l); err != nil {
		if errors.Is(err, hub.ErrHubClosed) {
			return status.Error(codes.Unavailable, "server is shutting down")
		}
		return toStatus(err)
	}
	// The stream must not be written once Watch returns.
	defer func() {
		s.hub.Unsubscribe(l)
		<-l.Exited()
	}()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	s.logger.Debug("watch opened", "device_id", deviceID, "listener_id", l.ID())

	select {
	case <-stream.Context().Done():
		return nil
	case <-l.Done():
	}

	switch l.Reason() {
	case hub.ReasonHubClosed:
		return status.Error(codes.Unavailable, "server is shutting down")
	case hub.ReasonBufferFull:
		return status.Error(codes.ResourceExhausted, "watcher fell too far behind")
	default:
		return status.Errorf(codes.Unavailable, "watch ended: %s", l.Reason())
	}
}

// streamSink delivers readings to a Watch stream. Only the hub's writer
// goroutine calls Send.
type streamSink struct {
	stream grpc.ServerStreamingServer[structpb.Struct]
}

func (s *streamSink) Send(ctx context.Context, r telemetry.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := ReadingStruct(r)
	if err != nil {
		return err
	}
	return s.stream.Send(msg)
}

// track records in-flight, duration and outcome metrics for method. The
// returned func must be deferred with a pointer to the named error result.
func (s *Service) track(method string) func(*error) {
	if s.metrics == nil {
		return func(*error) {}
	}

	s.metrics.RequestsInFlight.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(s.metrics.RequestDuration.WithLabelValues(method))

	return func(errp *error) {
		timer.ObserveDuration()
		s.metrics.RequestsInFlight.WithLabelValues(method).Dec()
		s.metrics.RequestsTotal.WithLabelValues(method, status.Code(*errp).String()).Inc()
	}
}

// toStatus maps service errors onto gRPC status errors.
func toStatus(err error) error {
	var verr *telemetry.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, telemetry.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
}
