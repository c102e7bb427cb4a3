// Package rpc serves device queries and live watches over gRPC.
//
// Messages are protobuf well-known types, so clients in any language can
// call the service without shared generated code:
//
//	ListDevices(Empty)       returns ListValue of device id strings
//	Latest(StringValue)      returns Struct {id, device_id, timestamp, payload}
//	History(Struct)          takes {device_id, from_date?, to_date?}, returns ListValue of readings
//	Watch(StringValue)       streams one Struct per reading published from now on
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sensorhub.v1.Telemetry"

// Full method names.
const (
	MethodListDevices = "/" + ServiceName + "/ListDevices"
	MethodLatest      = "/" + ServiceName + "/Latest"
	MethodHistory     = "/" + ServiceName + "/History"
	MethodWatch       = "/" + ServiceName + "/Watch"
)

// TelemetryServer is the server API of the Telemetry service.
type TelemetryServer interface {
	ListDevices(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Latest(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	Watch(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the Telemetry service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: listDevicesHandler},
		{MethodName: "Latest", Handler: latestHandler},
		{MethodName: "History", Handler: historyHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "sensorhub/v1/telemetry.proto",
}

// RegisterTelemetryServer registers srv on s.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func listDevicesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).ListDevices(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListDevices}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).ListDevices(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLatest}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).Latest(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func historyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).History(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHistory}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).History(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelemetryServer).Watch(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// TelemetryClient calls the Telemetry service.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryClient creates a client on cc.
func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

// ListDevices returns every device id with at least one reading.
func (c *TelemetryClient) ListDevices(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, MethodListDevices, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the newest reading of deviceID.
func (c *TelemetryClient) Latest(ctx context.Context, deviceID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodLatest, wrapperspb.String(deviceID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the readings matching req.
func (c *TelemetryClient) History(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, MethodHistory, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens a live stream of deviceID's readings.
func (c *TelemetryClient) Watch(ctx context.Context, deviceID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatch, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.SendMsg(wrapperspb.String(deviceID)); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
