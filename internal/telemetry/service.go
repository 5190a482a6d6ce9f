// Package telemetry serves the filter output over gRPC.
//
// The service uses only protobuf well-known types, so clients need no
// generated code:
//
//	rpc GetStatus(google.protobuf.Empty) returns (google.protobuf.Struct)
//	rpc StreamStatus(google.protobuf.UInt32Value) returns (stream google.protobuf.Struct)
//	rpc SetParameter(google.protobuf.Struct) returns (google.protobuf.Empty)
//	rpc ListParameters(google.protobuf.Empty) returns (google.protobuf.Struct)
//
// StreamStatus takes the minimum interval between messages in
// milliseconds; zero streams every published output.
package telemetry

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "navekf.Telemetry"

// TelemetryServer is the server API of the telemetry service.
type TelemetryServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamStatus(*wrapperspb.UInt32Value, grpc.ServerStreamingServer[structpb.Struct]) error
	SetParameter(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListParameters(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func unaryHandler[Req any, Resp any](method string, call func(TelemetryServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TelemetryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TelemetryServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamStatusHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.UInt32Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamStatus(in, &grpc.GenericServerStream[wrapperspb.UInt32Value, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the telemetry service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    unaryHandler("GetStatus", TelemetryServer.GetStatus),
		},
		{
			MethodName: "SetParameter",
			Handler:    unaryHandler("SetParameter", TelemetryServer.SetParameter),
		},
		{
			MethodName: "ListParameters",
			Handler:    unaryHandler("ListParameters", TelemetryServer.ListParameters),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamStatus",
			Handler:       streamStatusHandler,
			ServerStreams: true,
		},
	},
	Metadata: "navekf/telemetry.proto",
}

// RegisterTelemetryServer adds srv to s.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&ServiceDesc, srv)
}
