package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the gRPC name of the control service
const ServiceName = "hsu.orchestrator.v1.OrchestratorService"

// Fields of the Unload request struct
const (
	fieldName           = "name"
	fieldWaitForUnmount = "wait_for_unmount"
)

type orchestratorServiceServer interface {
	Status(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	ActiveUnits(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	UnitStatuses(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Navigate(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Unload(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*orchestratorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler: unary("Status", newEmpty, func(s orchestratorServiceServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.Status(ctx, in)
			}),
		},
		{
			MethodName: "ActiveUnits",
			Handler: unary("ActiveUnits", newEmpty, func(s orchestratorServiceServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.ActiveUnits(ctx, in)
			}),
		},
		{
			MethodName: "UnitStatuses",
			Handler: unary("UnitStatuses", newEmpty, func(s orchestratorServiceServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.UnitStatuses(ctx, in)
			}),
		},
		{
			MethodName: "Navigate",
			Handler: unary("Navigate", newStringValue, func(s orchestratorServiceServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.Navigate(ctx, in)
			}),
		},
		{
			MethodName: "Unload",
			Handler: unary("Unload", newStruct, func(s orchestratorServiceServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
				return s.Unload(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hsu/orchestrator/v1/orchestrator.proto",
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }
func newStringValue() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req proto.Message](
	method string,
	newRequest func() Req,
	call func(orchestratorServiceServer, context.Context, Req) (proto.Message, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newRequest()
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(orchestratorServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(Req))
		})
	}
}
