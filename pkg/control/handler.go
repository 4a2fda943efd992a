package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Status(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	state, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("Status server handler done")
	return wrapperspb.String(state), nil
}

func (h *grpcServerHandler) ActiveUnits(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names, err := h.handler.ActiveUnits(ctx)
	if err != nil {
		h.logger.Errorf("ActiveUnits server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("ActiveUnits server handler done")
	return namesToList(names), nil
}

func (h *grpcServerHandler) UnitStatuses(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	statuses, err := h.handler.UnitStatuses(ctx)
	if err != nil {
		h.logger.Errorf("UnitStatuses server handler: %v", err)
		return nil, toStatus(err)
	}

	fields := make(map[string]*structpb.Value, len(statuses))
	for name, s := range statuses {
		fields[name] = structpb.NewStringValue(s)
	}
	h.logger.Debugf("UnitStatuses server handler done")
	return &structpb.Struct{Fields: fields}, nil
}

func (h *grpcServerHandler) Navigate(ctx context.Context, request *wrapperspb.StringValue) (*structpb.ListValue, error) {
	names, err := h.handler.Navigate(ctx, request.GetValue())
	if err != nil {
		h.logger.Errorf("Navigate server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("Navigate server handler done, href: %s", request.GetValue())
	return namesToList(names), nil
}

func (h *grpcServerHandler) Unload(ctx context.Context, request *structpb.Struct) (*emptypb.Empty, error) {
	name := request.GetFields()[fieldName].GetStringValue()
	wait := request.GetFields()[fieldWaitForUnmount].GetBoolValue()

	if err := h.handler.Unload(ctx, name, wait); err != nil {
		h.logger.Errorf("Unload server handler: %v", err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("Unload server handler done, unit: %s", name)
	return &emptypb.Empty{}, nil
}

func namesToList(names []string) *structpb.ListValue {
	values := make([]*structpb.Value, len(names))
	for i, name := range names {
		values[i] = structpb.NewStringValue(name)
	}
	return &structpb.ListValue{Values: values}
}

func toStatus(err error) error {
	switch {
	case errors.IsValidationError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.IsNotFoundError(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.IsConflictError(err):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.IsTimeoutError(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.IsCancelledError(err):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.FromContextError(err).Err()
	}
}
