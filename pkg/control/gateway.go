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

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	response := &wrapperspb.StringValue{}
	if err := gw.conn.Invoke(ctx, fullMethod("Status"), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return "", fromStatus(err)
	}
	gw.logger.Debugf("Status client gateway done")
	return response.GetValue(), nil
}

func (gw *grpcClientGateway) ActiveUnits(ctx context.Context) ([]string, error) {
	response := &structpb.ListValue{}
	if err := gw.conn.Invoke(ctx, fullMethod("ActiveUnits"), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("ActiveUnits client gateway: %v", err)
		return nil, fromStatus(err)
	}
	gw.logger.Debugf("ActiveUnits client gateway done")
	return listToNames(response), nil
}

func (gw *grpcClientGateway) UnitStatuses(ctx context.Context) (map[string]string, error) {
	response := &structpb.Struct{}
	if err := gw.conn.Invoke(ctx, fullMethod("UnitStatuses"), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("UnitStatuses client gateway: %v", err)
		return nil, fromStatus(err)
	}

	statuses := make(map[string]string, len(response.GetFields()))
	for name, value := range response.GetFields() {
		statuses[name] = value.GetStringValue()
	}
	gw.logger.Debugf("UnitStatuses client gateway done")
	return statuses, nil
}

func (gw *grpcClientGateway) Navigate(ctx context.Context, href string) ([]string, error) {
	response := &structpb.ListValue{}
	if err := gw.conn.Invoke(ctx, fullMethod("Navigate"), wrapperspb.String(href), response); err != nil {
		gw.logger.Errorf("Navigate client gateway: %v", err)
		return nil, fromStatus(err)
	}
	gw.logger.Debugf("Navigate client gateway done, href: %s", href)
	return listToNames(response), nil
}

func (gw *grpcClientGateway) Unload(ctx context.Context, name string, waitForUnmount bool) error {
	request := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldName:           structpb.NewStringValue(name),
		fieldWaitForUnmount: structpb.NewBoolValue(waitForUnmount),
	}}
	if err := gw.conn.Invoke(ctx, fullMethod("Unload"), request, &emptypb.Empty{}); err != nil {
		gw.logger.Errorf("Unload client gateway: %v", err)
		return fromStatus(err)
	}
	gw.logger.Debugf("Unload client gateway done, unit: %s", name)
	return nil
}

func listToNames(list *structpb.ListValue) []string {
	names := make([]string, 0, len(list.GetValues()))
	for _, value := range list.GetValues() {
		names = append(names, value.GetStringValue())
	}
	return names
}

func fromStatus(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return errors.NewIOError("control call failed", err)
	}
	switch s.Code() {
	case codes.InvalidArgument:
		return errors.NewValidationError(s.Message(), err)
	case codes.NotFound:
		return errors.NewNotFoundError(s.Message(), err)
	case codes.AlreadyExists:
		return errors.NewConflictError(s.Message(), err)
	case codes.DeadlineExceeded:
		return errors.NewTimeoutError(s.Message(), err)
	case codes.Canceled:
		return errors.NewCancelledError(s.Message(), err)
	case codes.Unavailable:
		return errors.NewIOError(s.Message(), err)
	default:
		return errors.NewInternalError(s.Message(), err)
	}
}
