// Package rpc exposes the lifecycle operations as the gRPC service
// provisioner.v1.Instances. Messages are protobuf well-known types: records
// travel as google.protobuf.Struct with the same field names as the JSON form
// of models.Instance, ids as google.protobuf.StringValue.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

const ServiceName = "provisioner.v1.Instances"

// Service is the part of the orchestrator the gRPC layer calls.
type Service interface {
	Provision(ctx context.Context, spec models.CreateSpec) (*models.Instance, error)
	List(ctx context.Context) ([]*models.Instance, error)
	Get(ctx context.Context, id string) (*models.Instance, error)
	Start(ctx context.Context, id string) (*models.Instance, error)
	Stop(ctx context.Context, id string) (*models.Instance, error)
	Destroy(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (lifecycle.Drift, error)
	Orphans(ctx context.Context, backend string) ([]models.Observed, error)
}

// InstancesServer is the handler type of ServiceDesc.
type InstancesServer interface {
	Provision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Get(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Start(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Stop(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Destroy(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Refresh(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Orphans(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
}

func unary[Req proto.Message](name string, newReq func() Req, call func(InstancesServer, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(InstancesServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}

func newID() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InstancesServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Provision", func() *structpb.Struct { return new(structpb.Struct) },
			func(s InstancesServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) { return s.Provision(ctx, in) }),
		unary("List", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s InstancesServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) { return s.List(ctx, in) }),
		unary("Get", newID,
			func(s InstancesServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) { return s.Get(ctx, in) }),
		unary("Start", newID,
			func(s InstancesServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) { return s.Start(ctx, in) }),
		unary("Stop", newID,
			func(s InstancesServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) { return s.Stop(ctx, in) }),
		unary("Destroy", newID,
			func(s InstancesServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) { return s.Destroy(ctx, in) }),
		unary("Refresh", newID,
			func(s InstancesServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) { return s.Refresh(ctx, in) }),
		unary("Orphans", newID,
			func(s InstancesServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) { return s.Orphans(ctx, in) }),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "provisioner/v1/instances.proto",
}

// Server adapts a Service to InstancesServer.
type Server struct {
	svc Service
}

// Register installs the service on gs.
func Register(gs *grpc.Server, svc Service) {
	gs.RegisterService(&ServiceDesc, &Server{svc: svc})
}

// CodeOf maps an orchestrator error to a gRPC code.
func CodeOf(err error) codes.Code {
	switch lifecycle.KindOf(err) {
	case lifecycle.KindValidation:
		return codes.InvalidArgument
	case lifecycle.KindEligibilityRejected:
		return codes.FailedPrecondition
	case lifecycle.KindNotFound:
		return codes.NotFound
	case lifecycle.KindConflict:
		return codes.Aborted
	case lifecycle.KindBackendUnavailable:
		return codes.Unavailable
	case lifecycle.KindBackendTimeout:
		return codes.DeadlineExceeded
	case lifecycle.KindBackendExecution:
		return codes.Unknown
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	return status.Error(CodeOf(err), err.Error())
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func toList[T any](items []T) (*structpb.ListValue, error) {
	b, err := json.Marshal(items)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var l []any
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	lv, err := structpb.NewList(l)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return lv, nil
}

func specFromStruct(s *structpb.Struct) models.CreateSpec {
	f := s.GetFields()
	return models.CreateSpec{
		Name:          f["name"].GetStringValue(),
		ImageID:       f["image_id"].GetStringValue(),
		InstanceClass: f["instance_class"].GetStringValue(),
		StorageGB:     int(f["storage_gb"].GetNumberValue()),
		Backend:       f["backend"].GetStringValue(),
	}
}

func requireID(in *wrapperspb.StringValue) error {
	if in.GetValue() == "" {
		return status.Error(codes.InvalidArgument, "id required")
	}
	return nil
}

func (s *Server) Provision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	inst, err := s.svc.Provision(ctx, specFromStruct(in))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	list, err := s.svc.List(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toList(list)
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := requireID(in); err != nil {
		return nil, err
	}
	inst, err := s.svc.Get(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

func (s *Server) Start(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := requireID(in); err != nil {
		return nil, err
	}
	inst, err := s.svc.Start(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

func (s *Server) Stop(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := requireID(in); err != nil {
		return nil, err
	}
	inst, err := s.svc.Stop(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(inst)
}

func (s *Server) Destroy(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := requireID(in); err != nil {
		return nil, err
	}
	if err := s.svc.Destroy(ctx, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Refresh(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := requireID(in); err != nil {
		return nil, err
	}
	d, err := s.svc.Refresh(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(d)
}

func (s *Server) Orphans(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	orphans, err := s.svc.Orphans(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toList(orphans)
}

// LoggingInterceptor logs every call with its code and duration.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("took", time.Since(started)),
		}
		if err != nil && code == codes.Internal {
			logger.Error("call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Info("call", fields...)
		}
		return resp, err
	}
}
