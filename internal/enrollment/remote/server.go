package remote

import (
	"context"

	"entitlements.org/internal/enrollment"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes an enrollment.Service over the same wire contract the
// client speaks. Used by the local stub binary and the adapter tests.
type Server struct {
	svc enrollment.Service
}

type enrollmentServer interface {
	enroll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	unenroll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	isEnrolled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var _ enrollmentServer = (*Server)(nil)

func NewServer(svc enrollment.Service) *Server { return &Server{svc: svc} }

// Register attaches the service to a gRPC server.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&serviceDesc, s)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*enrollmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enroll", Handler: unaryHandler("Enroll", enrollmentServer.enroll)},
		{MethodName: "Unenroll", Handler: unaryHandler("Unenroll", enrollmentServer.unenroll)},
		{MethodName: "IsEnrolled", Handler: unaryHandler("IsEnrolled", enrollmentServer.isEnrolled)},
	},
	Streams: []grpc.StreamDesc{},
}

func unaryHandler(method string, call func(enrollmentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(enrollmentServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(*structpb.Struct))
		})
	}
}

func (s *Server) enroll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	enr, err := s.svc.Enroll(ctx, f["user"].GetStringValue(), f["course_run_id"].GetStringValue(), f["mode"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(enr)
}

func (s *Server) unenroll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	err := s.svc.Unenroll(ctx, f["user"].GetStringValue(), f["course_run_id"].GetStringValue(), enrollment.UnenrollOptions{
		SkipRefund: f["skip_refund"].GetBoolValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) isEnrolled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	ok, err := s.svc.IsEnrolled(ctx, f["user"].GetStringValue(), f["course_run_id"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"enrolled": ok})
}
