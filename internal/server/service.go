package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "schedopt.v1.OptimizationService"

// Full method names.
const (
	MethodSubmitJob         = "/" + ServiceName + "/SubmitJob"
	MethodGetJobStatus      = "/" + ServiceName + "/GetJobStatus"
	MethodCancelJob         = "/" + ServiceName + "/CancelJob"
	MethodListAlgorithms    = "/" + ServiceName + "/ListAlgorithms"
	MethodImportSchedule    = "/" + ServiceName + "/ImportSchedule"
	MethodApplyResults      = "/" + ServiceName + "/ApplyResults"
	MethodRollbackToVersion = "/" + ServiceName + "/RollbackToVersion"
	MethodCompareVersions   = "/" + ServiceName + "/CompareVersions"
	MethodCheckConcurrency  = "/" + ServiceName + "/CheckConcurrency"
	MethodVersionHistory    = "/" + ServiceName + "/VersionHistory"
	MethodGetVersion        = "/" + ServiceName + "/GetVersion"
	MethodRollbackHistory   = "/" + ServiceName + "/RollbackHistory"
	MethodAcquireLock       = "/" + ServiceName + "/AcquireLock"
	MethodReleaseLock       = "/" + ServiceName + "/ReleaseLock"
	MethodActiveLocks       = "/" + ServiceName + "/ActiveLocks"
	MethodStreamProgress    = "/" + ServiceName + "/StreamProgress"
)

// OptimizationServiceServer is the server API. Every message is a
// google.protobuf.Struct carrying the JSON form of the domain types.
type OptimizationServiceServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAlgorithms(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ImportSchedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyResults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RollbackToVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompareVersions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckConcurrency(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VersionHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RollbackHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcquireLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActiveLocks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamProgress(*structpb.Struct, ProgressStream) error
}

// ProgressStream is the server side of StreamProgress.
type ProgressStream = grpc.ServerStreamingServer[structpb.Struct]

type unaryCall func(OptimizationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name, fullMethod string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(OptimizationServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(impl, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func streamProgressHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OptimizationServiceServer).StreamProgress(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes OptimizationService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OptimizationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitJob", MethodSubmitJob, OptimizationServiceServer.SubmitJob),
		unary("GetJobStatus", MethodGetJobStatus, OptimizationServiceServer.GetJobStatus),
		unary("CancelJob", MethodCancelJob, OptimizationServiceServer.CancelJob),
		unary("ListAlgorithms", MethodListAlgorithms, OptimizationServiceServer.ListAlgorithms),
		unary("ImportSchedule", MethodImportSchedule, OptimizationServiceServer.ImportSchedule),
		unary("ApplyResults", MethodApplyResults, OptimizationServiceServer.ApplyResults),
		unary("RollbackToVersion", MethodRollbackToVersion, OptimizationServiceServer.RollbackToVersion),
		unary("CompareVersions", MethodCompareVersions, OptimizationServiceServer.CompareVersions),
		unary("CheckConcurrency", MethodCheckConcurrency, OptimizationServiceServer.CheckConcurrency),
		unary("VersionHistory", MethodVersionHistory, OptimizationServiceServer.VersionHistory),
		unary("GetVersion", MethodGetVersion, OptimizationServiceServer.GetVersion),
		unary("RollbackHistory", MethodRollbackHistory, OptimizationServiceServer.RollbackHistory),
		unary("AcquireLock", MethodAcquireLock, OptimizationServiceServer.AcquireLock),
		unary("ReleaseLock", MethodReleaseLock, OptimizationServiceServer.ReleaseLock),
		unary("ActiveLocks", MethodActiveLocks, OptimizationServiceServer.ActiveLocks),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamProgress",
			Handler:       streamProgressHandler,
			ServerStreams: true,
		},
	},
	Metadata: "schedopt/v1/optimization.proto",
}

// Register attaches srv to gs.
func Register(gs grpc.ServiceRegistrar, srv OptimizationServiceServer) {
	gs.RegisterService(&ServiceDesc, srv)
}
