package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// encode converts a JSON-tagged value into a Struct.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// decode fills v from the JSON form of s. A nil Struct decodes as {}.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// grpcCode maps an OptimizationError code to a gRPC status code.
func grpcCode(code types.ErrorCode) codes.Code {
	switch code {
	case types.CodeAlgorithmNotFound, types.CodeJobNotFound, types.CodeVersionNotFound, types.CodeLockNotFound:
		return codes.NotFound
	case types.CodeLockConflict:
		return codes.Aborted
	case types.CodeInvalidSchedule:
		return codes.InvalidArgument
	case types.CodeCancelledByUser:
		return codes.Canceled
	case types.CodeTimeLimitExceeded:
		return codes.DeadlineExceeded
	case types.CodeStorageFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts err into a gRPC status error. OptimizationErrors travel
// as a Struct detail so the client can rebuild them.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	oe := types.AsOptimizationError(err, types.CodeExecutionFailed)
	st := status.New(grpcCode(oe.Code), oe.Message)
	detail, derr := encode(oe)
	if derr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		st = withDetail
	}
	return st.Err()
}

// fromStatus recovers the OptimizationError carried by a status error.
// Errors without one are returned unchanged.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		var oe types.OptimizationError
		if decode(s, &oe) == nil && oe.Code != "" {
			return &oe
		}
	}
	return err
}

func invalidArgument(err error) error {
	return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
}
