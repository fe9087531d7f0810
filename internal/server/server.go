package server

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

var log = slog.Default()

// Request payloads. Field names follow the JSON form used everywhere else.

type runRequest struct {
	RunID string `json:"runId"`
}

type importRequest struct {
	ScheduleID   string              `json:"scheduleId"`
	ScheduleData *types.ScheduleData `json:"scheduleData"`
	Actor        string              `json:"actor"`
	Comment      string              `json:"comment"`
}

type versionRequest struct {
	ScheduleID string `json:"scheduleId"`
	VersionID  string `json:"versionId"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type compareRequest struct {
	FromVersionID string `json:"fromVersionId"`
	ToVersionID   string `json:"toVersionId"`
}

type concurrencyRequest struct {
	ScheduleID      string `json:"scheduleId"`
	ExpectedVersion int    `json:"expectedVersion"`
}

type historyRequest struct {
	ScheduleID string `json:"scheduleId"`
	Limit      int    `json:"limit"`
}

type lockRequest struct {
	LockID string `json:"lockId"`
}

// Server implements OptimizationServiceServer on top of optimizer.Service.
type Server struct {
	svc *optimizer.Service
}

var _ OptimizationServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(svc *optimizer.Service) *Server {
	return &Server{svc: svc}
}

// SubmitJob queues an optimization. Rejections are reported in the response
// body, not as a gRPC error.
func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.OptimizationRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	resp := s.svc.SubmitJob(ctx, &req)
	log.Debug("gRPC submit", "runID", resp.RunID, "status", resp.Status)
	return encode(resp)
}

// GetJobStatus returns the current response snapshot for a run.
func (s *Server) GetJobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req runRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	resp := s.svc.GetJobStatus(req.RunID)
	if resp == nil {
		return nil, toStatus(optimizer.ErrJobNotFound)
	}
	return encode(resp)
}

// CancelJob cancels a queued or running job.
func (s *Server) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req runRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	return encode(map[string]any{"runId": req.RunID, "cancelled": s.svc.CancelJob(req.RunID)})
}

// ListAlgorithms returns the registered algorithm descriptors.
func (s *Server) ListAlgorithms(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"algorithms": s.svc.Registry().List()})
}

func (s *Server) ImportSchedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req importRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	v, err := s.svc.ImportSchedule(ctx, req.ScheduleID, req.ScheduleData, req.Actor, req.Comment)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(v)
}

func (s *Server) ApplyResults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req versionRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	v, err := s.svc.ApplyResults(ctx, req.ScheduleID, req.VersionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(v)
}

func (s *Server) RollbackToVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req versionRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	v, err := s.svc.RollbackToVersion(ctx, req.ScheduleID, req.VersionID, req.Actor, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(v)
}

func (s *Server) CompareVersions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req compareRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	cmp, err := s.svc.CompareVersions(ctx, req.FromVersionID, req.ToVersionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(cmp)
}

func (s *Server) CheckConcurrency(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req concurrencyRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	check, err := s.svc.CheckConcurrency(ctx, req.ScheduleID, req.ExpectedVersion)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(check)
}

func (s *Server) VersionHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historyRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	history, err := s.svc.VersionHistory(ctx, req.ScheduleID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"versions": history})
}

func (s *Server) GetVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req versionRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	v, err := s.svc.GetVersion(ctx, req.VersionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(v)
}

func (s *Server) RollbackHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historyRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	records, err := s.svc.RollbackHistory(ctx, req.ScheduleID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"rollbacks": records})
}

// AcquireLock takes the JSON form of types.ScheduleLock. A zero expiresAt
// uses the default lock TTL.
func (s *Server) AcquireLock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.ScheduleLock
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	lock, err := s.svc.AcquireLock(ctx, &req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(lock)
}

func (s *Server) ReleaseLock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req lockRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	if err := s.svc.ReleaseLock(ctx, req.LockID); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"released": true})
}

func (s *Server) ActiveLocks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historyRequest
	if err := decode(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	locks, err := s.svc.ActiveLocks(ctx, req.ScheduleID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"locks": locks})
}

// StreamProgress sends every progress event of a run until its terminal
// event. A run that already finished gets a single event built from its
// final status.
func (s *Server) StreamProgress(in *structpb.Struct, stream ProgressStream) error {
	var req runRequest
	if err := decode(in, &req); err != nil {
		return invalidArgument(err)
	}
	ctx := stream.Context()

	events := make(chan progress.Event, 16)
	sub, err := s.svc.SubscribeToProgress(req.RunID, func(e progress.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	})
	if errors.Is(err, progress.ErrTopicClosed) {
		return s.sendFinal(stream, req.RunID)
	}
	if err != nil {
		return toStatus(err)
	}
	defer s.svc.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case e := <-events:
			if err := sendEvent(stream, e); err != nil {
				return err
			}
			if e.Terminal() {
				return nil
			}
		case <-sub.Done():
			// delivery finished; everything it produced is already buffered
			for {
				select {
				case e := <-events:
					if err := sendEvent(stream, e); err != nil {
						return err
					}
					if e.Terminal() {
						return nil
					}
				default:
					return s.sendFinal(stream, req.RunID)
				}
			}
		}
	}
}

func (s *Server) sendFinal(stream ProgressStream, runID string) error {
	resp := s.svc.GetJobStatus(runID)
	if resp == nil {
		return toStatus(optimizer.ErrJobNotFound)
	}
	return sendEvent(stream, progress.Event{
		RunID:      resp.RunID,
		Type:       eventTypeOf(resp.Status),
		Percentage: resp.Progress.Percentage,
		Step:       resp.Progress.CurrentStep,
		Result:     resp.Result,
		Error:      resp.Error,
	})
}

func sendEvent(stream ProgressStream, e progress.Event) error {
	msg, err := encode(e)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

func eventTypeOf(st types.JobStatus) progress.EventType {
	switch st {
	case types.StatusCompleted:
		return progress.EventCompleted
	case types.StatusFailed:
		return progress.EventFailed
	case types.StatusCancelled:
		return progress.EventCancelled
	default:
		return progress.EventProgress
	}
}
