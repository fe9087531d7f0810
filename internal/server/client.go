package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

// Client is a typed OptimizationService client.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection if the client created it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := encode(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fromStatus(err)
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

// SubmitJob queues req. A rejected submission is a response with an Error,
// not a Go error.
func (c *Client) SubmitJob(ctx context.Context, req *types.OptimizationRequest) (*types.OptimizationResponse, error) {
	var resp types.OptimizationResponse
	if err := c.call(ctx, MethodSubmitJob, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetJobStatus(ctx context.Context, runID string) (*types.OptimizationResponse, error) {
	var resp types.OptimizationResponse
	if err := c.call(ctx, MethodGetJobStatus, runRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CancelJob(ctx context.Context, runID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.call(ctx, MethodCancelJob, runRequest{RunID: runID}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) ListAlgorithms(ctx context.Context) ([]registry.Descriptor, error) {
	var resp struct {
		Algorithms []registry.Descriptor `json:"algorithms"`
	}
	if err := c.call(ctx, MethodListAlgorithms, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Algorithms, nil
}

func (c *Client) ImportSchedule(ctx context.Context, scheduleID string, data *types.ScheduleData, actor, comment string) (*types.ScheduleVersion, error) {
	var v types.ScheduleVersion
	req := importRequest{ScheduleID: scheduleID, ScheduleData: data, Actor: actor, Comment: comment}
	if err := c.call(ctx, MethodImportSchedule, req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) ApplyResults(ctx context.Context, scheduleID, versionID string) (*types.ScheduleVersion, error) {
	var v types.ScheduleVersion
	if err := c.call(ctx, MethodApplyResults, versionRequest{ScheduleID: scheduleID, VersionID: versionID}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) RollbackToVersion(ctx context.Context, scheduleID, versionID, actor, reason string) (*types.ScheduleVersion, error) {
	var v types.ScheduleVersion
	req := versionRequest{ScheduleID: scheduleID, VersionID: versionID, Actor: actor, Reason: reason}
	if err := c.call(ctx, MethodRollbackToVersion, req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) CompareVersions(ctx context.Context, fromID, toID string) (*versionstore.Comparison, error) {
	var cmp versionstore.Comparison
	if err := c.call(ctx, MethodCompareVersions, compareRequest{FromVersionID: fromID, ToVersionID: toID}, &cmp); err != nil {
		return nil, err
	}
	return &cmp, nil
}

func (c *Client) CheckConcurrency(ctx context.Context, scheduleID string, expected int) (versionstore.ConcurrencyCheck, error) {
	var check versionstore.ConcurrencyCheck
	err := c.call(ctx, MethodCheckConcurrency, concurrencyRequest{ScheduleID: scheduleID, ExpectedVersion: expected}, &check)
	return check, err
}

func (c *Client) VersionHistory(ctx context.Context, scheduleID string, limit int) ([]*types.ScheduleVersion, error) {
	var resp struct {
		Versions []*types.ScheduleVersion `json:"versions"`
	}
	if err := c.call(ctx, MethodVersionHistory, historyRequest{ScheduleID: scheduleID, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

func (c *Client) GetVersion(ctx context.Context, versionID string) (*types.ScheduleVersion, error) {
	var v types.ScheduleVersion
	if err := c.call(ctx, MethodGetVersion, versionRequest{VersionID: versionID}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) RollbackHistory(ctx context.Context, scheduleID string) ([]*types.VersionRollback, error) {
	var resp struct {
		Rollbacks []*types.VersionRollback `json:"rollbacks"`
	}
	if err := c.call(ctx, MethodRollbackHistory, historyRequest{ScheduleID: scheduleID}, &resp); err != nil {
		return nil, err
	}
	return resp.Rollbacks, nil
}

// AcquireLock returns an OptimizationError with LOCK_CONFLICT when an
// incompatible lock is held.
func (c *Client) AcquireLock(ctx context.Context, lock *types.ScheduleLock) (*types.ScheduleLock, error) {
	var out types.ScheduleLock
	if err := c.call(ctx, MethodAcquireLock, lock, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReleaseLock(ctx context.Context, lockID string) error {
	return c.call(ctx, MethodReleaseLock, lockRequest{LockID: lockID}, nil)
}

func (c *Client) ActiveLocks(ctx context.Context, scheduleID string) ([]*types.ScheduleLock, error) {
	var resp struct {
		Locks []*types.ScheduleLock `json:"locks"`
	}
	if err := c.call(ctx, MethodActiveLocks, historyRequest{ScheduleID: scheduleID}, &resp); err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

// StreamProgress calls fn for every event of runID until the terminal event,
// which is also returned.
func (c *Client) StreamProgress(ctx context.Context, runID string, fn func(progress.Event)) (*progress.Event, error) {
	req, err := encode(runRequest{RunID: runID})
	if err != nil {
		return nil, err
	}
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], MethodStreamProgress)
	if err != nil {
		return nil, fromStatus(err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(req); err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("progress stream for %s ended without a terminal event", runID)
		}
		if err != nil {
			return nil, fromStatus(err)
		}
		var e progress.Event
		if err := decode(msg, &e); err != nil {
			return nil, err
		}
		if fn != nil {
			fn(e)
		}
		if e.Terminal() {
			return &e, nil
		}
	}
}
