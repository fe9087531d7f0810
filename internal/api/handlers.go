package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

// Handler handles optimization and version requests
type Handler struct {
	svc *optimizer.Service
}

// NewHandler creates a new handler
func NewHandler(svc *optimizer.Service) *Handler {
	return &Handler{svc: svc}
}

// ImportRequest is the body of POST /api/schedules/{scheduleId}/versions
type ImportRequest struct {
	ScheduleData *types.ScheduleData `json:"scheduleData"`
	Actor        string              `json:"actor,omitempty"`
	Comment      string              `json:"comment,omitempty"`
}

// VersionRequest is the body of the apply and rollback endpoints
type VersionRequest struct {
	VersionID string `json:"versionId"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ListAlgorithms handles GET /api/algorithms
func (h *Handler) ListAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"algorithms": h.svc.Registry().List()})
}

// SubmitJob handles POST /api/optimize
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req types.OptimizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.WrapError(types.CodeInvalidSchedule, "Invalid request body", err))
		return
	}

	resp := h.svc.SubmitJob(r.Context(), &req)
	if resp.Error != nil {
		writeJSON(w, statusOf(resp.Error), resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetJobStatus handles GET /api/optimize/{runId}
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.GetJobStatus(mux.Vars(r)["runId"])
	if resp == nil {
		writeError(w, optimizer.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob handles DELETE /api/optimize/{runId}
//
// 404 for unknown runs, 409 when the run already finished.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	if h.svc.GetJobStatus(runID) == nil {
		writeError(w, optimizer.ErrJobNotFound)
		return
	}
	cancelled := h.svc.CancelJob(runID)
	status := http.StatusOK
	if !cancelled {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{"runId": runID, "cancelled": cancelled})
}

// StreamProgress handles GET /api/optimize/{runId}/events as Server-Sent Events
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	events := make(chan progress.Event, 16)
	sub, err := h.svc.SubscribeToProgress(runID, func(e progress.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	})
	if err != nil && !errors.Is(err, progress.ErrTopicClosed) {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if sub == nil {
		h.writeFinal(w, flusher, runID)
		return
	}
	defer h.svc.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			writeEvent(w, flusher, e)
			if e.Terminal() {
				return
			}
		case <-sub.Done():
			for {
				select {
				case e := <-events:
					writeEvent(w, flusher, e)
					if e.Terminal() {
						return
					}
				default:
					h.writeFinal(w, flusher, runID)
					return
				}
			}
		}
	}
}

func (h *Handler) writeFinal(w http.ResponseWriter, flusher http.Flusher, runID string) {
	resp := h.svc.GetJobStatus(runID)
	if resp == nil {
		return
	}
	e := progress.Event{
		RunID:      resp.RunID,
		Type:       progress.EventProgress,
		Percentage: resp.Progress.Percentage,
		Step:       resp.Progress.CurrentStep,
		Result:     resp.Result,
		Error:      resp.Error,
	}
	switch resp.Status {
	case types.StatusCompleted:
		e.Type = progress.EventCompleted
	case types.StatusFailed:
		e.Type = progress.EventFailed
	case types.StatusCancelled:
		e.Type = progress.EventCancelled
	}
	writeEvent(w, flusher, e)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, e progress.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error("Failed to encode progress event", "runID", e.RunID, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	flusher.Flush()
}

// ImportSchedule handles POST /api/schedules/{scheduleId}/versions
func (h *Handler) ImportSchedule(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.WrapError(types.CodeInvalidSchedule, "Invalid request body", err))
		return
	}
	v, err := h.svc.ImportSchedule(r.Context(), mux.Vars(r)["scheduleId"], req.ScheduleData, req.Actor, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// VersionHistory handles GET /api/schedules/{scheduleId}/versions?limit=N
func (h *Handler) VersionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	history, err := h.svc.VersionHistory(r.Context(), mux.Vars(r)["scheduleId"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": history})
}

// LatestVersion handles GET /api/schedules/{scheduleId}/versions/latest
func (h *Handler) LatestVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.LatestVersion(r.Context(), mux.Vars(r)["scheduleId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetVersion handles GET /api/versions/{versionId}
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetVersion(r.Context(), mux.Vars(r)["versionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ApplyResults handles POST /api/schedules/{scheduleId}/apply
func (h *Handler) ApplyResults(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	v, err := h.svc.ApplyResults(r.Context(), mux.Vars(r)["scheduleId"], req.VersionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// RollbackToVersion handles POST /api/schedules/{scheduleId}/rollback
func (h *Handler) RollbackToVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	v, err := h.svc.RollbackToVersion(r.Context(), mux.Vars(r)["scheduleId"], req.VersionID, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// CheckConcurrency handles GET /api/schedules/{scheduleId}/concurrency?expected=N
func (h *Handler) CheckConcurrency(w http.ResponseWriter, r *http.Request) {
	expected, err := strconv.Atoi(r.URL.Query().Get("expected"))
	if err != nil {
		http.Error(w, "Invalid expected version", http.StatusBadRequest)
		return
	}
	check, err := h.svc.CheckConcurrency(r.Context(), mux.Vars(r)["scheduleId"], expected)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !check.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, check)
}

// CompareVersions handles GET /api/versions/compare?from=A&to=B
func (h *Handler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}
	cmp, err := h.svc.CompareVersions(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// LockRequest is the body of POST /api/schedules/{scheduleId}/locks
type LockRequest struct {
	VersionID  string         `json:"versionId,omitempty"`
	LockType   types.LockType `json:"lockType"`
	LockedBy   string         `json:"lockedBy"`
	SessionID  string         `json:"sessionId,omitempty"`
	Purpose    string         `json:"purpose,omitempty"`
	TTLSeconds int            `json:"ttlSeconds,omitempty"` // 0 uses the default lock TTL
}

// AcquireLock handles POST /api/schedules/{scheduleId}/locks
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TTLSeconds < 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	lock := &types.ScheduleLock{
		ScheduleID: mux.Vars(r)["scheduleId"],
		VersionID:  req.VersionID,
		Type:       req.LockType,
		LockedBy:   req.LockedBy,
		SessionID:  req.SessionID,
		Purpose:    req.Purpose,
	}
	if req.TTLSeconds > 0 {
		lock.ExpiresAt = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}
	acquired, err := h.svc.AcquireLock(r.Context(), lock)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acquired)
}

// ActiveLocks handles GET /api/schedules/{scheduleId}/locks
func (h *Handler) ActiveLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.svc.ActiveLocks(r.Context(), mux.Vars(r)["scheduleId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": locks})
}

// ReleaseLock handles DELETE /api/locks/{lockId}
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ReleaseLock(r.Context(), mux.Vars(r)["lockId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RollbackHistory handles GET /api/schedules/{scheduleId}/rollbacks
func (h *Handler) RollbackHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.RollbackHistory(r.Context(), mux.Vars(r)["scheduleId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rollbacks": records})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	oe := types.AsOptimizationError(err, types.CodeExecutionFailed)
	writeJSON(w, statusOf(oe), map[string]interface{}{"error": oe})
}

func statusOf(oe *types.OptimizationError) int {
	switch oe.Code {
	case types.CodeAlgorithmNotFound, types.CodeInvalidSchedule:
		return http.StatusBadRequest
	case types.CodeJobNotFound, types.CodeVersionNotFound, types.CodeLockNotFound:
		return http.StatusNotFound
	case types.CodeLockConflict:
		return http.StatusConflict
	case types.CodeExecutionFailed:
		if oe.Recoverable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
