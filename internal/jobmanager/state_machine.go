package jobmanager

// ============================================================================
// 任務狀態機
// 職責：定義最佳化任務合法的生命週期轉換
//
//   Queued (已排隊)
//      ├─→ Running (執行中)
//      │      ├─→ Completed (完成)
//      │      ├─→ Failed (失敗)
//      │      └─→ Cancelled (已取消)
//      └─→ Cancelled (已取消)
//
// 三個終止狀態沒有任何出口。
// ============================================================================

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/schedopt/pkg/types"
)

// ErrInvalidTransition 非法狀態轉換
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError 帶有來源與目標狀態的非法轉換錯誤
type TransitionError struct {
	From types.JobStatus
	To   types.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// transitions 合法轉換表
var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusQueued:    {types.StatusRunning, types.StatusCancelled},
	types.StatusRunning:   {types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
	types.StatusCompleted: {},
	types.StatusFailed:    {},
	types.StatusCancelled: {},
}

// CanTransition 純函式：檢查 from → to 是否合法
func CanTransition(from, to types.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine 單一任務的狀態機，每個任務一個實例
type StateMachine struct {
	mu     sync.Mutex
	status types.JobStatus
}

// NewStateMachine 建立初始狀態為 queued 的狀態機
func NewStateMachine() *StateMachine {
	return &StateMachine{status: types.StatusQueued}
}

// Status 取得目前狀態
func (m *StateMachine) Status() types.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CanTransitionTo 檢查從目前狀態能否轉換到 to，不改變狀態
func (m *StateMachine) CanTransitionTo(to types.JobStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CanTransition(m.status, to)
}

// Transition 轉換到 to；非法時回傳 *TransitionError 且狀態不變
func (m *StateMachine) Transition(to types.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.status, to) {
		return &TransitionError{From: m.status, To: to}
	}
	m.status = to
	return nil
}
