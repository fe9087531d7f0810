// ============================================================================
// 演算法註冊表
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 以演算法 ID 對應到實作工廠，並以統一方式執行演算法
//
// 設計理念:
//   1. 註冊表由呼叫端明確建立並注入，不使用全域單例
//   2. 每次執行都透過 Factory 建立新的演算法實例（演算法只持有單次呼叫的狀態）
//   3. 執行時量測耗時，並把所有錯誤（包含 panic）包裝成結構化錯誤
//
// 錯誤映射:
//   - 未知 ID            → ALGORITHM_NOT_FOUND
//   - context.Canceled    → CANCELLED_BY_USER
//   - DeadlineExceeded    → TIME_LIMIT_EXCEEDED
//   - 其他錯誤 / panic    → EXECUTION_FAILED（原始訊息放在 Details）
//
// 尚未實作的策略（resource leveling、bottleneck/TOC、drum-buffer-rope）
// 以 Implemented=false 登記，並透過 DelegatesTo 委派給 ASAP 或 CPM。
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateAlgorithm 演算法 ID 或別名重複
	ErrDuplicateAlgorithm = errors.New("algorithm already registered")
	// ErrInvalidDescriptor 描述缺少 ID 或工廠
	ErrInvalidDescriptor = errors.New("invalid algorithm descriptor")
)

// 內建演算法 ID
const (
	ForwardScheduling  = "forward-scheduling"
	BackwardScheduling = "backward-scheduling"
	CriticalPath       = "critical-path"
	ResourceLeveling   = "resource-leveling"
	BottleneckTOC      = "bottleneck-toc"
	DrumBufferRope     = "drum-buffer-rope"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Factory 建立新的演算法實例
type Factory func() algorithm.Algorithm

// Descriptor 演算法的中繼資料
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Aliases     []string `json:"aliases,omitempty"`
	Implemented bool     `json:"implemented"`           // false 表示目前是委派的佔位實作
	DelegatesTo string   `json:"delegatesTo,omitempty"` // 佔位實作實際使用的演算法
}

type entry struct {
	desc    Descriptor
	factory Factory
}

// Registry 演算法註冊表，可安全地並發讀取
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // ID → entry
	aliases map[string]string // 別名 → ID
	logger  *slog.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立空的註冊表
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = log
	}
	return &Registry{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
		logger:  logger.With("component", "registry"),
	}
}

// NewDefault 建立包含所有內建演算法的註冊表
//
// 參數：
//   - opts: 傳給每個演算法實例的選項（時鐘、logger）
func NewDefault(opts algorithm.Options) *Registry {
	r := New(opts.Logger)

	asap := func() algorithm.Algorithm { return algorithm.NewASAP(opts) }
	alap := func() algorithm.Algorithm { return algorithm.NewALAP(opts) }
	cpm := func() algorithm.Algorithm { return algorithm.NewCPM(opts) }

	builtins := []struct {
		desc    Descriptor
		factory Factory
	}{
		{Descriptor{
			ID: ForwardScheduling, Name: "Forward Scheduling (ASAP)", Category: "scheduling",
			Description: "Schedules every operation at its earliest feasible start",
			Aliases:     []string{"asap"}, Implemented: true,
		}, asap},
		{Descriptor{
			ID: BackwardScheduling, Name: "Backward Scheduling (ALAP)", Category: "scheduling",
			Description: "Schedules every operation as late as the horizon end allows",
			Aliases:     []string{"alap"}, Implemented: true,
		}, alap},
		{Descriptor{
			ID: CriticalPath, Name: "Critical Path Method", Category: "analysis",
			Description: "Finds the zero-slack chain of operations bounding the schedule",
			Aliases:     []string{"cpm"}, Implemented: true,
		}, cpm},
		{Descriptor{
			ID: ResourceLeveling, Name: "Resource Leveling", Category: "optimization",
			Description: "Smooths resource load; currently runs forward scheduling",
			DelegatesTo: ForwardScheduling,
		}, asap},
		{Descriptor{
			ID: BottleneckTOC, Name: "Bottleneck (Theory of Constraints)", Category: "optimization",
			Description: "Schedules around the bottleneck resource; currently runs critical path analysis",
			DelegatesTo: CriticalPath,
		}, cpm},
		{Descriptor{
			ID: DrumBufferRope, Name: "Drum-Buffer-Rope", Category: "optimization",
			Description: "Paces release to the constraint; currently runs forward scheduling",
			DelegatesTo: ForwardScheduling,
		}, asap},
	}

	for _, b := range builtins {
		if err := r.Register(b.desc, b.factory); err != nil {
			// 內建清單是固定的，重複只可能是程式錯誤
			panic(err)
		}
	}
	return r
}

// Register 登記一個演算法
//
// 錯誤處理：
//   - ErrInvalidDescriptor: 缺少 ID 或 factory
//   - ErrDuplicateAlgorithm: ID 或別名已被使用
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	if desc.ID == "" || factory == nil {
		return ErrInvalidDescriptor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string{desc.ID}, desc.Aliases...)
	for _, n := range names {
		if _, ok := r.entries[n]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAlgorithm, n)
		}
		if _, ok := r.aliases[n]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAlgorithm, n)
		}
	}

	r.entries[desc.ID] = &entry{desc: desc, factory: factory}
	for _, a := range desc.Aliases {
		r.aliases[a] = desc.ID
	}
	return nil
}

// Get 以 ID 或別名取得演算法描述
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.lookup(id)
	if e == nil {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Has 檢查 ID 或別名是否存在
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List 回傳所有演算法描述，依 ID 排序
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute 執行指定演算法
//
// 流程：
//  1. 查找演算法，不存在時回傳 ALGORITHM_NOT_FOUND
//  2. 透過 factory 建立新實例
//  3. 執行並量測耗時（panic 會被 recover）
//  4. 將錯誤包裝為 OptimizationError
//
// 返回值：
//   - *algorithm.Result: 成功時的結果，Elapsed 為執行耗時
//   - error: 一律為 *types.OptimizationError
func (r *Registry) Execute(ctx context.Context, id string, data *types.ScheduleData, progress algorithm.ProgressFunc) (res *algorithm.Result, err error) {
	r.mu.RLock()
	e := r.lookup(id)
	r.mu.RUnlock()
	if e == nil {
		return nil, types.NewError(types.CodeAlgorithmNotFound, fmt.Sprintf("Algorithm %s not found", id))
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if p := recover(); p != nil {
			res = nil
			err = types.WrapError(types.CodeExecutionFailed, "Algorithm execution failed", fmt.Errorf("panic: %v", p))
		}
		if err != nil {
			r.logger.Error("Algorithm execution failed", "algorithm", e.desc.ID, "elapsed", elapsed, "error", err)
			return
		}
		res.Elapsed = elapsed
		r.logger.Info("Algorithm executed", "algorithm", e.desc.ID, "elapsed", elapsed, "warnings", len(res.Warnings))
	}()

	if !e.desc.Implemented {
		r.logger.Warn("Algorithm is a placeholder", "algorithm", e.desc.ID, "delegatesTo", e.desc.DelegatesTo)
	}

	res, err = e.factory().Execute(ctx, data, progress)
	if err != nil {
		return nil, wrapExecutionError(err)
	}
	if res == nil {
		return nil, types.NewError(types.CodeExecutionFailed, "Algorithm returned no result")
	}
	return res, nil
}

func (r *Registry) lookup(id string) *entry {
	if e, ok := r.entries[id]; ok {
		return e
	}
	if canonical, ok := r.aliases[id]; ok {
		return r.entries[canonical]
	}
	return nil
}

func wrapExecutionError(err error) error {
	var oe *types.OptimizationError
	switch {
	case errors.As(err, &oe):
		return oe
	case errors.Is(err, context.Canceled):
		return types.NewError(types.CodeCancelledByUser, "Job cancelled by user")
	case errors.Is(err, context.DeadlineExceeded):
		return &types.OptimizationError{Code: types.CodeTimeLimitExceeded, Message: "Time limit exceeded", Recoverable: true}
	case errors.Is(err, algorithm.ErrNilSchedule):
		return types.WrapError(types.CodeInvalidSchedule, "Invalid schedule data", err)
	default:
		return types.WrapError(types.CodeExecutionFailed, "Algorithm execution failed", err)
	}
}
