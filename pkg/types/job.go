package types

import (
	"time"
)

// JobStatus 最佳化任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued    JobStatus = "queued"    // 已排隊：任務已建立但尚未開始執行
	StatusRunning   JobStatus = "running"   // 執行中：演算法正在計算
	StatusCompleted JobStatus = "completed" // 完成：結果已寫入版本庫
	StatusFailed    JobStatus = "failed"    // 失敗：驗證、演算法或儲存錯誤
	StatusCancelled JobStatus = "cancelled" // 已取消：使用者中止
)

// IsTerminal 終止狀態之後任務不得再有任何變更
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepDescription 每個狀態對外顯示的步驟描述
func (s JobStatus) StepDescription() string {
	switch s {
	case StatusQueued:
		return "Job queued for processing"
	case StatusRunning:
		return "Optimization in progress"
	case StatusCompleted:
		return "Optimization complete"
	case StatusFailed:
		return "Optimization failed"
	case StatusCancelled:
		return "Job cancelled"
	default:
		return "Unknown status"
	}
}

// Metrics 排程品質指標
type Metrics struct {
	Makespan              float64 `json:"makespan"`              // 小時
	ResourceUtilization   float64 `json:"resourceUtilization"`   // 百分比
	TotalSetupTime        float64 `json:"totalSetupTime"`        // 小時
	TotalChangeovers      int     `json:"totalChangeovers"`      // 換線次數
	ConstraintViolations  int     `json:"constraintViolations"`  // 違反先後關係或資源重疊的數量
	ImprovementPercentage float64 `json:"improvementPercentage"` // 相對於輸入排程的 makespan 改善
	ObjectiveValue        float64 `json:"objectiveValue"`
	ComputationTime       float64 `json:"computationTime"` // 秒
}

// OptimizationParameters 最佳化參數
type OptimizationParameters struct {
	TimeLimit  int                `json:"timeLimit,omitempty"` // 秒，0 表示不限制
	Objectives map[string]float64 `json:"objectives,omitempty"`
}

// OptimizationRequest 提交最佳化任務的請求
type OptimizationRequest struct {
	AlgorithmID  string                 `json:"algorithmId"`
	ProfileID    string                 `json:"profileId,omitempty"`
	ScheduleData *ScheduleData          `json:"scheduleData"`
	Parameters   OptimizationParameters `json:"parameters,omitempty"`
	Locks        []OperationID          `json:"locks,omitempty"`
}

// Progress 任務進度
type Progress struct {
	Percentage  int    `json:"percentage"`
	CurrentStep string `json:"currentStep"`
}

// OptimizationResult 任務完成後的結果摘要
type OptimizationResult struct {
	VersionID     string        `json:"versionId"`
	ChangedEvents []OperationID `json:"changedEvents"`
	Metrics       *Metrics      `json:"metrics,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// OptimizationResponse 提交與查詢任務的回應
type OptimizationResponse struct {
	RunID     string              `json:"runId"`
	Status    JobStatus           `json:"status"`
	Progress  Progress            `json:"progress"`
	InputHash string              `json:"inputHash,omitempty"`
	Result    *OptimizationResult `json:"result,omitempty"`
	Error     *OptimizationError  `json:"error,omitempty"`
}

// OptimizationJob 最佳化任務記錄
//
// 任務進入終止狀態（completed/failed/cancelled）後不得再修改任何欄位。
type OptimizationJob struct {
	ID                 string             `json:"id"`
	ScheduleID         string             `json:"scheduleId"`
	AlgorithmID        string             `json:"algorithmId"`
	ProfileID          string             `json:"profileId,omitempty"`
	Status             JobStatus          `json:"status"`
	ProgressPercentage int                `json:"progressPercentage"`
	CurrentStep        string             `json:"currentStep"`
	InputHash          string             `json:"inputHash"`
	LockSet            []OperationID      `json:"lockSet,omitempty"`
	BaseVersionID      string             `json:"baseVersionId,omitempty"`
	ResultVersionID    string             `json:"resultVersionId,omitempty"`
	Metrics            *Metrics           `json:"metrics,omitempty"`
	ChangedEvents      []OperationID      `json:"changedEvents,omitempty"`
	Warnings           []string           `json:"warnings,omitempty"`
	Error              *OptimizationError `json:"error,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	StartedAt          *time.Time         `json:"startedAt,omitempty"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
}

// Clone 回傳任務記錄的副本，外部呼叫者永遠拿不到內部指標
func (j *OptimizationJob) Clone() *OptimizationJob {
	if j == nil {
		return nil
	}
	out := *j
	out.LockSet = append([]OperationID(nil), j.LockSet...)
	out.ChangedEvents = append([]OperationID(nil), j.ChangedEvents...)
	out.Warnings = append([]string(nil), j.Warnings...)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Metrics != nil {
		m := *j.Metrics
		out.Metrics = &m
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

// VersionSource 版本的來源
type VersionSource string

const (
	SourceManual       VersionSource = "manual"
	SourceOptimization VersionSource = "optimization"
	SourceImport       VersionSource = "import"
)

// ScheduleVersion 不可變的排程版本，透過 ParentVersionID 串成歷史
type ScheduleVersion struct {
	ID              string        `json:"id"`
	ScheduleID      string        `json:"scheduleId"`
	VersionNumber   int           `json:"versionNumber"`
	ParentVersionID string        `json:"parentVersionId,omitempty"`
	Data            *ScheduleData `json:"data"`
	Checksum        string        `json:"checksum"`
	CreatedAt       time.Time     `json:"createdAt"`
	CreatedBy       string        `json:"createdBy,omitempty"`
	Source          VersionSource `json:"source"`
	Comment         string        `json:"comment,omitempty"`
	Tag             string        `json:"tag,omitempty"`
	Metrics         *Metrics      `json:"metrics,omitempty"`
}

// Clone 深拷貝版本
func (v *ScheduleVersion) Clone() *ScheduleVersion {
	if v == nil {
		return nil
	}
	out := *v
	out.Data = v.Data.Clone()
	if v.Metrics != nil {
		m := *v.Metrics
		out.Metrics = &m
	}
	return &out
}

// LockType 排程鎖類型
//
// 相容規則：read 與 read、read 與 write 可以共存；write 與 write 互斥；
// exclusive 與任何鎖互斥。
type LockType string

const (
	LockRead      LockType = "read"
	LockWrite     LockType = "write"
	LockExclusive LockType = "exclusive"
)

// Valid 是否為已知的鎖類型
func (t LockType) Valid() bool {
	switch t {
	case LockRead, LockWrite, LockExclusive:
		return true
	}
	return false
}

// ConflictsWith 已持有 held 時能否再取得 t
func (t LockType) ConflictsWith(held LockType) bool {
	if t == LockExclusive || held == LockExclusive {
		return true
	}
	return t == LockWrite && held == LockWrite
}

// ScheduleLock 排程上的限時鎖；過期後視同已釋放
type ScheduleLock struct {
	ID              string    `json:"id"`
	ScheduleID      string    `json:"scheduleId"`
	VersionID       string    `json:"versionId,omitempty"`
	Type            LockType  `json:"lockType"`
	LockedBy        string    `json:"lockedBy"`
	SessionID       string    `json:"sessionId,omitempty"`
	Purpose         string    `json:"purpose,omitempty"`
	ExpectedVersion int       `json:"expectedVersion"` // 取得鎖時的最新版本號
	AcquiredAt      time.Time `json:"acquiredAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Expired 在 now 時是否已過期
func (l *ScheduleLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Clone 複製鎖
func (l *ScheduleLock) Clone() *ScheduleLock {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}

// RollbackFull 目前唯一的回滾方式：整份排程資料回到目標版本
const RollbackFull = "full"

// VersionRollback 回滾稽核記錄
type VersionRollback struct {
	ID              string    `json:"id"`
	ScheduleID      string    `json:"scheduleId"`
	FromVersionID   string    `json:"fromVersionId"`   // 回滾前的最新版本
	ToVersionID     string    `json:"toVersionId"`     // 回滾目標
	ResultVersionID string    `json:"resultVersionId"` // 回滾產生的新版本
	Reason          string    `json:"reason,omitempty"`
	Type            string    `json:"rollbackType"`
	PerformedBy     string    `json:"performedBy"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Clone 複製回滾記錄
func (r *VersionRollback) Clone() *VersionRollback {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
