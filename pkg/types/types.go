// Package types 定義了 schedopt 系統中使用的核心領域模型
package types

import (
	"time"
)

// ResourceID 資源（設備）唯一識別碼
type ResourceID = string

// OperationID 工序唯一識別碼
type OperationID = string

// OperationStatus 工序排程狀態
type OperationStatus string

// 定義工序狀態常數
const (
	OperationScheduled   OperationStatus = "scheduled"   // 已排程：具有開始與結束時間
	OperationUnscheduled OperationStatus = "unscheduled" // 未排程：沒有可用資源可以放置
)

// ConstraintCriticalPath 關鍵路徑標記，由 CPM 演算法附加到工序上
const ConstraintCriticalPath = "CRITICAL_PATH"

// Constraint 附加在工序上的限制或標記
type Constraint struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value,omitempty"`
}

// Operation 工序，代表一段需要在某個資源上執行的工作
//
// Duration 與 SetupTime 的單位都是小時。
// ManuallyScheduled 為 true 時，StartTime/EndTime 由使用者固定，演算法不會移動它，
// 但它仍然佔用資源時間。
type Operation struct {
	ID                OperationID     `json:"id"`
	Name              string          `json:"name,omitempty"`
	JobID             string          `json:"jobId,omitempty"`
	Duration          float64         `json:"duration"`
	SetupTime         float64         `json:"setupTime,omitempty"`
	ResourceID        ResourceID      `json:"resourceId,omitempty"`
	ResourceType      string          `json:"resourceType,omitempty"` // 明確指定的資源類型，為空時使用分類器推斷
	ManuallyScheduled bool            `json:"manuallyScheduled,omitempty"`
	StartTime         *time.Time      `json:"startTime,omitempty"`
	EndTime           *time.Time      `json:"endTime,omitempty"`
	Constraints       []Constraint    `json:"constraints,omitempty"`
	Status            OperationStatus `json:"status,omitempty"`
}

// TotalHours 工序佔用資源的總時數（加工 + 換線）
func (o *Operation) TotalHours() float64 {
	return o.Duration + o.SetupTime
}

// HasConstraint 檢查工序是否帶有指定類型的限制
func (o *Operation) HasConstraint(kind string) bool {
	for _, c := range o.Constraints {
		if c.Type == kind {
			return true
		}
	}
	return false
}

// Resource 資源（設備），例如糖化鍋、發酵罐或包裝線
type Resource struct {
	ID       ResourceID `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type,omitempty"` // 明確指定的語意類型，為空時使用分類器推斷
	Capacity float64    `json:"capacity,omitempty"`
}

// Dependency 工序之間的先後關係，Lag 單位為小時
type Dependency struct {
	ID              string      `json:"id,omitempty"`
	FromOperationID OperationID `json:"fromOperationId"`
	ToOperationID   OperationID `json:"toOperationId"`
	Lag             float64     `json:"lag,omitempty"`
}

// Metadata 排程的附加資訊與規劃期間
type Metadata struct {
	ScheduleID   string     `json:"scheduleId,omitempty"`
	PlantID      string     `json:"plantId,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	HorizonStart *time.Time `json:"horizonStart,omitempty"`
	HorizonEnd   *time.Time `json:"horizonEnd,omitempty"`
}

// ScheduleData 演算法的輸入與輸出：一份完整的排程快照
type ScheduleData struct {
	Resources    []Resource             `json:"resources"`
	Operations   []Operation            `json:"operations"`
	Dependencies []Dependency           `json:"dependencies"`
	Constraints  map[string]interface{} `json:"constraints,omitempty"`
	Metadata     Metadata               `json:"metadata"`
	Version      string                 `json:"version,omitempty"` // 基準版本 ID
}

// Clone 深拷貝排程資料，演算法與版本庫都不得共享可變狀態
func (s *ScheduleData) Clone() *ScheduleData {
	if s == nil {
		return nil
	}
	out := &ScheduleData{
		Resources:    append([]Resource(nil), s.Resources...),
		Dependencies: append([]Dependency(nil), s.Dependencies...),
		Metadata:     s.Metadata,
		Version:      s.Version,
	}
	out.Metadata.HorizonStart = cloneTime(s.Metadata.HorizonStart)
	out.Metadata.HorizonEnd = cloneTime(s.Metadata.HorizonEnd)

	if s.Operations != nil {
		out.Operations = make([]Operation, len(s.Operations))
		for i, op := range s.Operations {
			op.StartTime = cloneTime(op.StartTime)
			op.EndTime = cloneTime(op.EndTime)
			op.Constraints = append([]Constraint(nil), op.Constraints...)
			out.Operations[i] = op
		}
	}
	if s.Constraints != nil {
		out.Constraints = make(map[string]interface{}, len(s.Constraints))
		for k, v := range s.Constraints {
			out.Constraints[k] = v
		}
	}
	return out
}

// Operation 依 ID 查找工序，找不到回傳 nil
func (s *ScheduleData) Operation(id OperationID) *Operation {
	for i := range s.Operations {
		if s.Operations[i].ID == id {
			return &s.Operations[i]
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr 回傳時間的指標，方便建構測試資料與 DTO
func TimePtr(t time.Time) *time.Time {
	return &t
}
