package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      string                          // 任務唯一識別碼（最佳化 run ID）
	Timeout time.Duration                   // 執行超時時間，0 表示不限制
	Run     func(ctx context.Context) error // 任務本體，必須遵守 ctx 取消
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
	WorkerID int           // 執行此任務的 Worker
}
