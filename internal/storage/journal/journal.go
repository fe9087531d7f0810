package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 以 JSON Lines 追加最佳化任務的生命週期事件（append-only）
// 2. 每筆事件帶 CRC32 校驗和，涵蓋事件的所有欄位
// 3. 提供重放與驗證功能（CLI `schedopt journal`）
// 4. 重新開啟時接續序號；崩潰留下的半行紀錄會被截掉
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default()

// Journal 表示一個 append-only 事件日誌
type Journal struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // 日誌檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // 日誌檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	now          func() time.Time
}

// Summary 驗證結果
type Summary struct {
	Events  int    `json:"events"`
	LastSeq uint64 `json:"last_seq"`
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟日誌檔
//
// 行為：
//   - 如果檔案不存在，建立新檔案，seq 從 0 開始
//   - 如果檔案已存在，掃描全部事件取得最後的 seq 並繼續
//   - 最後一行不完整（寫到一半崩潰）時截斷該行；其他損壞直接回傳錯誤
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	res, err := scan(file, nil, false)
	if err != nil {
		var ce *CorruptionError
		if !errors.As(err, &ce) || !ce.partial {
			file.Close()
			return nil, err
		}
		log.Warn("Truncating partial journal record", "path", path, "line", ce.Line)
		if err := file.Truncate(res.goodBytes); err != nil {
			file.Close()
			return nil, fmt.Errorf("journal: truncate partial record: %w", err)
		}
	} else if res.noNewline {
		if _, err := file.Write([]byte("\n")); err != nil {
			file.Close()
			return nil, fmt.Errorf("journal: terminate last record: %w", err)
		}
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          res.lastSeq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一個事件
//
// Seq 與 Checksum 由日誌指定；Timestamp 為 0 時填入目前時間。
// 回傳實際寫入的事件。
func (j *Journal) Append(event Event) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Event{}, ErrClosed
	}

	event.Seq = j.seq + 1
	if event.Timestamp == 0 {
		event.Timestamp = j.now().UnixMilli()
	}
	event.Checksum = Checksum(event)

	if err := j.encoder.Encode(event); err != nil {
		return Event{}, fmt.Errorf("journal: append seq=%d: %w", event.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("journal: sync seq=%d: %w", event.Seq, err)
		}
	}
	j.seq = event.Seq
	return event, nil
}

// Replay 從頭重放所有事件，校驗和錯誤或 handler 錯誤會中止重放
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ReplayFile(j.path, handler)
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 取得日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 同步並關閉日誌，關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReplayFile 不開啟寫入端，直接重放日誌檔
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = scan(file, handler, false)
	return err
}

// Verify 檢查 JSON 格式、校驗和以及 seq 的連續性
func Verify(path string) (Summary, error) {
	file, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer file.Close()

	res, err := scan(file, nil, true)
	return Summary{Events: res.count, LastSeq: res.lastSeq}, err
}

// Checksum 計算事件的 CRC32 校驗和（不含 Checksum 欄位本身）
func Checksum(event Event) uint32 {
	event.Checksum = 0
	raw, err := json.Marshal(event)
	if err != nil {
		// Event 只有基本型別欄位，不會序列化失敗
		panic(err)
	}
	return crc32.ChecksumIEEE(raw)
}

// ============================================================================
// 內部輔助方法
// ============================================================================

type scanResult struct {
	lastSeq   uint64
	count     int
	goodBytes int64 // 最後一筆完整紀錄結束的位置
	noNewline bool  // 檔案最後一行缺少換行
}

// scan 逐行讀取事件並驗證校驗和；strictSeq 時要求 seq 從 1 開始連續
func scan(r io.Reader, handler EventHandler, strictSeq bool) (scanResult, error) {
	var res scanResult
	br := bufio.NewReader(r)
	line := 0

	for {
		raw, readErr := br.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return res, readErr
		}

		if len(raw) > 0 {
			line++
			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
				var event Event
				if err := json.Unmarshal(trimmed, &event); err != nil {
					return res, &CorruptionError{Line: line, Cause: err, partial: readErr == io.EOF}
				}
				if want := Checksum(event); want != event.Checksum {
					return res, &ChecksumError{Seq: event.Seq, Expected: want, Actual: event.Checksum}
				}
				if strictSeq && event.Seq != res.lastSeq+1 {
					return res, fmt.Errorf("%w: expected seq=%d, got seq=%d at line %d",
						ErrSequenceGap, res.lastSeq+1, event.Seq, line)
				}
				if handler != nil {
					if err := handler(event); err != nil {
						return res, err
					}
				}
				if event.Seq > res.lastSeq {
					res.lastSeq = event.Seq
				}
				res.count++
			}
			res.goodBytes += int64(len(raw))
			res.noNewline = raw[len(raw)-1] != '\n'
		}

		if readErr == io.EOF {
			return res, nil
		}
	}
}
