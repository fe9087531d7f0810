package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/server"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

func init() {
	color.NoColor = true
}

const bareSchedule = `{
  "resources": [{"id": "r1", "name": "Filler 1"}],
  "operations": [
    {"id": "A", "name": "Rinse", "duration": 2, "resourceId": "r1"},
    {"id": "B", "name": "Fill", "duration": 3, "resourceId": "r1"},
    {"id": "C", "name": "Cap", "duration": 1, "resourceId": "r1"}
  ],
  "dependencies": [
    {"fromOperationId": "A", "toOperationId": "B"},
    {"fromOperationId": "B", "toOperationId": "C"}
  ],
  "metadata": {"scheduleId": "line-1", "horizonStart": "2025-03-03T06:00:00Z"}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write %s", name)
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "schedopt", cmd.Use, "Root command should be 'schedopt'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"serve", "optimize", "algorithms", "journal"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildOptimizeCommand(t *testing.T) {
	cmd := buildOptimizeCommand()

	assert.Equal(t, "optimize", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")

	algFlag := cmd.Flags().Lookup("algorithm")
	require.NotNil(t, algFlag)
	assert.Equal(t, registry.ForwardScheduling, algFlag.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("server"))
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildJournalCommand(t *testing.T) {
	cmd := buildJournalCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["verify"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("file"))
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeFile(t, "test_config.yaml", `
service:
  workers: 8
  queue_size: 16
  retention: 30m
  cleanup_interval: 1m
  max_job_age: 12h

store:
  driver: file
  path: "./test_versions.json"

journal:
  path: "./test_journal.log"
  sync_on_append: true

http:
  enabled: false
  port: 9000

grpc:
  enabled: true
  port: 6000

metrics:
  enabled: false

log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, 8, cfg.Service.Workers)
	assert.Equal(t, 16, cfg.Service.QueueSize)
	assert.Equal(t, 30*time.Minute, cfg.Service.Retention)
	assert.Equal(t, time.Minute, cfg.Service.CleanupInterval)
	assert.Equal(t, 12*time.Hour, cfg.Service.MaxJobAge)

	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "./test_versions.json", cfg.Store.Path)
	assert.Equal(t, "./test_journal.log", cfg.Journal.Path)
	assert.True(t, cfg.Journal.SyncOnAppend)

	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.True(t, cfg.GRPC.Enabled)
	assert.Equal(t, 6000, cfg.GRPC.Port)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	svc := cfg.serviceConfig()
	assert.Equal(t, 8, svc.Workers)
	assert.Equal(t, 30*time.Minute, svc.Retention)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeFile(t, "invalid.yaml", `
service:
  workers: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_PartialConfigKeepsDefaults(t *testing.T) {
	configPath := writeFile(t, "partial.yaml", `
service:
  workers: 2
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 2, cfg.Service.Workers, "Worker count should be set")
	assert.Equal(t, optimizer.DefaultQueueSize, cfg.Service.QueueSize, "Unset fields should keep defaults")
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 50051, cfg.GRPC.Port)
}

func TestResolveConfig(t *testing.T) {
	// 預設路徑不存在時使用預設值
	cfg, err := resolveConfig("/nonexistent/default.yaml", false)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	// 明確指定的路徑不存在時報錯
	_, err = resolveConfig("/nonexistent/custom.yaml", true)
	assert.Error(t, err)

	// 解析錯誤不會被預設值蓋掉
	bad := writeFile(t, "bad.yaml", "service: [")
	_, err = resolveConfig(bad, false)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	store, err := cfg.openStore(ctx)
	require.NoError(t, err)
	assert.IsType(t, &versionstore.MemoryStore{}, store)

	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "versions.json")
	store, err = cfg.openStore(ctx)
	require.NoError(t, err)
	assert.IsType(t, &versionstore.FileStore{}, store)
	require.NoError(t, store.Close())

	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = ""
	_, err = cfg.openStore(ctx)
	assert.ErrorContains(t, err, "store.dsn")

	cfg.Store.Driver = "redis"
	_, err = cfg.openStore(ctx)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	var buf bytes.Buffer

	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	logger, err := cfg.newLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "runID", "opt_run_1")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "only the warn line should be written")
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "opt_run_1", line["runID"])

	cfg.Log.Level = "loud"
	_, err = cfg.newLogger(&buf)
	assert.Error(t, err)

	cfg.Log.Level = "info"
	cfg.Log.Format = "xml"
	_, err = cfg.newLogger(&buf)
	assert.Error(t, err)
}

func TestParseRequest(t *testing.T) {
	req, err := parseRequest([]byte(bareSchedule))
	require.NoError(t, err)
	assert.Empty(t, req.AlgorithmID)
	require.NotNil(t, req.ScheduleData)
	assert.Len(t, req.ScheduleData.Operations, 3)

	full := `{"algorithmId": "cpm", "scheduleData": ` + bareSchedule + `, "parameters": {"timeLimit": 30}, "locks": ["A"]}`
	req, err = parseRequest([]byte(full))
	require.NoError(t, err)
	assert.Equal(t, "cpm", req.AlgorithmID)
	assert.Equal(t, 30, req.Parameters.TimeLimit)
	assert.Equal(t, []types.OperationID{"A"}, req.Locks)
	assert.Len(t, req.ScheduleData.Operations, 3)

	_, err = parseRequest([]byte(`{"jobs": []}`))
	assert.Error(t, err)
	_, err = parseRequest([]byte(`{"operations": `))
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestRunOptimizeLocal(t *testing.T) {
	input := writeFile(t, "schedule.json", bareSchedule)
	output := filepath.Join(t.TempDir(), "out.json")

	var out bytes.Buffer
	err := runOptimize(context.Background(), optimizeOptions{
		file:      input,
		algorithm: registry.CriticalPath,
		override:  true,
		output:    output,
	}, &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "Metrics makespan 6.00h")
	// 三個工序都在關鍵路徑上
	assert.Equal(t, 3, strings.Count(text, "  *  "), text)

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var data types.ScheduleData
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Len(t, data.Operations, 3)
	for _, op := range data.Operations {
		assert.NotNil(t, op.StartTime, "operation %s should be scheduled", op.ID)
	}
}

func TestRunOptimizeJSON(t *testing.T) {
	input := writeFile(t, "schedule.json", bareSchedule)

	var out bytes.Buffer
	require.NoError(t, runOptimize(context.Background(), optimizeOptions{
		file:      input,
		algorithm: registry.ForwardScheduling,
		json:      true,
	}, &out))

	var res outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &res), "JSON mode prints only the outcome")
	assert.Equal(t, types.StatusCompleted, res.Response.Status)
	assert.Equal(t, res.Response.Result.VersionID, res.Version.ID)
	assert.Equal(t, "line-1", res.Version.ScheduleID)
}

func TestRunOptimizeErrors(t *testing.T) {
	err := runOptimize(context.Background(), optimizeOptions{file: "/nonexistent/schedule.json"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to read schedule file")

	input := writeFile(t, "schedule.json", bareSchedule)
	err = runOptimize(context.Background(), optimizeOptions{file: input, algorithm: "genetic", override: true}, &bytes.Buffer{})
	var oe *types.OptimizationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, types.CodeAlgorithmNotFound, oe.Code)
}

func TestRunOptimizeRemote(t *testing.T) {
	svc := optimizer.New(optimizer.DefaultConfig(), optimizer.Dependencies{})
	require.NoError(t, svc.Start())
	defer svc.Stop()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	server.Register(gs, server.NewServer(svc))
	go gs.Serve(lis)
	defer gs.Stop()

	input := writeFile(t, "schedule.json", bareSchedule)
	var out bytes.Buffer
	require.NoError(t, runOptimize(context.Background(), optimizeOptions{
		file:      input,
		algorithm: registry.ForwardScheduling,
		server:    lis.Addr().String(),
		json:      true,
	}, &out))

	var res outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, types.StatusCompleted, res.Response.Status)
	require.NotNil(t, res.Version)
	assert.Len(t, res.Version.Data.Operations, 3)

	var listing bytes.Buffer
	require.NoError(t, listAlgorithms(context.Background(), lis.Addr().String(), true, &listing))
	var algs []registry.Descriptor
	require.NoError(t, json.Unmarshal(listing.Bytes(), &algs))
	assert.Len(t, algs, len(registry.NewDefault(algorithm.Options{}).List()))
}

func TestListAlgorithmsLocal(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listAlgorithms(context.Background(), "", false, &out))

	text := out.String()
	assert.Contains(t, text, registry.ForwardScheduling)
	assert.Contains(t, text, "aliases: asap")
	assert.Contains(t, text, "delegates to "+registry.ForwardScheduling)
}

func TestJournalShowAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path, false)
	require.NoError(t, err)
	for _, e := range []journal.Event{
		{Type: journal.EventSubmit, RunID: "opt_run_1", ScheduleID: "line-1", AlgorithmID: "asap"},
		{Type: journal.EventStart, RunID: "opt_run_1"},
		{Type: journal.EventFail, RunID: "opt_run_1", Code: "EXECUTION_FAILED", Message: "solver exploded"},
		{Type: journal.EventSubmit, RunID: "opt_run_2"},
	} {
		_, err := j.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	var out bytes.Buffer
	require.NoError(t, showJournal(path, "opt_run_1", "", &out))
	text := out.String()
	assert.Contains(t, text, "code=EXECUTION_FAILED")
	assert.Contains(t, text, "solver exploded")
	assert.NotContains(t, text, "opt_run_2")
	assert.Contains(t, text, "3 events")

	out.Reset()
	require.NoError(t, showJournal(path, "", journal.EventSubmit, &out))
	assert.Contains(t, out.String(), "2 events")

	out.Reset()
	require.NoError(t, verifyJournal(path, &out))
	assert.Contains(t, out.String(), "OK")
	assert.Contains(t, out.String(), "4 events, last seq 4")

	// 竄改一個事件後校驗失敗
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "solver exploded", "solver fine", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	out.Reset()
	assert.Error(t, verifyJournal(path, &out))
	assert.Contains(t, out.String(), "FAILED")
}

func TestJournalCommandUsesFileFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := journal.Open(path, false)
	require.NoError(t, err)
	_, err = j.Append(journal.Event{Type: journal.EventApply, ScheduleID: "line-1", VersionID: "v_1"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", writeFile(t, "cfg.yaml", "log:\n  level: error\n"), "journal", "verify", "--file", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "1 events, last seq 1")
}
