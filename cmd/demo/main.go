package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
	"github.com/ChuLiYu/schedopt/internal/versionstore"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

const scheduleID = "demo-line"

type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	for _, p := range []string{cfg.Store.Path, cfg.Journal.Path} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
	}

	store, err := versionstore.NewFileStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open version store: %v", err)
	}
	defer store.Close()
	jrnl, err := journal.Open(cfg.Journal.Path, true)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer jrnl.Close()

	svc := optimizer.New(optimizer.DefaultConfig(), optimizer.Dependencies{Versions: store, Journal: jrnl})
	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start optimizer: %v", err)
	}
	defer svc.Stop()

	ctx := context.Background()
	switch mode {
	case "start":
		start(ctx, svc)
	case "recover":
		recoverHistory(ctx, svc, cfg.Journal.Path)
	default:
		log.Fatalf("unknown mode %q", mode)
	}
}

// start imports the demo line, runs every implemented algorithm and applies
// the run with the lowest objective value.
func start(ctx context.Context, svc *optimizer.Service) {
	base, err := svc.ImportSchedule(ctx, scheduleID, demoSchedule(), "demo", "initial import")
	if err != nil {
		log.Fatalf("Failed to import schedule: %v", err)
	}
	fmt.Printf("✓ Imported %s as version #%d (%s)\n", scheduleID, base.VersionNumber, base.ID)

	var best *types.OptimizationResponse
	for _, alg := range []string{registry.ForwardScheduling, registry.BackwardScheduling, registry.CriticalPath} {
		resp := run(ctx, svc, alg)
		if resp == nil {
			continue
		}
		m := resp.Result.Metrics
		fmt.Printf("  %-22s makespan=%6.2fh utilization=%5.1f%% violations=%d\n",
			alg, m.Makespan, m.ResourceUtilization, m.ConstraintViolations)
		if best == nil || m.ObjectiveValue < best.Result.Metrics.ObjectiveValue {
			best = resp
		}
	}
	if best == nil {
		log.Fatalf("No run completed")
	}

	applied, err := svc.ApplyResults(ctx, scheduleID, best.Result.VersionID)
	if err != nil {
		log.Fatalf("Failed to apply results: %v", err)
	}
	fmt.Printf("\n✓ Applied run %s as version #%d\n", best.RunID, applied.VersionNumber)
	fmt.Printf("💡 Run 'go run cmd/demo/main.go recover' to reload the history from disk\n")
}

func run(ctx context.Context, svc *optimizer.Service, alg string) *types.OptimizationResponse {
	resp := svc.SubmitJob(ctx, &types.OptimizationRequest{AlgorithmID: alg, ScheduleData: demoSchedule()})
	if resp.Error != nil {
		fmt.Printf("  %-22s rejected: %v\n", alg, resp.Error)
		return nil
	}

	done := make(chan struct{})
	sub, err := svc.SubscribeToProgress(resp.RunID, func(e progress.Event) {
		if e.Terminal() {
			close(done)
		}
	})
	if err == nil {
		select {
		case <-done:
		case <-sub.Done():
		case <-time.After(30 * time.Second):
			svc.CancelJob(resp.RunID)
		}
		svc.Unsubscribe(sub)
	}

	final := svc.GetJobStatus(resp.RunID)
	if final.Status != types.StatusCompleted {
		fmt.Printf("  %-22s %s: %v\n", alg, final.Status, final.Error)
		return nil
	}
	return final
}

// recoverHistory shows that versions and the journal survive a restart, then
// rolls the schedule back to the imported version.
func recoverHistory(ctx context.Context, svc *optimizer.Service, journalPath string) {
	history, err := svc.VersionHistory(ctx, scheduleID, 0)
	if err != nil || len(history) == 0 {
		log.Fatalf("No history for %s; run 'start' first", scheduleID)
	}

	fmt.Printf("📊 Versions of %s recovered from disk:\n", scheduleID)
	for _, v := range history {
		fmt.Printf("  #%-3d %-10s %s  %s\n", v.VersionNumber, v.Source, v.CreatedAt.Format(time.RFC3339), v.Comment)
	}

	summary, err := journal.Verify(journalPath)
	if err != nil {
		log.Fatalf("Journal verification failed: %v", err)
	}
	fmt.Printf("\n✓ Journal intact: %d events, last seq %d\n", summary.Events, summary.LastSeq)

	first := history[len(history)-1]
	latest := history[0]
	diff, err := svc.CompareVersions(ctx, first.ID, latest.ID)
	if err != nil {
		log.Fatalf("Failed to compare versions: %v", err)
	}
	fmt.Printf("  #%d → #%d: %d operations changed\n", first.VersionNumber, latest.VersionNumber, len(diff.Modified))

	rolled, err := svc.RollbackToVersion(ctx, scheduleID, first.ID, "demo", "restore imported plan")
	if err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	fmt.Printf("✓ Rolled back to #%d as version #%d\n", first.VersionNumber, rolled.VersionNumber)
}

// demoSchedule routes four batches through a mixer, a filler and a packing
// line.
func demoSchedule() *types.ScheduleData {
	start := time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)
	data := &types.ScheduleData{
		Resources: []types.Resource{
			{ID: "mixer", Name: "Mixer 1"},
			{ID: "filler", Name: "Filler 1"},
			{ID: "pack", Name: "Packing Line"},
		},
		Metadata: types.Metadata{ScheduleID: scheduleID, HorizonStart: &start},
	}

	stages := []struct {
		resource types.ResourceID
		verb     string
		hours    float64
	}{
		{"mixer", "Mix", 2},
		{"filler", "Fill", 1.5},
		{"pack", "Pack", 1},
	}
	for batch := 1; batch <= 4; batch++ {
		var prev types.OperationID
		for _, st := range stages {
			id := types.OperationID(fmt.Sprintf("B%d-%s", batch, st.verb))
			data.Operations = append(data.Operations, types.Operation{
				ID:         id,
				Name:       fmt.Sprintf("%s batch %d", st.verb, batch),
				JobID:      fmt.Sprintf("batch-%d", batch),
				Duration:   st.hours,
				SetupTime:  0.25,
				ResourceID: st.resource,
			})
			if prev != "" {
				data.Dependencies = append(data.Dependencies, types.Dependency{FromOperationID: prev, ToOperationID: id})
			}
			prev = id
		}
	}
	return data
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	cfg.Store.Path = "./data/versions.json"
	cfg.Journal.Path = "./data/journal.log"

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
