package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/optimizer"
	"github.com/ChuLiYu/schedopt/internal/progress"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/server"
	"github.com/ChuLiYu/schedopt/pkg/types"
)

type optimizeOptions struct {
	file      string
	algorithm string
	override  bool // --algorithm given explicitly
	server    string
	timeLimit int
	locks     []string
	output    string
	json      bool
}

// outcome is what optimize prints: the final job response and the version it
// produced.
type outcome struct {
	Response *types.OptimizationResponse `json:"response"`
	Version  *types.ScheduleVersion      `json:"version"`
}

func buildOptimizeCommand() *cobra.Command {
	var opts optimizeOptions

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Optimize a schedule from a JSON file",
		Long: `Read a schedule (or a full optimization request) from a JSON file, run
the selected algorithm and print the resulting schedule. Use --server to run
on a remote schedopt service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := commandConfig(cmd); err != nil {
				return err
			}
			opts.override = cmd.Flags().Changed("algorithm")
			return runOptimize(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "schedule or request JSON file")
	cmd.Flags().StringVarP(&opts.algorithm, "algorithm", "a", registry.ForwardScheduling, "algorithm ID or alias")
	cmd.Flags().StringVar(&opts.server, "server", "", "gRPC address of a schedopt service (e.g. localhost:50051)")
	cmd.Flags().IntVar(&opts.timeLimit, "time-limit", 0, "time limit in seconds (0 = none)")
	cmd.Flags().StringSliceVar(&opts.locks, "lock", nil, "operation IDs to keep at their current times")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the optimized schedule JSON to this file")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the result as JSON")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runOptimize(ctx context.Context, opts optimizeOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("failed to read schedule file: %w", err)
	}
	req, err := parseRequest(raw)
	if err != nil {
		return fmt.Errorf("failed to parse schedule file: %w", err)
	}
	if opts.override || req.AlgorithmID == "" {
		req.AlgorithmID = opts.algorithm
	}
	if opts.timeLimit > 0 {
		req.Parameters.TimeLimit = opts.timeLimit
	}
	req.Locks = append(req.Locks, opts.locks...)

	report := func(e progress.Event) {
		if !opts.json && !e.Terminal() {
			fmt.Fprintf(out, "%s %s\n", Dim(fmt.Sprintf("[%3d%%]", e.Percentage)), e.Step)
		}
	}

	var res *outcome
	if opts.server != "" {
		res, err = optimizeRemote(ctx, opts.server, req, report)
	} else {
		res, err = optimizeLocal(ctx, req, report)
	}
	if err != nil {
		return err
	}

	if opts.output != "" {
		data, err := json.MarshalIndent(res.Version.Data, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.output, data, 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printOutcome(out, res)
	return nil
}

// parseRequest accepts a bare schedule or a full optimization request.
func parseRequest(raw []byte) (*types.OptimizationRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("input is not valid JSON")
	}

	var req types.OptimizationRequest
	switch {
	case gjson.GetBytes(raw, "scheduleData").IsObject():
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
	case gjson.GetBytes(raw, "operations").IsArray():
		var data types.ScheduleData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, err
		}
		req.ScheduleData = &data
	default:
		return nil, errors.New(`expected a schedule with "operations" or a request with "scheduleData"`)
	}
	return &req, nil
}

// optimizeLocal runs req on an in-process service with an in-memory store.
func optimizeLocal(ctx context.Context, req *types.OptimizationRequest, report func(progress.Event)) (*outcome, error) {
	svc := optimizer.New(optimizer.Config{Workers: 1, QueueSize: 1}, optimizer.Dependencies{
		Registry: registry.NewDefault(algorithm.Options{}),
	})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	defer svc.Stop()

	resp := svc.SubmitJob(ctx, req)
	if resp.Error != nil {
		return nil, fmt.Errorf("optimization rejected: %w", resp.Error)
	}

	done := make(chan struct{})
	sub, err := svc.SubscribeToProgress(resp.RunID, func(e progress.Event) {
		report(e)
		if e.Terminal() {
			close(done)
		}
	})
	switch {
	case errors.Is(err, progress.ErrTopicClosed):
		// already finished
	case err != nil:
		return nil, err
	default:
		defer svc.Unsubscribe(sub)
		select {
		case <-done:
		case <-sub.Done():
		case <-ctx.Done():
			svc.CancelJob(resp.RunID)
			return nil, ctx.Err()
		}
	}

	final := svc.GetJobStatus(resp.RunID)
	if err := finished(final); err != nil {
		return nil, err
	}
	v, err := svc.GetVersion(ctx, final.Result.VersionID)
	if err != nil {
		return nil, err
	}
	return &outcome{Response: final, Version: v}, nil
}

// optimizeRemote runs req on a schedopt service over gRPC.
func optimizeRemote(ctx context.Context, addr string, req *types.OptimizationRequest, report func(progress.Event)) (*outcome, error) {
	client, err := server.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	resp, err := client.SubmitJob(callCtx, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("submit failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("optimization rejected: %w", resp.Error)
	}

	if _, err := client.StreamProgress(ctx, resp.RunID, report); err != nil {
		return nil, fmt.Errorf("progress stream failed: %w", err)
	}

	final, err := client.GetJobStatus(ctx, resp.RunID)
	if err != nil {
		return nil, err
	}
	if err := finished(final); err != nil {
		return nil, err
	}
	v, err := client.GetVersion(ctx, final.Result.VersionID)
	if err != nil {
		return nil, err
	}
	return &outcome{Response: final, Version: v}, nil
}

func finished(resp *types.OptimizationResponse) error {
	switch {
	case resp == nil:
		return optimizer.ErrJobNotFound
	case resp.Status == types.StatusCompleted && resp.Result != nil:
		return nil
	case resp.Error != nil:
		return fmt.Errorf("optimization %s: %w", resp.Status, resp.Error)
	default:
		return fmt.Errorf("optimization ended in status %s", resp.Status)
	}
}
