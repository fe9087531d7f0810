package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/schedopt/internal/algorithm"
	"github.com/ChuLiYu/schedopt/internal/registry"
	"github.com/ChuLiYu/schedopt/internal/server"
	"github.com/ChuLiYu/schedopt/internal/storage/journal"
)

func buildAlgorithmsCommand() *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "algorithms",
		Short: "List available optimization algorithms",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := commandConfig(cmd); err != nil {
				return err
			}
			return listAlgorithms(cmd.Context(), addr, asJSON, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of a schedopt service; local registry when empty")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func listAlgorithms(ctx context.Context, addr string, asJSON bool, out io.Writer) error {
	var algs []registry.Descriptor
	if addr == "" {
		algs = registry.NewDefault(algorithm.Options{}).List()
	} else {
		client, err := server.Dial(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		if ctx == nil {
			ctx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		algs, err = client.ListAlgorithms(callCtx)
		if err != nil {
			return fmt.Errorf("failed to list algorithms: %w", err)
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(algs)
	}
	printAlgorithms(out, algs)
	return nil
}

func buildJournalCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the job lifecycle journal",
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "journal file (default: journal.path from config)")

	journalPath := func(c *cobra.Command) (string, error) {
		cfg, err := commandConfig(c)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
		if cfg.Journal.Path == "" {
			return "", fmt.Errorf("no journal configured (use --file)")
		}
		return cfg.Journal.Path, nil
	}

	var runID string
	var kind string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print journal events",
		RunE: func(c *cobra.Command, args []string) error {
			p, err := journalPath(c)
			if err != nil {
				return err
			}
			return showJournal(p, runID, journal.EventType(kind), c.OutOrStdout())
		},
	}
	show.Flags().StringVar(&runID, "run", "", "only events of this run")
	show.Flags().StringVar(&kind, "type", "", "only events of this type (SUBMIT, START, COMPLETE, ...)")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check journal checksums and sequence numbers",
		RunE: func(c *cobra.Command, args []string) error {
			p, err := journalPath(c)
			if err != nil {
				return err
			}
			return verifyJournal(p, c.OutOrStdout())
		},
	}

	cmd.AddCommand(show, verify)
	return cmd
}

func showJournal(path, runID string, kind journal.EventType, out io.Writer) error {
	n := 0
	err := journal.ReplayFile(path, func(e journal.Event) error {
		if runID != "" && e.RunID != runID {
			return nil
		}
		if kind != "" && e.Type != kind {
			return nil
		}
		printJournalEvent(out, e)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	fmt.Fprintln(out, Dim(fmt.Sprintf("%d events", n)))
	return nil
}

func verifyJournal(path string, out io.Writer) error {
	summary, err := journal.Verify(path)
	if err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", BoldRed("FAILED"), path, err)
		return err
	}
	fmt.Fprintf(out, "%s %s: %d events, last seq %d\n", BoldGreen("OK"), path, summary.Events, summary.LastSeq)
	return nil
}
