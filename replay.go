package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bosley/interlog/capture"
	"github.com/bosley/interlog/config"
	"github.com/bosley/interlog/session"
)

var replayFlags struct {
	sessionID  string
	categories []string
	submit     bool
	workers    int
}

type replayOutput struct {
	File    string          `json:"file"`
	Skipped int             `json:"skipped"`
	Payload session.Payload `json:"payload"`
}

var replayCmd = &cobra.Command{
	Use:   "replay FILE...",
	Short: "Replay captured sessions and print their payloads",
	Long: `Replay runs capture files through fresh sessions on a clock that follows
the captured timestamps and prints one JSON payload per file. Payloads are
only submitted with --submit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if configPath != "" {
			var err error
			if cfg, err = config.ReadConfig(configPath); err != nil {
				return err
			}
		}

		var opts []session.Option
		if replayFlags.submit {
			opts = append(opts, session.WithSubmitter(cfg.Submitter()))
		}

		results := make([]replayOutput, len(args))
		g, _ := errgroup.WithContext(cmd.Context())
		g.SetLimit(max(replayFlags.workers, 1))

		for i, path := range args {
			i, path := i, path
			g.Go(func() error {
				records, err := capture.ReadFile(path)
				if err != nil {
					return err
				}
				p, skipped, err := session.Replay(session.ReplayRequest{
					Key:        capture.KeyFromPath(path),
					SessionID:  replayFlags.sessionID,
					Categories: replayFlags.categories,
					Records:    records,
				}, cfg.Session(), opts...)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if skipped > 0 {
					slog.Warn("Skipped undecodable records", "file", path, "skipped", skipped)
				}
				results[i] = replayOutput{File: path, Skipped: skipped, Payload: p}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to write payload: %w", err)
			}
		}
		return nil
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayFlags.sessionID, "session-id", "", "Backend session id to stamp on the payloads")
	f.StringSliceVar(&replayFlags.categories, "categories", nil, "Category order, overriding the captured configuration")
	f.BoolVar(&replayFlags.submit, "submit", false, "Submit payloads to the configured backend")
	f.IntVar(&replayFlags.workers, "workers", 2, "Number of captures replayed concurrently")
}
