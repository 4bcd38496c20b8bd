package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bosley/interlog/capture"
	"github.com/bosley/interlog/session"
)

// resultSuffix names the file a replay result is written to, next to the
// capture it came from.
const resultSuffix = ".payload.json"

func (s *Scribe) worker(ctx context.Context) {
	slog.Debug("Worker starting")
	defer slog.Debug("Worker shutting down")

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled")
			return

		case job := <-s.queue:
			if err := s.processJob(ctx, job); err != nil {
				slog.Error("Failed to process replay job",
					"error", err,
					"file", job.FilePath,
					"session", job.Key)
			}
		}
	}
}

func (s *Scribe) processJob(ctx context.Context, job ReplayJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Info("Replaying capture",
		"file", job.FilePath,
		"session", job.Key)

	records, err := capture.ReadFile(job.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("Capture file not found (likely processed or deleted)",
				"file", job.FilePath,
				"session", job.Key)
			return nil
		}
		return err
	}

	opts := []session.Option{session.WithLogger(slog.Default().With("replay", filepath.Base(job.FilePath)))}
	if s.config.Submitter != nil {
		opts = append(opts, session.WithSubmitter(s.config.Submitter))
	}

	payload, skipped, err := session.Replay(session.ReplayRequest{
		Key:     job.Key,
		Records: records,
	}, s.config.Session, opts...)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	result := ReplayResult{
		File:    filepath.Base(job.FilePath),
		Skipped: skipped,
		Payload: payload,
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal replay result: %w", err)
	}
	out := resultPath(job.FilePath)
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write replay result: %w", err)
	}

	s.broadcast(job.Key, MessageReplay, result)

	slog.Info("Successfully replayed capture",
		"session", job.Key,
		"segments", len(payload.CategorySegments),
		"messages", len(payload.FullTranscript),
		"skipped", skipped,
		"result", out)

	return nil
}

func resultPath(capturePath string) string {
	return strings.TrimSuffix(capturePath, capture.Extension) + resultSuffix
}
