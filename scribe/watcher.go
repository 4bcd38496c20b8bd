package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bosley/interlog/capture"
)

func (s *Scribe) watchFiles(ctx context.Context) error {
	if err := s.watcher.Add(s.config.ReplayDir); err != nil {
		return fmt.Errorf("failed to watch replay directory %s: %w", s.config.ReplayDir, err)
	}

	slog.Info("Started watching replay directory",
		"path", s.config.ReplayDir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}

			if err := s.handleFSEvent(event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// handleFSEvent queues capture files that appear in the replay directory.
// Files are expected to be written under another name and renamed into
// place, so only creations are considered.
func (s *Scribe) handleFSEvent(event fsnotify.Event) error {
	if !event.Has(fsnotify.Create) || !strings.HasSuffix(event.Name, capture.Extension) {
		return nil
	}

	// Only files directly inside the replay directory
	if filepath.Dir(event.Name) != filepath.Clean(s.config.ReplayDir) {
		return nil
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return fmt.Errorf("failed to stat capture file: %w", err)
	}
	if info.IsDir() {
		return nil
	}

	return s.enqueue(event.Name)
}

func (s *Scribe) enqueue(path string) error {
	job := ReplayJob{
		FilePath: path,
		Key:      capture.KeyFromPath(path),
		Queued:   time.Now(),
	}

	select {
	case s.queue <- job:
		slog.Info("Queued capture for replay",
			"session", job.Key,
			"file", filepath.Base(path))
	default:
		return fmt.Errorf("job queue is full")
	}

	return nil
}
