// Package scribe serves interview sessions over HTTP and websocket, captures
// provider traffic and replays dropped capture files.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bosley/interlog/capture"
	"github.com/bosley/interlog/session"
)

const shutdownTimeout = 10 * time.Second

// Configuration for the Scribe service
type Config struct {
	// HTTP server address
	HTTPAddr string

	// Certificate files for TLS. Plain HTTP when empty.
	CertFile string
	KeyFile  string

	// Directory for per-session capture files. Capture is off when empty.
	CaptureDir string

	// Directory watched for capture files to replay. Off when empty.
	ReplayDir string

	// Number of replay workers
	Workers int

	Session   session.Config
	Submitter session.Submitter
}

// Scribe runs the session service
type Scribe struct {
	config Config

	sessions *session.Registry
	capture  *capture.Writer

	// File system watcher, nil without a replay directory
	watcher *fsnotify.Watcher

	subMu       sync.RWMutex
	subscribers map[string][]*wsConnection

	// Replay queue
	queue chan ReplayJob

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Scribe instance
func New(cfg Config) (*Scribe, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	s := &Scribe{
		config:      cfg,
		subscribers: make(map[string][]*wsConnection),
		queue:       make(chan ReplayJob, 100),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	opts := []session.Option{session.WithOnLines(s.broadcastLines)}
	if cfg.Submitter != nil {
		opts = append(opts, session.WithSubmitter(cfg.Submitter))
	}
	if cfg.CaptureDir != "" {
		w, err := capture.NewWriter(cfg.CaptureDir)
		if err != nil {
			return nil, err
		}
		s.capture = w
		opts = append(opts, session.WithRecorder(w))
	}
	s.sessions = session.NewRegistry(cfg.Session, opts...)

	if cfg.ReplayDir != "" {
		if err := os.MkdirAll(cfg.ReplayDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create replay directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		s.watcher = watcher
	}

	s.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Sessions returns the live session registry.
func (s *Scribe) Sessions() *session.Registry {
	return s.sessions
}

// Start runs the service until ctx is cancelled, Stop is called or a
// component fails. Live sessions are flushed before it returns.
func (s *Scribe) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.stopMu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopMu.Unlock()
	defer close(s.done)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.config.Workers; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}

	if s.watcher != nil {
		g.Go(func() error {
			return s.watchFiles(ctx)
		})
	}

	g.Go(s.serveHTTP)

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	cancel, done := s.cancel, s.done
	s.stopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}
}

func (s *Scribe) serveHTTP() error {
	slog.Info("HTTP server listening",
		"addr", s.config.HTTPAddr,
		"tls", s.config.CertFile != "")

	var err error
	if s.config.CertFile != "" {
		err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("HTTP server error: %w", err)
}

func (s *Scribe) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}

	// Flush and submit whatever is still live.
	s.sessions.CloseAll()

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file watcher: %w", err))
		}
	}

	slog.Info("Scribe stopped")
	return errors.Join(errs...)
}
