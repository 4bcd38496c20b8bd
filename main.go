package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bosley/interlog/config"
	"github.com/bosley/interlog/scribe"
)

// apiKeyEnv overrides submit.api_key so the key can stay out of the config file.
const apiKeyEnv = "INTERLOG_API_KEY"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "interlog",
	Short: "Interview transcript reconciliation and segmentation service",
	Long: `Interlog merges streaming speech-to-text events into a stable transcript,
splits it into rubric category segments on tool-completion boundaries and
submits the result when the call ends.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

var serveFlags struct {
	addr       string
	cert       string
	key        string
	captureDir string
	replayDir  string
	submitURL  string
	workers    int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session HTTP and websocket service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		scribeService, err := scribe.New(scribe.Config{
			HTTPAddr:   cfg.HTTP.Addr,
			CertFile:   cfg.HTTP.CertFile,
			KeyFile:    cfg.HTTP.KeyFile,
			CaptureDir: cfg.Capture.Dir,
			ReplayDir:  cfg.Replay.Dir,
			Workers:    cfg.Replay.Workers,
			Session:    cfg.Session(),
			Submitter:  cfg.Submitter(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize scribe: %w", err)
		}

		if cfg.Submit.URL == "" {
			slog.Warn("No submit URL configured, payloads will only be logged")
		}

		err = scribeService.Start(ctx)
		slog.Debug("Program exiting")
		return err
	},
}

// loadConfig reads the config file when one is given and applies flag and
// environment overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.ReadConfig(configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = serveFlags.addr
	}
	if flags.Changed("cert") {
		cfg.HTTP.CertFile = serveFlags.cert
	}
	if flags.Changed("key") {
		cfg.HTTP.KeyFile = serveFlags.key
	}
	if flags.Changed("capture-dir") {
		cfg.Capture.Dir = serveFlags.captureDir
	}
	if flags.Changed("replay-dir") {
		cfg.Replay.Dir = serveFlags.replayDir
	}
	if flags.Changed("submit-url") {
		cfg.Submit.URL = serveFlags.submitURL
	}
	if flags.Changed("workers") {
		cfg.Replay.Workers = serveFlags.workers
	}
	if key := strings.TrimSpace(os.Getenv(apiKeyEnv)); key != "" {
		cfg.Submit.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "debug", "Log level (debug, info, warn, error)")

	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "HTTP listen address (host:port)")
	f.StringVar(&serveFlags.cert, "cert", "", "Path to TLS certificate file")
	f.StringVar(&serveFlags.key, "key", "", "Path to TLS key file")
	f.StringVar(&serveFlags.captureDir, "capture-dir", "", "Directory for per-session event captures")
	f.StringVar(&serveFlags.replayDir, "replay-dir", "", "Directory watched for captures to replay")
	f.StringVar(&serveFlags.submitURL, "submit-url", "", "Evaluation backend URL")
	f.IntVar(&serveFlags.workers, "workers", 0, "Number of replay workers")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
