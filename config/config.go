// Package config reads the service configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bosley/interlog/segment"
	"github.com/bosley/interlog/session"
	"github.com/bosley/interlog/submit"
)

// Config is the top-level structure of the YAML configuration file.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Timing       TimingConfig       `yaml:"timing"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Submit       SubmitConfig       `yaml:"submit"`
	Capture      CaptureConfig      `yaml:"capture"`
	Replay       ReplayConfig       `yaml:"replay"`
}

// HTTPConfig controls the API listener. TLS is used when both cert and key
// are set.
type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TimingConfig holds the reconciliation timers.
type TimingConfig struct {
	IdleWindowMs int `yaml:"idle_window_ms"`
	SilenceMs    int `yaml:"silence_ms"`
	MaxWaitMs    int `yaml:"max_wait_ms"`
}

// SegmentationConfig controls boundary detection.
type SegmentationConfig struct {
	ExcludedTools     []string `yaml:"excluded_tools"`
	SubmitUnsegmented bool     `yaml:"submit_unsegmented"`
}

// SubmitConfig points at the evaluation backend. An empty URL logs payloads
// instead of sending them.
type SubmitConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
	RetryMax  int    `yaml:"retry_max"`
}

// CaptureConfig enables NDJSON capture of provider messages when Dir is set.
type CaptureConfig struct {
	Dir string `yaml:"dir"`
}

// ReplayConfig enables the replay watcher when Dir is set.
type ReplayConfig struct {
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8444"},
		Timing: TimingConfig{
			IdleWindowMs: 2000,
			SilenceMs:    1300,
			MaxWaitMs:    3000,
		},
		Segmentation: SegmentationConfig{
			ExcludedTools: append([]string(nil), segment.DefaultExcludedTools...),
		},
		Submit: SubmitConfig{
			TimeoutMs: 10000,
			RetryMax:  2,
		},
		Replay: ReplayConfig{Workers: 2},
	}
}

// ReadConfig reads the YAML file at path on top of DefaultConfig.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		errs = append(errs, errors.New("http.cert_file and http.key_file must be set together"))
	}
	if c.Timing.IdleWindowMs <= 0 || c.Timing.SilenceMs <= 0 || c.Timing.MaxWaitMs <= 0 {
		errs = append(errs, errors.New("timing values must be positive"))
	}
	if c.Timing.MaxWaitMs < c.Timing.SilenceMs {
		errs = append(errs, fmt.Errorf("timing.max_wait_ms (%d) must not be below timing.silence_ms (%d)",
			c.Timing.MaxWaitMs, c.Timing.SilenceMs))
	}
	if c.Submit.RetryMax < 0 {
		errs = append(errs, errors.New("submit.retry_max must not be negative"))
	}
	if c.Replay.Workers < 0 {
		errs = append(errs, errors.New("replay.workers must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Session converts the timing and segmentation sections into session
// settings.
func (c *Config) Session() session.Config {
	return session.Config{
		Timing: segment.Config{
			SilenceThreshold: ms(c.Timing.SilenceMs),
			MaxWait:          ms(c.Timing.MaxWaitMs),
			IdleWindow:       ms(c.Timing.IdleWindowMs),
		},
		ExcludedTools:     c.Segmentation.ExcludedTools,
		SubmitUnsegmented: c.Segmentation.SubmitUnsegmented,
		SubmitTimeout:     ms(c.Submit.TimeoutMs) * time.Duration(c.Submit.RetryMax+1),
	}
}

// Submitter returns the HTTP submitter when a URL is configured, otherwise
// a submitter that only logs.
func (c *Config) Submitter() session.Submitter {
	if c.Submit.URL == "" {
		return submit.NewLogSubmitter(nil)
	}
	return submit.NewHTTPSubmitter(submit.Config{
		URL:      c.Submit.URL,
		APIKey:   c.Submit.APIKey,
		Timeout:  ms(c.Submit.TimeoutMs),
		RetryMax: c.Submit.RetryMax,
	})
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
