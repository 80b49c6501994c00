// SPDX-License-Identifier: AGPL-3.0-only

package cdr

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	Path            string        `yaml:"path"`
	BufferSize      int           `yaml:"buffer_size"`
	WriteAttempts   int           `yaml:"write_attempts"`
	RetryMinBackoff time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Path, "cdr.path", "", "Path of the SQLite database call detail records are written to. Recording is disabled if empty.")
	f.IntVar(&cfg.BufferSize, "cdr.buffer-size", 1024, "Number of call events buffered in memory waiting to be written. Events are dropped while the buffer is full.")
	f.IntVar(&cfg.WriteAttempts, "cdr.write-attempts", 4, "Maximum number of attempts to write an event while the database is locked.")
	f.DurationVar(&cfg.RetryMinBackoff, "cdr.retry-min-backoff", 50*time.Millisecond, "Minimum backoff between write attempts.")
	f.DurationVar(&cfg.RetryMaxBackoff, "cdr.retry-max-backoff", 500*time.Millisecond, "Maximum backoff between write attempts.")
}

func (cfg *Config) Enabled() bool {
	return cfg.Path != ""
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.BufferSize <= 0 {
		return errors.New("cdr buffer size must be positive")
	}
	if cfg.WriteAttempts <= 0 {
		return errors.New("cdr write attempts must be positive")
	}
	if cfg.RetryMinBackoff <= 0 || cfg.RetryMaxBackoff < cfg.RetryMinBackoff {
		return errors.New("cdr retry backoff must be positive, and the maximum must not be lower than the minimum")
	}
	return nil
}
