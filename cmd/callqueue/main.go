// SPDX-License-Identifier: AGPL-3.0-only

// Command callqueue runs the call queue daemon.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/callqueue/pkg/daemon"
	util_log "github.com/grafana/callqueue/pkg/util/log"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, prometheus.DefaultRegisterer, prometheus.DefaultGatherer))
}

// options are the flags that drive the binary rather than the daemon.
type options struct {
	configFile  string
	expandEnv   bool
	printConfig bool
}

func (o *options) registerFlags(f *flag.FlagSet) {
	f.StringVar(&o.configFile, "config.file", "", "YAML file to load the configuration from. Flags take precedence over the file.")
	f.BoolVar(&o.expandEnv, "config.expand-env", false, "Replace ${VAR} and ${VAR:default} in the configuration file with environment variables.")
	f.BoolVar(&o.printConfig, "print.config", false, "Print the effective configuration as YAML and exit.")
}

// run parses args into a daemon config and runs the daemon until it stops. It returns the
// process exit code: 0 on success or -help, 1 when the config or the daemon fails, 2 on
// bad flags.
func run(args []string, stdout, stderr io.Writer, reg prometheus.Registerer, gatherer prometheus.Gatherer) int {
	var (
		cfg  daemon.Config
		opts options
	)

	fs := flag.NewFlagSet("callqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {}
	cfg.RegisterFlags(fs)
	opts.registerFlags(fs)

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			fmt.Fprintln(stdout, "Usage of callqueue:")
			fs.SetOutput(stdout)
			fs.PrintDefaults()
			return 0
		}
		fmt.Fprintln(stderr, "Run with -help to list the available flags.")
		return 2
	}

	var digest string
	if opts.configFile != "" {
		var err error
		if digest, err = daemon.LoadConfigFile(opts.configFile, opts.expandEnv, &cfg); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		// The file overwrote whatever the first pass set, so apply the command line once more.
		if err := fs.Parse(args); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if opts.printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\n", out)
		return 0
	}

	logger := util_log.InitLogger(cfg.Server.LogFormat, cfg.Server.LogLevel)
	if digest != "" {
		promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "callqueue_config_hash",
			Help: "Hash of the loaded configuration file.",
		}, []string{"sha256"}).WithLabelValues(digest).Set(1)
	}

	d, err := daemon.New(cfg, reg, gatherer, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to set up call queue daemon", "err", err)
		return 1
	}

	level.Info(logger).Log("msg", "starting call queue", "queues", len(cfg.CallQueue.Queues), "operators", len(cfg.CallQueue.Operators))
	if err := d.Run(); err != nil {
		level.Error(logger).Log("msg", "call queue daemon failed", "err", fmt.Sprintf("%+v", err))
		return 1
	}
	return 0
}
