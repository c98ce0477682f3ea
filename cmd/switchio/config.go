package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// dialConfig holds the `dial` subcommand's Originator configuration,
// loaded from flags and overridden by environment variables (flags
// first; an environment variable wins when set).
type dialConfig struct {
	Hosts       []string
	Password    string
	Profile     string
	Proxy       string
	Rate        float64
	Limit       int
	MaxOffered  int
	Duration    time.Duration
	App         string
	MetricsFile string
}

func loadDialConfig(args []string) (*dialConfig, error) {
	fs := flag.NewFlagSet("dial", flag.ContinueOnError)

	cfg := &dialConfig{}
	var rate float64
	var limit, maxOffered int
	var duration time.Duration

	fs.StringVar(&cfg.Profile, "profile", "default", "dial profile name")
	fs.StringVar(&cfg.Proxy, "proxy", "", "SIP proxy/gateway dial string prefix")
	fs.Float64Var(&rate, "rate", 1, "calls offered per second")
	fs.IntVar(&limit, "limit", 1, "max concurrently active originated calls")
	fs.IntVar(&maxOffered, "max-offered", 0, "total originate attempts for the run (0 = none issued)")
	fs.DurationVar(&duration, "duration", 0, "per-call hold duration before autohangup; derived from rate/limit if unset")
	fs.StringVar(&cfg.App, "app", "", "registered post-connect app id")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", "", "path to write the CDR CSV on exit (empty disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Hosts = fs.Args()
	cfg.Rate, cfg.Limit, cfg.MaxOffered, cfg.Duration = rate, limit, maxOffered, duration

	cfg.Password = envOr("SWITCHIO_PASSWORD", "ClueCon")
	if v := os.Getenv("SWITCHIO_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rate = f
		}
	}
	if v := os.Getenv("SWITCHIO_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limit = n
		}
	}
	if v := os.Getenv("SWITCHIO_MAX_OFFERED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOffered = n
		}
	}
	if v := os.Getenv("SWITCHIO_APP"); v != "" {
		cfg.App = v
	}

	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("dial: at least one HOST is required")
	}
	if cfg.App == "" {
		return nil, fmt.Errorf("dial: --app is required")
	}
	return cfg, nil
}

// serveConfig holds the `serve` subcommand's configuration.
type serveConfig struct {
	Hosts    []string
	Password string
	App      string
}

func loadServeConfig(args []string) (*serveConfig, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)

	cfg := &serveConfig{}
	fs.StringVar(&cfg.App, "app", "", "registered app id (see list-apps)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Hosts = fs.Args()
	cfg.Password = envOr("SWITCHIO_PASSWORD", "ClueCon")

	if v := os.Getenv("SWITCHIO_APP"); v != "" {
		cfg.App = v
	}

	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("serve: at least one HOST is required")
	}
	if cfg.App == "" {
		return nil, fmt.Errorf("serve: --app is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitHosts parses a comma-separated HOSTS list, in case callers pass
// a single flattened argument instead of N positional ones.
func splitHosts(args []string) []string {
	if len(args) == 1 && strings.Contains(args[0], ",") {
		parts := strings.Split(args[0], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return args
}
