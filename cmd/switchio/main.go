// Command switchio is a thin CLI over the esl/originator core: it dials
// one or more FreeSWITCH engines, configures either a burst Originator
// or a Router-backed Application, and runs until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/switchio/switchio/esl"
	"github.com/switchio/switchio/originator"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: switchio <dial|serve|list-apps> [flags] HOSTS...")
		return 1
	}

	switch args[0] {
	case "list-apps":
		for _, id := range listAppIDs() {
			fmt.Println(id)
		}
		return 0

	case "dial":
		return runDial(args[1:], log)

	case "serve":
		return runServe(args[1:], log)

	default:
		fmt.Fprintf(os.Stderr, "switchio: unknown subcommand %q\n", args[0])
		return 1
	}
}

func runDial(args []string, log *slog.Logger) int {
	cfg, err := loadDialConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchio:", err)
		return 1
	}

	factory, ok := lookupApp(cfg.App)
	if !ok {
		fmt.Fprintf(os.Stderr, "switchio: unknown app %q (see list-apps)\n", cfg.App)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := dialPool(ctx, splitHosts(cfg.Hosts), cfg.Password, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchio:", err)
		return 2
	}
	defer hangUpAndClose(pool)

	dest := cfg.Proxy
	if dest == "" {
		dest = "sofia/internal/1000@127.0.0.1"
	}

	orig := originator.New(pool, esl.OriginateRequest{
		Destination: dest,
		App:         cfg.App,
		Timeout:     30 * time.Second,
	}, originator.Config{
		Rate:       cfg.Rate,
		Limit:      cfg.Limit,
		MaxOffered: cfg.MaxOffered,
		Duration:   cfg.Duration,
		Autohangup: true,
	}, log)

	if err := orig.AttachApp(ctx, factory(log)); err != nil {
		fmt.Fprintln(os.Stderr, "switchio: load app:", err)
		return 1
	}
	if err := orig.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "switchio: start:", err)
		return 1
	}

	log.Info("dial started",
		slog.Any("hosts", cfg.Hosts),
		slog.Float64("rate", cfg.Rate),
		slog.Int("limit", cfg.Limit),
		slog.Int("max_offered", cfg.MaxOffered),
	)

	awaitSignal(log)
	orig.Stop()

	if cfg.MetricsFile != "" {
		if err := flushMetrics(orig, cfg.MetricsFile); err != nil {
			log.Error("switchio: flush metrics failed", slog.String("err", err.Error()))
		}
	}

	return 0
}

func runServe(args []string, log *slog.Logger) int {
	cfg, err := loadServeConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchio:", err)
		return 1
	}

	factory, ok := lookupApp(cfg.App)
	if !ok {
		fmt.Fprintf(os.Stderr, "switchio: unknown app %q (see list-apps)\n", cfg.App)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := dialPool(ctx, splitHosts(cfg.Hosts), cfg.Password, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchio:", err)
		return 2
	}
	defer pool.UnloadApp(cfg.App)

	if err := pool.LoadApp(ctx, factory(log)); err != nil {
		fmt.Fprintln(os.Stderr, "switchio: load app:", err)
		return 1
	}

	log.Info("serve started", slog.Any("hosts", cfg.Hosts), slog.String("app", cfg.App))
	awaitSignal(log)

	return 0
}

// dialPool connects a Client to every host and aggregates them into a
// Pool. It returns an error only when every host failed to connect; a
// partially-reachable set still runs, degraded.
func dialPool(ctx context.Context, hosts []string, password string, log *slog.Logger) (*esl.Pool, error) {
	pool := esl.NewPool()

	var lastErr error
	for _, host := range hosts {
		dialCtx, cancel := context.WithTimeout(ctx, esl.DialTimeout)
		client, err := esl.Dial(dialCtx, host, password, esl.WithLogger(log))
		cancel()
		if err != nil {
			log.Error("switchio: dial failed", slog.String("host", host), slog.String("err", err.Error()))
			lastErr = err
			continue
		}
		pool.Add(client)
	}

	if pool.Len() == 0 {
		return nil, fmt.Errorf("could not connect to any of %v: %w", hosts, lastErr)
	}
	return pool, nil
}

func hangUpAndClose(pool *esl.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = pool.Hupall(ctx, "NORMAL_CLEARING")
	for _, c := range pool.Clients() {
		c.Close()
	}
}

func awaitSignal(log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("switchio: received signal, shutting down", slog.String("signal", sig.String()))
}

func flushMetrics(orig *originator.Originator, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return orig.CDRs().WriteCSV(f)
}
