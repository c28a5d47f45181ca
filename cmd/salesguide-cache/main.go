// Command salesguide-cache is the composition root for the sales-cycle
// guide's content cache engine: it wires the engine, durable store and
// sync channel together and exposes fetch, invalidate, prune and watch
// operations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	salescache "github.com/ebleck55/uipath-sales-cycle-guide-sub002"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/broadcast"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/bus"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/content"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/durable"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/engine"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/telemetry"
)

type cli struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	BaseURL   string `help:"Base URL serving the content JSON documents." default:"http://localhost:8000/data"`
	CachePath string `help:"Path to the durable cache database." default:"./salescache.db" type:"path"`
	SyncSlot  string `help:"Path to the shared sync slot file for cross-context updates." optional:"" type:"path"`

	CacheTTL      time.Duration `help:"Default TTL for cached entries." default:"15m"`
	CacheSize     int           `help:"Maximum number of in-memory cache entries." default:"50"`
	RetryAttempts int           `help:"Total loader attempts per load." default:"3"`
	RetryDelay    time.Duration `help:"Backoff base delay between retries." default:"1s"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." optional:""`

	Fetch      fetchCmd      `cmd:"" help:"Load one content document through the cache engine and print it."`
	Invalidate invalidateCmd `cmd:"" help:"Invalidate cached and durable entries and announce the change."`
	Prune      pruneCmd      `cmd:"" help:"Remove durable fallback records older than a cutoff."`
	Watch      watchCmd      `cmd:"" help:"Subscribe to engine events and serve Prometheus metrics."`
}

// app carries the wired singletons into command Run methods. One engine
// per process; collaborators receive it by reference.
type app struct {
	logger  *slog.Logger
	engine  *engine.Engine
	library *content.Library
	store   *durable.BoltStore
	slot    *broadcast.SlotChannel
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("salesguide-cache"),
		kong.Description("Content cache and sync engine for the sales-cycle guide."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(&flags, kctx))
}

func run(flags *cli, kctx *kong.Context) error {
	logger, err := newLogger(flags)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "salesguide-cache",
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	store, err := durable.OpenBolt(flags.CachePath, durable.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening durable store: %w", err)
	}
	defer store.Close()

	engOpts := []engine.Option{engine.WithDurable(store)}

	var slot *broadcast.SlotChannel
	if flags.SyncSlot != "" {
		slot = broadcast.NewSlot(flags.SyncSlot, broadcast.WithSlotLogger(logger))
		defer slot.Close()
		engOpts = append(engOpts, engine.WithBroadcast(slot))
	}

	eng := engine.New(engine.Config{
		CacheTTL:       flags.CacheTTL,
		MaxCacheSize:   flags.CacheSize,
		RetryAttempts:  flags.RetryAttempts,
		RetryBaseDelay: flags.RetryDelay,
		Logger:         logger,
	}, engOpts...)
	defer eng.Close()

	return kctx.Run(&app{
		logger:  logger,
		engine:  eng,
		library: content.NewLibrary(content.NewClient(flags.BaseURL), eng),
		store:   store,
		slot:    slot,
	})
}

func newLogger(flags *cli) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
	return slog.New(handler), nil
}

type fetchCmd struct {
	Document string `arg:"" help:"Document to load (resources, personas, use-cases)." enum:"resources,personas,use-cases"`
	Industry string `help:"Filter by industry." optional:""`
	Persona  string `help:"Filter by persona ID." optional:""`
	Stage    string `help:"Filter by sales stage." optional:""`
	Tags     []string `help:"Filter by tags (all must match)." optional:""`
}

func (c *fetchCmd) Run(a *app) error {
	ctx := context.Background()
	filter := content.Filter{
		Industry: c.Industry,
		Persona:  c.Persona,
		Stage:    c.Stage,
		Tags:     c.Tags,
	}

	var (
		out any
		err error
	)
	switch c.Document {
	case content.DocResources:
		out, err = a.library.Resources(ctx, filter)
	case content.DocPersonas:
		out, err = a.library.Personas(ctx, filter)
	case content.DocUseCases:
		out, err = a.library.UseCases(ctx, filter)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type invalidateCmd struct {
	Key     string `arg:"" optional:"" help:"Exact cache key to invalidate."`
	Pattern string `help:"Regular expression matching keys to invalidate." optional:""`
	All     bool   `help:"Invalidate everything." optional:""`
}

func (c *invalidateCmd) Run(a *app) error {
	ctx := context.Background()

	switch {
	case c.All:
		a.engine.Clear(ctx)
	case c.Pattern != "":
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		a.engine.InvalidatePattern(ctx, re)
	case c.Key != "":
		a.engine.Invalidate(ctx, salescache.Key(c.Key))
		if err := a.store.Delete(ctx, c.Key); err != nil {
			return fmt.Errorf("deleting durable record: %w", err)
		}
	default:
		return fmt.Errorf("one of <key>, --pattern or --all is required")
	}

	// Other contexts learn about the invalidation over the sync channel,
	// best effort.
	if err := a.engine.Announce(ctx, "invalidate", map[string]string{
		"key": c.Key, "pattern": c.Pattern,
	}); err != nil {
		a.logger.Warn("announcing invalidation failed", "error", err)
	}
	return nil
}

type pruneCmd struct {
	OlderThan time.Duration `help:"Remove durable records older than this." default:"720h"`
}

func (c *pruneCmd) Run(a *app) error {
	removed, err := a.store.Prune(context.Background(), c.OlderThan)
	if err != nil {
		return err
	}
	a.logger.Info("prune complete", "removed", removed)
	return nil
}

type watchCmd struct {
	MetricsAddr  string        `help:"Address to serve /metrics on." default:":9464"`
	PollInterval time.Duration `help:"How often to check the sync slot for external updates." default:"250ms"`
}

func (c *watchCmd) Run(a *app) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		a.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	unsubscribe := a.engine.Subscribe(func(ev bus.Event) {
		a.logger.Info("engine event",
			"type", string(ev.Type),
			"key", ev.Key,
		)
	})
	defer unsubscribe()

	// The slot file has no push notification outside the browser, so the
	// watcher acts as the host's change signal.
	if a.slot != nil {
		go func() {
			ticker := time.NewTicker(c.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.slot.Notify()
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("watching", "metrics_addr", c.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
