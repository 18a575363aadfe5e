// Command rampart is a horizontally scalable caching reverse proxy.
// Instances share a distributed cache cluster so that a traffic spike
// for one URL reaches the origin roughly once.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/lovell/rampart/pkg/cache"
	"github.com/lovell/rampart/pkg/config"
	"github.com/lovell/rampart/pkg/logging"
	"github.com/lovell/rampart/pkg/metrics"
	"github.com/lovell/rampart/pkg/proxy"
	"github.com/lovell/rampart/pkg/urlkey"
)

func main() {
	app := cli.NewApp()
	app.Name = "rampart"
	app.Usage = "caching reverse proxy with distributed dogpile suppression"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "upstream",
			Usage: "origin base URL as host:port/path (required)",
		},
		cli.StringFlag{
			Name:  "memcached",
			Usage: "comma-separated memcached cluster nodes",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "cache backend: memcached or redis",
		},
		cli.StringFlag{
			Name:  "redis",
			Usage: "redis address when --backend redis",
		},
		cli.IntFlag{
			Name:  "port",
			Usage: "reverse proxy listen port",
		},
		cli.IntFlag{
			Name:  "metrics",
			Usage: "metrics listen port (disabled when unset)",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "path to YAML config file",
		},
		cli.StringSliceFlag{
			Name:  "remove-key",
			Usage: "query parameter key to strip during canonicalisation (repeatable)",
		},
		cli.DurationFlag{
			Name:  "origin-timeout",
			Usage: "origin fetch timeout",
		},
		cli.DurationFlag{
			Name:  "lock-ttl",
			Usage: "dogpile lock expiry (0 relies on cache eviction)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "minimum log level: debug, info, warn, error",
		},
		cli.BoolFlag{
			Name:  "pretty",
			Usage: "human-readable console logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger := logging.Init(cfg.LogLevel, cfg.Pretty, os.Stderr)

	canon, err := urlkey.NewCanonicaliser(cfg.Upstream, cfg.RemoveKeys)
	if err != nil {
		return fmt.Errorf("configuration: upstream %q: %v", cfg.Upstream, err)
	}

	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	go logFailures(store)

	counters := &metrics.Counters{}
	handler := proxy.NewHandler(proxy.Config{
		Cache:         store,
		Canonicaliser: canon,
		Counters:      counters,
		OriginTimeout: cfg.OriginTimeout,
		LockTTL:       cfg.LockTTL,
	})

	// Bind before serving so port conflicts abort with a non-zero
	// exit rather than a running half-configured process.
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("configuration: listen: %w", err)
	}

	server := &http.Server{Handler: handler}
	serveErr := make(chan error, 2)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info().
		Int("port", cfg.Port).
		Str("upstream", canon.Host()).
		Str("backend", cfg.Backend).
		Msg("Proxy listening")

	var metricsServer *http.Server
	if cfg.MetricsPort != 0 {
		metricsListener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.MetricsPort))
		if err != nil {
			return fmt.Errorf("configuration: metrics listen: %w", err)
		}
		metricsServer = &http.Server{Handler: metrics.Handler(counters)}
		go func() {
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		logger.Info().Int("port", cfg.MetricsPort).Msg("Metrics listening")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	return server.Shutdown(ctx)
}

// resolveConfig layers the YAML file (when given) over the defaults,
// then explicit flags over both.
func resolveConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()

	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("configuration: %w", err)
		}
		cfg = loaded
	}

	if v := c.String("upstream"); v != "" {
		cfg.Upstream = v
	}
	if v := c.String("memcached"); v != "" {
		cfg.Memcached = splitNodes(v)
	}
	if v := c.String("backend"); v != "" {
		cfg.Backend = v
	}
	if v := c.String("redis"); v != "" {
		cfg.Redis = v
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("metrics") {
		cfg.MetricsPort = c.Int("metrics")
	}
	if v := c.StringSlice("remove-key"); len(v) > 0 {
		cfg.RemoveKeys = v
	}
	if c.IsSet("origin-timeout") {
		cfg.OriginTimeout = c.Duration("origin-timeout")
	}
	if c.IsSet("lock-ttl") {
		cfg.LockTTL = c.Duration("lock-ttl")
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if c.Bool("pretty") {
		cfg.Pretty = true
	}

	return cfg, nil
}

func splitNodes(list string) []string {
	parts := strings.Split(list, ",")
	nodes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

func openCache(cfg config.Config) (cache.Cache, error) {
	logger := logging.Component("cache")

	switch cfg.Backend {
	case config.BackendRedis:
		store := cache.NewRedis(cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis).Msg("Redis unreachable at startup, continuing degraded")
		}
		return store, nil

	default:
		store := cache.NewMemcached(cfg.Memcached, time.Second)
		if err := store.Ping(); err != nil {
			logger.Warn().Err(err).Strs("nodes", cfg.Memcached).Msg("Memcached unreachable at startup, continuing degraded")
		}
		return store, nil
	}
}

// logFailures drains node-failure events from the cache backend. The
// cache is advisory, so failures are logged and nothing else.
func logFailures(store cache.Cache) {
	logger := logging.Component("cache")
	for event := range store.Failures() {
		logger.Error().Err(event.Err).Str("op", event.Op).Msg("Cache node failure")
	}
}
