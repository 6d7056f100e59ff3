package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/openoa/devserver/internal/config"
	"github.com/openoa/devserver/internal/health"
	"github.com/openoa/devserver/internal/k8s"
	"github.com/openoa/devserver/internal/proxy"
	"github.com/openoa/devserver/internal/server"
	"github.com/openoa/devserver/internal/sse"
	"github.com/openoa/devserver/internal/state"
)

const (
	defaultConfigFile = "devserver.yaml"
	shutdownTimeout   = 10 * time.Second
	k8sSyncTimeout    = 5 * time.Second
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// options holds process-level settings from flags and environment.
type options struct {
	ShowVersion bool
	ConfigFile  string
	ListenAddr  string
	LogFormat   string
	LogLevel    slog.Level
	Kubeconfig  string
	Watch       bool
}

func main() {
	opts, err := loadOptions(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Printf("devserver version %s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, setupLogger(opts.LogFormat, opts.LogLevel, os.Stdout)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadOptions parses flags and environment variables with precedence: Flag > Env > Default.
func loadOptions(args []string) (options, error) {
	fs := pflag.NewFlagSet("devserver", pflag.ContinueOnError)

	opts := options{}
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	fs.StringVarP(&opts.ConfigFile, "config", "c", getEnv("CONFIG_FILE", defaultConfigFile), "path to YAML config file")
	fs.StringVar(&opts.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ""), "listen address, overrides server.listen")
	fs.StringVar(&opts.LogFormat, "log-format", getEnv("LOG_FORMAT", "json"), "log format (json or text)")
	logLevel := fs.String("log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fs.StringVar(&opts.Kubeconfig, "kubeconfig", getEnv("KUBECONFIG", ""), "path to kubeconfig for k8s:// targets, in-cluster config when empty")
	fs.BoolVar(&opts.Watch, "watch", getEnvBool("WATCH_CONFIG", true), "reload the config file when it changes")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.LogFormat != "json" && opts.LogFormat != "text" {
		return options{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", opts.LogFormat)
	}
	if err := opts.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return options{}, fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}

	return opts, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func setupLogger(format string, level slog.Level, writer io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	}
	return slog.New(handler)
}

// loadAppConfig loads the YAML config, falling back to the built-in default
// when the file cannot be parsed. The load errors are returned for display.
func loadAppConfig(path string, logger *slog.Logger) (*config.Config, []error) {
	cfg, errs := config.Load(path)
	for _, e := range errs {
		if cfg == nil {
			logger.Error("Config parse failed, continuing with defaults", "path", path, "error", e)
		} else {
			logger.Warn("Config validation warning", "path", path, "error", e)
		}
	}
	if cfg == nil {
		return config.Default(), errs
	}
	return cfg, errs
}

// storeConfigErrors converts config and rule errors to strings for the status endpoints.
func storeConfigErrors(store *state.Store, errs ...[]error) {
	var strs []string
	for _, group := range errs {
		for _, e := range group {
			strs = append(strs, e.Error())
		}
	}
	store.SetConfigErrors(strs)
}

// withOverrides applies process flags on top of a loaded config without
// mutating it.
func withOverrides(cfg *config.Config, opts options) *config.Config {
	if opts.ListenAddr == "" || opts.ListenAddr == cfg.Server.Listen {
		return cfg
	}
	c := *cfg
	c.Server.Listen = opts.ListenAddr
	return &c
}

func buildTable(cfg *config.Config, logger *slog.Logger) (*proxy.Table, []error) {
	table, errs := proxy.NewTable(cfg.Server.Proxy)
	for _, e := range errs {
		logger.Warn("Proxy rule skipped", "error", e)
	}
	return table, errs
}

// startResolver connects to the cluster for k8s:// targets. A nil resolver
// is returned when the cluster is unreachable; those rules then answer 502.
func startResolver(ctx context.Context, kubeconfig string, logger *slog.Logger) proxy.TargetResolver {
	clientset, err := k8s.BuildClientset(kubeconfig)
	if err != nil {
		logger.Warn("k8s targets disabled: failed to build client", "error", err)
		return nil
	}
	resolver := k8s.NewEndpointResolver(clientset, logger)
	resolver.Start(ctx)

	syncCtx, cancel := context.WithTimeout(ctx, k8sSyncTimeout)
	defer cancel()
	if !resolver.WaitForSync(syncCtx) {
		logger.Warn("timed out waiting for k8s EndpointSlice sync")
	}
	return resolver
}

func newProbeClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{
		Transport: transport,
		// Redirects are responses too; the first hop decides reachability.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// run starts the server and handles graceful shutdown.
func run(ctx context.Context, opts options, logger *slog.Logger) error {
	slog.SetDefault(logger)
	logger.Info("Starting devserver", "version", Version, "config", opts.ConfigFile)

	loaded, configErrs := loadAppConfig(opts.ConfigFile, logger)
	cfg := withOverrides(loaded, opts)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	table, ruleErrs := buildTable(cfg, logger)

	var resolver proxy.TargetResolver
	if table.HasDynamicTargets() {
		resolver = startResolver(ctx, opts.Kubeconfig, logger)
	}

	plugins, err := server.BuildPlugins(cfg.Plugins)
	if err != nil {
		return fmt.Errorf("failed to build plugins: %w", err)
	}
	frontend, err := server.NewFrontend(cfg.Server, plugins, logger)
	if err != nil {
		return fmt.Errorf("failed to create front-end handler: %w", err)
	}

	router := proxy.NewRouter(table, frontend,
		proxy.WithLogger(logger),
		proxy.WithMetrics(proxy.NewMetrics(reg)),
		proxy.WithResolver(resolver),
	)

	store := state.NewStore()
	store.Replace(health.Targets(table))
	storeConfigErrors(store, configErrs, ruleErrs)
	broker := sse.NewBroker(store, logger, Version)
	checker := health.NewChecker(store, newProbeClient(), health.Options{
		Interval: cfg.Health.IntervalDuration(),
		Timeout:  cfg.Health.TimeoutDuration(),
		Path:     cfg.Health.Path,
		Resolver: resolver,
	}, logger)

	srv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: server.NewHandler(router, server.Internal{
			Metrics: reg,
			Status:  health.StatusHandler(store),
			Events:  broker,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Listening (HTTP)",
			"addr", cfg.Server.Listen,
			"base", cfg.Server.Base,
			"rules", table.Len(),
			"plugins", len(plugins))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("Connections drained")
		return nil
	})

	g.Go(func() error {
		checker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		broker.Run(gctx)
		return nil
	})

	if opts.Watch {
		rl := &reloader{
			opts:        opts,
			current:     cfg,
			router:      router,
			store:       store,
			hasResolver: resolver != nil,
			logger:      logger,
		}
		watcher := config.NewWatcher(opts.ConfigFile, rl.apply, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
				logger.Warn("config watcher stopped with error", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// reloader applies config file changes to the running server. The watcher
// invokes apply serially, so current needs no locking.
type reloader struct {
	opts        options
	current     *config.Config
	router      *proxy.Router
	store       *state.Store
	hasResolver bool
	logger      *slog.Logger
}

func (r *reloader) apply(newCfg *config.Config, errs []error) {
	for _, e := range errs {
		if newCfg == nil {
			r.logger.Error("Config reload parse failed, keeping previous config", "error", e)
		} else {
			r.logger.Warn("Config reload validation warning", "error", e)
		}
	}
	if newCfg == nil {
		storeConfigErrors(r.store, errs)
		return
	}
	newCfg = withOverrides(newCfg, r.opts)

	table, ruleErrs := buildTable(newCfg, r.logger)
	storeConfigErrors(r.store, errs, ruleErrs)
	if table.HasDynamicTargets() && !r.hasResolver {
		r.logger.Warn("k8s targets need a restart to enable the endpoint resolver")
	}
	r.router.Swap(table)
	r.store.Replace(health.Targets(table))

	diff := config.DiffProxy(r.current, newCfg)
	r.logger.Info("Config reloaded",
		"rules", table.Len(),
		"added", diff.Added,
		"removed", diff.Removed,
		"updated", diff.Updated)
	if fields := config.RestartRequired(r.current, newCfg); len(fields) > 0 {
		r.logger.Warn("Config changes take effect after restart", "fields", fields)
	}
	r.current = newCfg
}
