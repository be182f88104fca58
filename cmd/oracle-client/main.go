package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/StrathCole/oracle-client/pkg/alerts"
	"github.com/StrathCole/oracle-client/pkg/api"
	"github.com/StrathCole/oracle-client/pkg/cache"
	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/failover"
	"github.com/StrathCole/oracle-client/pkg/health"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/retry"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/version"
	"github.com/StrathCole/oracle-client/pkg/volatility"

	// Import sources to register them
	_ "github.com/StrathCole/oracle-client/pkg/sources/dex"
	_ "github.com/StrathCole/oracle-client/pkg/sources/oracle"
	_ "github.com/StrathCole/oracle-client/pkg/sources/rest"
)

var (
	configFile = flag.String("config", "config/config.yaml", "Path to configuration file")
	showVer    = flag.Bool("version", false, "Show version and exit")
	query      = flag.String("query", "", "Fetch comma-separated symbols once, print JSON and exit")
	freshness  = flag.Duration("freshness", 0, "Maximum quote age for -query")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("oracle-client version %s\n", version.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *query != "" {
		if err := runQuery(ctx, cfg, logger, *query, *freshness); err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("Starting oracle-client", "version", version.Version, "sources", len(cfg.Sources), "enabled", len(cfg.EnabledSources()))

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metrics.ServeHTTP(cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- run(ctx, cfg, logger)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-errChan; err != nil {
			logger.Error("Shutdown failed", "error", err)
		}
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Oracle client failed", "error", err)
		}
	}

	logger.Info("Shutdown complete")
}

// stack is the wired price pipeline. Sources disabled in config are built
// and registered disabled so they can be switched on at runtime.
type stack struct {
	orchestrator *failover.Orchestrator
	sources      []sources.Source
	dispatcher   *alerts.Dispatcher
}

func (s *stack) close(logger *logging.Logger) {
	s.orchestrator.Stop()
	if err := s.dispatcher.Close(); err != nil {
		logger.Warn("Failed to close alert sinks", "error", err)
	}
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			logger.Warn("Failed to close source", "source", src.Descriptor().Name, "error", err)
		}
	}
}

func build(cfg *config.Config, logger *logging.Logger) (*stack, error) {
	var srcs []sources.Source
	for _, sc := range cfg.Sources {
		logger.Info("Initializing source", "kind", string(sc.Kind), "name", sc.Name, "priority", sc.Priority, "enabled", sc.Enabled)

		src, err := sources.Create(sc, logger)
		if err != nil {
			logger.Warn("Failed to create source", "kind", string(sc.Kind), "name", sc.Name, "error", err)
			continue
		}
		srcs = append(srcs, src)
		logger.Info("Source ready", "source", sc.Name, "symbols", src.Symbols())
	}
	if len(srcs) == 0 {
		return nil, errors.New("no sources available")
	}
	fail := func(err error) (*stack, error) {
		for _, src := range srcs {
			_ = src.Close()
		}
		return nil, err
	}

	clk := clock.Real{}
	ch, err := cache.New(cache.ConfigFrom(cfg.Cache), clk)
	if err != nil {
		return fail(fmt.Errorf("failed to create cache: %w", err))
	}

	monitor := volatility.NewMonitor(volatility.ConfigFrom(cfg.Volatility), clk, logger)
	sinks := []alerts.Sink{alerts.NewLogSink(logger)}
	if cfg.Alerts.Kafka.Enabled {
		kafkaSink, err := alerts.NewKafkaSink(cfg.Alerts.Kafka)
		if err != nil {
			return fail(fmt.Errorf("failed to create kafka sink: %w", err))
		}
		sinks = append(sinks, kafkaSink)
		logger.Info("Publishing alerts to Kafka", "brokers", cfg.Alerts.Kafka.Brokers, "topic", cfg.Alerts.Kafka.Topic)
	}
	dispatcher := alerts.NewDispatcher(logger, 256, sinks...)
	monitor.OnAlert(dispatcher.Handle)

	orch, err := failover.New(failover.ConfigFrom(cfg), srcs, failover.Components{
		Retry:    retry.NewController(retry.ConfigFrom(cfg.Retry), logger, retry.WithClock(clk)),
		Registry: health.NewRegistry(health.ConfigFrom(cfg.Health, cfg.Breaker), clk, logger),
		Cache:    ch,
		Monitor:  monitor,
		Clock:    clk,
	}, logger)
	if err != nil {
		_ = dispatcher.Close()
		return fail(fmt.Errorf("failed to create orchestrator: %w", err))
	}

	return &stack{orchestrator: orch, sources: srcs, dispatcher: dispatcher}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	st, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	orch := st.orchestrator
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	serverErr := make(chan error, 2)

	var httpServer *api.Server
	if cfg.Server.HTTP.Enabled {
		httpServer = api.NewServer(cfg.Server.HTTP.Addr, orch, orch.Monitor(), logger)
		go func() {
			serverErr <- httpServer.Start()
		}()
	}

	wsDone := make(chan struct{})
	if cfg.Server.WebSocket.Enabled {
		wsServer := api.NewWebSocketServer(cfg.Server.WebSocket.Addr, orch,
			cfg.Server.WebSocket.StreamInterval.ToDuration(), logger)
		orch.OnQuote(wsServer.Publish)
		go func() {
			defer close(wsDone)
			if err := wsServer.Start(ctx); err != nil {
				logger.Error("WebSocket server error", "error", err)
			}
		}()
	} else {
		close(wsDone)
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Failed to stop HTTP server", "error", err)
		}
	}
	<-wsDone
	return nil
}

// runQuery resolves symbols once without starting background tasks.
func runQuery(ctx context.Context, cfg *config.Config, logger *logging.Logger, symbols string, fresh time.Duration) error {
	st, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res := st.orchestrator.GetBatchPrices(ctx, failover.BatchRequest{
		Symbols:           strings.Split(symbols, ","),
		RequiredFreshness: fresh,
		IncludeVolatility: true,
	})

	out := map[string]interface{}{"quotes": res.Quotes}
	if len(res.Errors) > 0 {
		errs := make(map[string]string, len(res.Errors))
		for symbol, err := range res.Errors {
			errs[symbol] = err.Error()
		}
		out["errors"] = errs
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if len(res.Quotes) == 0 {
		return errors.New("no prices resolved")
	}
	return nil
}
