// Command pollster submits jobs to a backend, waits for them and prints the
// outcomes and a metrics summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	gometrics "github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	bedrock "github.com/yirzhou/bedrock"

	"github.com/yirzhou/pollster"
	"github.com/yirzhou/pollster/simulator"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pollster:", err)
		os.Exit(1)
	}
}

type jobOutput struct {
	JobID   string `json:"job_id,omitempty"`
	Result  string `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type output struct {
	Jobs    []jobOutput      `json:"jobs"`
	Metrics pollster.Summary `json:"metrics"`
}

func run(args []string) error {
	fs := pflag.NewFlagSet("pollster", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML config file")
	baseURL := fs.String("base-url", "", "backend base URL (overrides the config file)")
	simulate := fs.Bool("simulate", false, "run against an in-process simulated backend")
	jobs := fs.IntP("jobs", "n", 1, "number of jobs to submit")
	concurrency := fs.Int("concurrency", 4, "maximum jobs in flight")
	auditFile := fs.String("audit-file", "", "append audit events to this file as JSON lines")
	storeDir := fs.String("store-dir", "", "persist job records and audit trails in a Bedrock store in this directory")
	logLevel := fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	backoffUnit := fs.Duration("backoff-unit", time.Second, "length of one poll backoff unit")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	statsdAddr := fs.String("statsd-addr", "", "also send job metrics to this statsd address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobs < 1 {
		return fmt.Errorf("--jobs must be at least 1, got %d", *jobs)
	}
	if *concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1, got %d", *concurrency)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "pollster",
		Level:  hclog.LevelFromString(*logLevel),
		Output: os.Stderr,
	})

	cfg := pollster.Config{
		Job:       pollster.DefaultJobConfig(),
		RateLimit: pollster.DefaultRateLimitConfig(),
	}
	if *configPath != "" {
		loaded, err := pollster.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *simulate {
		sim := simulator.New(
			simulator.WithDelay(2*time.Second, 5*time.Second),
			simulator.WithErrorProbability(0.05),
			simulator.WithLogger(logger.Named("simulator")),
		)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		srv := &http.Server{Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("simulator stopped", "error", err)
			}
		}()
		defer srv.Close()
		cfg.BaseURL = "http://" + ln.Addr().String()
		logger.Info("simulator listening", "url", cfg.BaseURL)
	}
	if cfg.BaseURL == "" {
		return errors.New("no backend: set --base-url, base_url in the config file, or --simulate")
	}

	limiter, err := pollster.NewRateLimiter(cfg.RateLimit.MaxCalls, cfg.RateLimit.Period)
	if err != nil {
		return err
	}

	var metricsOpts []pollster.MetricsOption
	if *statsdAddr != "" {
		sink, err := gometrics.NewStatsdSink(*statsdAddr)
		if err != nil {
			return fmt.Errorf("statsd sink: %w", err)
		}
		defer sink.Shutdown()
		conf := gometrics.DefaultConfig("pollster")
		conf.EnableRuntimeMetrics = false
		m, err := gometrics.New(conf, sink)
		if err != nil {
			return err
		}
		metricsOpts = append(metricsOpts, pollster.WithMetricsSink(m))
	}
	agg := pollster.NewMetricsAggregator(metricsOpts...)

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(pollster.NewMetricsCollector(agg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	opts := []pollster.Option{
		pollster.WithLogger(logger),
		pollster.WithRateLimiter(limiter),
		pollster.WithMetrics(agg),
		pollster.WithBackoffUnit(*backoffUnit),
		pollster.WithDefaultJobConfig(cfg.Job),
	}

	var sinks pollster.MultiSink
	if *auditFile != "" {
		f, err := os.OpenFile(*auditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, pollster.NewJSONLineSink(f))
	} else {
		sinks = append(sinks, pollster.NewLoggerSink(logger))
	}
	opts = append(opts, pollster.WithAuditSink(sinks))

	if *storeDir != "" {
		db, err := bedrock.Open(bedrock.NewDefaultConfiguration().WithBaseDir(*storeDir))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer closeStore(db, logger)
		opts = append(opts, pollster.WithStore(pollster.NewStore(db)))
	}

	client, err := pollster.New(pollster.NewHTTPBackend(cfg.BaseURL, nil), opts...)
	if err != nil {
		return err
	}

	configs := make([]pollster.JobConfig, *jobs)
	for i := range configs {
		configs[i] = cfg.Job
	}
	outcomes := pollster.NewRunner(client, *concurrency).Run(ctx, configs)

	out := output{Jobs: make([]jobOutput, len(outcomes)), Metrics: client.Metrics().Summary()}
	failed := 0
	for i, o := range outcomes {
		jo := jobOutput{JobID: string(o.Handle)}
		if o.Result != nil {
			jo.Result = string(o.Result.Result)
			jo.Message = o.Result.Message
		}
		if o.Err != nil {
			jo.Error = o.Err.Error()
			failed++
		}
		out.Jobs[i] = jo
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(outcomes))
	}
	return nil
}

// closeStore flushes and closes the store on exit if it supports closing.
func closeStore(db any, logger hclog.Logger) {
	c, ok := db.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("closing store failed", "error", err)
	}
}
