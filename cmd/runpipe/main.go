package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fogfactory/runpipe"
	"github.com/fogfactory/runpipe/internal/logging"
	"github.com/fogfactory/runpipe/internal/simulate"
	"github.com/fogfactory/runpipe/perf"
	"github.com/fogfactory/runpipe/resource"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

var version = "dev"

const (
	_ = iota
	exitLoggingFailed
	exitDotenvError
	exitLoadConfigurationFileFailed
	exitEnvironmentInvalid
	exitSetupFailed
	exitRunsFailed
	exitOutputFailed
)

var (
	configFile     string
	tasks          int
	slides         int
	inFlight       int
	deadline       time.Duration
	latency        time.Duration
	failureRate    float64
	seed           uint64
	clientsMax     int
	outputFormat   string
	metricsAddress string
	linger         time.Duration
	loggingType    string
	logLevel       string
	showVersion    bool
)

func init() {
	flag.StringVar(
		&configFile,
		"config",
		"",
		"step pools YAML file (defaults apply to every step when empty)")
	flag.IntVar(
		&tasks,
		"tasks",
		20,
		"number of tasks in the batch")
	flag.IntVar(
		&slides,
		"slides",
		5,
		"number of slides per task")
	flag.IntVar(
		&inFlight,
		"in-flight",
		0,
		"max runs in flight (0 = all at once)")
	flag.DurationVar(
		&deadline,
		"deadline",
		0,
		"deadline of the whole batch (0 = none)")
	flag.DurationVar(
		&latency,
		"latency",
		20*time.Millisecond,
		"mean latency of a call to the simulated service")
	flag.Float64Var(
		&failureRate,
		"failure-rate",
		0.02,
		"probability that a call to the simulated service fails")
	flag.Uint64Var(
		&seed,
		"seed",
		1,
		"seed of the simulated service")
	flag.IntVar(
		&clientsMax,
		"clients",
		resource.DefaultConfig().MaxSize,
		"max number of simultaneous service sessions")
	flag.StringVar(
		&outputFormat,
		"output",
		formatJSON,
		"report format: json or yaml")
	flag.StringVar(
		&metricsAddress,
		"metrics-address",
		"",
		"serve prometheus metrics on this address, e.g. :9090")
	flag.DurationVar(
		&linger,
		"linger",
		0,
		"keep serving metrics for this long after the batch")
	flag.StringVar(
		&loggingType,
		"logging-type",
		logging.Tint,
		"logging type: json, text or tint")
	flag.StringVar(
		&logLevel,
		"log-level",
		"info",
		"logging level: debug, info, warn, error")
	flag.BoolVar(
		&showVersion,
		"version",
		false,
		"print version and exit")
}

func main() {
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := logging.Initialize(loggingType, logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitLoggingFailed)
	}

	includeEnv()
	cfg := loadConfiguration()
	settings, clientsCfg := loadSimulation()

	svc, err := simulate.NewService(settings)
	if err != nil {
		slog.Error("invalid simulation settings", "error", err)
		os.Exit(exitSetupFailed)
	}
	clients, err := resource.New(clientsCfg, svc.Connect,
		resource.WithDestroy(svc.Disconnect),
		resource.WithValidator(func(ctx context.Context, s *simulate.Session) error { return s.Ping(ctx) }),
		resource.WithLogger[*simulate.Session](slog.Default().With("pool", "clients")))
	if err != nil {
		slog.Error("failed to create client pool", "error", err)
		os.Exit(exitSetupFailed)
	}
	defer clients.Close()

	registry, err := runpipe.NewRegistry(cfg, runpipe.WithRegistryLogger(slog.Default()))
	if err != nil {
		slog.Error("failed to create pool registry", "error", err)
		os.Exit(exitSetupFailed)
	}
	defer registry.Close()

	observer := runpipe.NewStepObserver()
	recorder := perf.NewRecorder(perf.WithObserver(observer.Observe))
	stop := serveMetrics(registry, observer)
	defer stop()

	steps, err := simulate.Workflow(registry, clients)
	if err != nil {
		slog.Error("failed to build workflow", "error", err)
		os.Exit(exitSetupFailed)
	}
	pipeline, err := runpipe.NewPipeline(registry, steps, runpipe.WithRecorder(recorder))
	if err != nil {
		slog.Error("invalid pipeline", "error", err)
		os.Exit(exitSetupFailed)
	}

	results := runBatch(pipeline)

	r := buildReport(results, pipeline.Aggregate(results...), registry.Status(), clients.Stats(), svc.Calls())
	if err := writeReport(os.Stdout, outputFormat, r); err != nil {
		slog.Error("failed to write report", "error", err)
		os.Exit(exitOutputFailed)
	}

	if linger > 0 && metricsAddress != "" {
		slog.Info("serving metrics", "address", metricsAddress, "for", linger)
		time.Sleep(linger)
	}
	if r.Failed > 0 {
		slog.Warn("some runs failed", "failed", r.Failed, "runs", r.Runs)
		stop()
		clients.Close()
		registry.Close()
		os.Exit(exitRunsFailed)
	}
	slog.Info("done", "runs", r.Runs)
}

func runBatch(pipeline *runpipe.Pipeline[simulate.Task]) []runpipe.Result[simulate.Task] {
	ctx := context.Background()
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	initials := lo.Map(simulate.Tasks(tasks, slides), func(t simulate.Task, _ int) runpipe.RunContext[simulate.Task] {
		return runpipe.NewRunContext(t)
	})
	slog.Info("starting batch", "tasks", len(initials), "slides", slides, "in_flight", inFlight)
	start := time.Now()
	results := runpipe.RunBatch(ctx, pipeline, initials, inFlight)
	slog.Info("batch finished", "duration", time.Since(start))
	return results
}

func includeEnv() {
	err := godotenv.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to load .env", "error", err)
			os.Exit(exitDotenvError)
		}
		slog.Debug("no .env file found")
	} else {
		slog.Info("using .env file")
	}
}

func loadConfiguration() runpipe.Config {
	cfg := runpipe.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = runpipe.LoadConfig(configFile)
		if err != nil {
			slog.Error("failed to load configuration", "filename", configFile, "error", err)
			os.Exit(exitLoadConfigurationFileFailed)
		}
	}

	cfg, err := applyEnv(cfg, append(simulate.StepNames, simulate.RenderSlidePool))
	if err != nil {
		slog.Error("invalid environment", "error", err)
		os.Exit(exitEnvironmentInvalid)
	}
	return cfg
}

func loadSimulation() (simulate.Settings, resource.Config) {
	settings, err := settingsFromEnv(simulate.Settings{Latency: latency, FailureRate: failureRate, Seed: seed})
	if err != nil {
		slog.Error("invalid environment", "error", err)
		os.Exit(exitEnvironmentInvalid)
	}
	clientsCfg := resource.DefaultConfig()
	clientsCfg.MaxSize = clientsMax
	clientsCfg.ValidateOnBorrow = true
	clientsCfg, err = clientsFromEnv(clientsCfg)
	if err != nil {
		slog.Error("invalid environment", "error", err)
		os.Exit(exitEnvironmentInvalid)
	}
	return settings, clientsCfg
}

// serveMetrics exposes the pool gauges and step durations when -metrics-address is set.
func serveMetrics(registry *runpipe.Registry, observer *runpipe.StepObserver) func() {
	if metricsAddress == "" {
		return func() {}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(runpipe.NewCollector(registry), observer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("metrics available", "address", metricsAddress)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
