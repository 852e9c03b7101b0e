// Command durable-streams-server runs the Durable Streams Protocol as a
// standalone HTTP server, without Caddy. It exists alongside the Caddy
// plugin (cmd/caddy) as the reference server described in the protocol's
// external interfaces (§6) and its CLI surface (§A.3).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	durablestreams "github.com/durable-streams/server"
	"github.com/durable-streams/server/hooks"
	"github.com/durable-streams/server/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

type config struct {
	listenAddr           string
	dataDir              string
	maxFileHandles       int
	metadataBackend      string
	maxWaiters           int
	longPollTimeout      time.Duration
	sseReconnectInterval time.Duration
	retentionScanPeriod  time.Duration
	registryStreamPath   string
	hookAdminSecret      string
	logLevel             string
	enableTracing        bool
}

func main() {
	cfg := parseConfig()

	logger, err := newLogger(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "durable-streams-server: invalid log level: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config, logger *zap.Logger) error {
	shutdownTracing, err := setupTracing(cfg, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	handler, err := durablestreams.NewStandaloneHandler(durablestreams.StandaloneConfig{
		DataDir:              cfg.dataDir,
		MaxFileHandles:       cfg.maxFileHandles,
		MetadataBackend:      cfg.metadataBackend,
		MaxWaiters:           cfg.maxWaiters,
		LongPollTimeout:      cfg.longPollTimeout,
		SSEReconnectInterval: cfg.sseReconnectInterval,
		RetentionScanPeriod:  cfg.retentionScanPeriod,
		RegistryStreamPath:   cfg.registryStreamPath,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	defer handler.Close() //nolint:errcheck

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if cfg.hookAdminSecret != "" {
		issuer := hooks.NewTokenIssuer([]byte(cfg.hookAdminSecret))
		mux.Handle("/_hooks/token", hookTokenHandler(issuer, logger))
	}
	mux.Handle("/", tracingMiddleware(handler.ServeMux()))

	srv := &http.Server{
		Addr:         cfg.listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-poll/SSE responses can run far longer than a fixed write deadline
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.listenAddr), zap.String("data_dir", cfg.dataDir))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		stop()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	}
}

// hookTokenHandler issues short-lived JWTs scoping a caller to a single
// lifecycle-hook subscription pattern (C8). POST { "pattern": "...",
// "ttl_seconds": 300 } -> { "token": "..." }.
func hookTokenHandler(issuer *hooks.TokenIssuer, logger *zap.Logger) http.Handler {
	type request struct {
		Pattern    string `json:"pattern"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Pattern == "" {
			http.Error(w, "pattern is required", http.StatusBadRequest)
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		token, err := issuer.Issue(req.Pattern, ttl)
		if err != nil {
			logger.Error("issue hook token failed", zap.Error(err))
			http.Error(w, "failed to issue token", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q}`, token)
	})
}

// tracingMiddleware wraps every request in a span, named after the method
// and path, so append/read/SSE calls show up in the stdout trace exporter.
func tracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("durable-streams-server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// setupTracing wires a stdout trace exporter (§B, DOMAIN STACK). Only the
// stdout exporter is wired: there is no collector endpoint in this
// reference deployment, so OTLP/Jaeger exporters have nowhere to ship
// spans to.
func setupTracing(cfg config, logger *zap.Logger) (func(context.Context) error, error) {
	if !cfg.enableTracing {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("durable-streams-server"),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", zap.String("exporter", "stdout"))

	return tp.Shutdown, nil
}

func parseConfig() config {
	var cfg config

	flag.StringVar(&cfg.listenAddr, "listen", envOr("LISTEN_ADDR", ":8080"), "address to listen on")
	flag.StringVar(&cfg.dataDir, "data-dir", envOr("DATA_DIR", ""), "directory for stream data (empty = in-memory)")
	flag.IntVar(&cfg.maxFileHandles, "max-file-handles", envOrInt("MAX_FILE_HANDLES", 100), "max cached open file handles")
	flag.StringVar(&cfg.metadataBackend, "metadata-backend", envOr("METADATA_BACKEND", "bbolt"), "metadata backend: bbolt or lmdb")
	flag.IntVar(&cfg.maxWaiters, "max-waiters", envOrInt("MAX_WAITERS", 10000), "max concurrent long-poll/SSE waiters (0 = unbounded)")
	flag.DurationVar(&cfg.longPollTimeout, "long-poll-timeout", envOrDuration("LONG_POLL_TIMEOUT", 30*time.Second), "default long-poll timeout")
	flag.DurationVar(&cfg.sseReconnectInterval, "sse-reconnect-interval", envOrDuration("SSE_RECONNECT_INTERVAL", 60*time.Second), "SSE retry: interval hint")
	flag.DurationVar(&cfg.retentionScanPeriod, "retention-scan-period", envOrDuration("RETENTION_SCAN_PERIOD", 5*time.Second), "how often the retention scheduler sweeps streams")
	flag.StringVar(&cfg.registryStreamPath, "registry-stream-path", envOr("REGISTRY_STREAM_PATH", ""), "if set, mirror lifecycle events to this stream path")
	flag.StringVar(&cfg.hookAdminSecret, "hook-admin-secret", envOr("HOOK_ADMIN_SECRET", ""), "if set, enables /_hooks/token issuance signed with this secret")
	flag.StringVar(&cfg.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.BoolVar(&cfg.enableTracing, "enable-tracing", envOrBool("ENABLE_TRACING", false), "emit request spans to stdout via OpenTelemetry")
	flag.Parse()

	return cfg
}

const envPrefix = "DURABLE_STREAMS_"

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return fallback
}

func envOrInt(name string, fallback int) int {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envOrDuration(name string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	return cfg.Build()
}
