package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	otelhelper "github.com/VyVictory/onobackend/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("gateway-service")
	connectCounter, _ := meter.Int64Counter("gateway_connections_total",
		metric.WithDescription("Total WebSocket connections accepted"))
	bindCounter, _ := meter.Int64Counter("gateway_identity_binds_total",
		metric.WithDescription("Total identity-announce binds"))
	evictCounter, _ := meter.Int64Counter("gateway_session_evictions_total",
		metric.WithDescription("Total sessions evicted by a newer bind"))
	eventCounter, _ := meter.Int64Counter("gateway_client_events_total",
		metric.WithDescription("Total inbound client events"))
	deliverCounter, _ := meter.Int64Counter("gateway_deliveries_total",
		metric.WithDescription("Total events delivered to local sessions"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "gateway-service")
	natsPass := envOrDefault("NATS_PASS", "gateway-service-secret")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8080")
	keycloakURL := envOrDefault("KEYCLOAK_URL", "")
	keycloakRealm := envOrDefault("KEYCLOAK_REALM", "social")

	graceMillis, err := strconv.Atoi(envOrDefault("PRESENCE_GRACE_MS", "1000"))
	if err != nil || graceMillis <= 0 {
		graceMillis = 1000
	}

	slog.Info("Starting Gateway Service", "nats_url", natsURL, "listen", listenAddr, "grace_ms", graceMillis)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	presenceKV, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  "PRESENCE",
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		slog.Error("Failed to create PRESENCE KV bucket", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS KV bucket ready", "bucket", "PRESENCE")

	var verifier *TokenVerifier
	if keycloakURL != "" {
		verifier, err = NewTokenVerifier(keycloakURL, keycloakRealm)
		if err != nil {
			slog.Error("Failed to initialize token verifier", "error", err)
			os.Exit(1)
		}
		defer verifier.Close()
	} else {
		slog.Warn("KEYCLOAK_URL not set, announced identities are trusted as-is")
	}

	srv := &Server{
		nc:             nc,
		watch:          NewWatchTable(),
		dispatch:       NewDispatcher(),
		verifier:       verifier,
		presenceKV:     presenceKV,
		connectCounter: connectCounter,
		bindCounter:    bindCounter,
		evictCounter:   evictCounter,
		eventCounter:   eventCounter,
		deliverCounter: deliverCounter,
	}
	srv.registry = NewRegistry(time.Duration(graceMillis)*time.Millisecond, srv.presenceChanged)

	sessionsGauge, _ := meter.Int64ObservableGauge("gateway_bound_sessions",
		metric.WithDescription("Identity-bound sessions on this instance"))
	watchedGauge, _ := meter.Int64ObservableGauge("gateway_watched_users",
		metric.WithDescription("Users with at least one presence watcher"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessionsGauge, int64(srv.registry.SessionCount()))
		o.ObserveInt64(watchedGauge, int64(srv.watch.WatchedCount()))
		return nil
	}, sessionsGauge, watchedGauge)

	// Every gateway sees the full deliver stream and serves its local
	// sessions only (no queue group).
	if _, err := nc.Subscribe("deliver.>", srv.handleDeliver); err != nil {
		slog.Error("Failed to subscribe to deliver.>", "error", err)
		os.Exit(1)
	}
	if _, err := nc.Subscribe("session.evict", srv.handleSessionEvict); err != nil {
		slog.Error("Failed to subscribe to session.evict", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Gateway service ready, serving /ws, listening for deliver.>, session.evict")

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	nc.Drain()
	slog.Info("Gateway service shutdown complete")
}
