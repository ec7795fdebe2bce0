// Command integrationsd serves the integration endpoints for the roster
// product: billing webhooks and checkout, the AI assistant proxy, workforce
// provider sync, document export and the operational surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rosterhq/integrations/pkg/api"
	"github.com/rosterhq/integrations/pkg/assistant"
	"github.com/rosterhq/integrations/pkg/billing"
	promadapter "github.com/rosterhq/integrations/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/rosterhq/integrations/pkg/billing/stripe"
	"github.com/rosterhq/integrations/pkg/docexport"
	"github.com/rosterhq/integrations/pkg/entitlement"
	zerologadapter "github.com/rosterhq/integrations/pkg/entitlement/logger/zerolog"
	"github.com/rosterhq/integrations/pkg/notify"
	"github.com/rosterhq/integrations/pkg/workforce"
	fsstore "github.com/rosterhq/integrations/storage/firestore"
	memstore "github.com/rosterhq/integrations/storage/memory"
	pgstore "github.com/rosterhq/integrations/storage/postgres"
	redisstore "github.com/rosterhq/integrations/storage/redis"
	"github.com/rosterhq/integrations/storage/tiered"
)

const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	log := newLogger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("service exited")
	}
}

func run(log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger := zerologadapter.NewLogger(log)

	store, cleanup, err := buildStore(ctx, log)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewMetrics(registry, "integrations")

	notifier := buildNotifier(appLogger)

	reconciler, err := entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Store:    store,
		Notifier: notifier,
		Logger:   appLogger,
	})
	if err != nil {
		return err
	}

	deduper := buildDeduper(log)

	var provider *stripeprovider.Provider
	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		provider, err = stripeprovider.NewProvider(stripeprovider.Config{
			Config: billing.Config{
				Reconciler: reconciler,
				Metrics:    metrics,
				Logger:     appLogger,
				Deduper:    deduper,
			},
			StripeAPIKey:        key,
			StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		})
		if err != nil {
			return err
		}
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set, billing endpoints disabled")
	}

	entitlements, err := api.NewHandler(api.Config{
		Store:     store,
		GetUserID: api.FromHeader("X-User-ID"),
		Logger:    appLogger,
	})
	if err != nil {
		return err
	}

	router := buildRouter(routerDeps{
		log:          log,
		appLogger:    appLogger,
		registry:     registry,
		provider:     provider,
		entitlements: entitlements,
		assistant:    buildAssistant(log, appLogger),
		workforce:    buildWorkforce(log, appLogger),
		docexport:    buildDocexport(log, appLogger),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "integrationsd").Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

// buildStore selects the entitlement store backend from STORE_BACKEND:
// firestore (default in production), postgres, or memory.
func buildStore(ctx context.Context, log zerolog.Logger) (entitlement.Store, func(), error) {
	backend := strings.ToLower(os.Getenv("STORE_BACKEND"))
	switch backend {
	case "", "firestore":
		projectID := os.Getenv("FIRESTORE_PROJECT_ID")
		if projectID == "" {
			if backend == "" {
				log.Warn().Msg("FIRESTORE_PROJECT_ID not set, using in-memory store")
				return memstore.New(), func() {}, nil
			}
			return nil, nil, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
		client, err := gfirestore.NewClient(ctx, projectID)
		if err != nil {
			return nil, nil, err
		}
		store, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		cached, err := withReadCache(store)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return cached, func() { client.Close() }, nil

	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			ConnectionString: os.Getenv("DATABASE_URL"),
		})
		if err != nil {
			return nil, nil, err
		}
		cached, err := withReadCache(store)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return cached, func() { store.Close() }, nil

	case "memory":
		return memstore.New(), func() {}, nil

	default:
		return nil, nil, errors.New("unknown STORE_BACKEND: " + backend)
	}
}

// withReadCache layers a short-TTL read cache over the durable store.
// STORE_CACHE_TTL_SECONDS overrides the default; 0 disables the cache.
func withReadCache(store entitlement.Store) (entitlement.Store, error) {
	raw := os.Getenv("STORE_CACHE_TTL_SECONDS")
	if raw == "" {
		return tiered.New(tiered.Config{Durable: store})
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.New("STORE_CACHE_TTL_SECONDS must be an integer")
	}
	if seconds <= 0 {
		return store, nil
	}
	return tiered.New(tiered.Config{Durable: store, TTL: time.Duration(seconds) * time.Second})
}

func buildDeduper(log zerolog.Logger) billing.EventDeduper {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})
	tracker, err := redisstore.New(client, redisstore.Config{})
	if err != nil {
		log.Warn().Err(err).Msg("redis deduper disabled")
		return nil
	}
	return tracker
}

func buildNotifier(appLogger entitlement.Logger) entitlement.Notifier {
	url := os.Getenv("NOTIFY_WEBHOOK_URL")
	if url == "" {
		return entitlement.NoopNotifier{}
	}
	sender := notify.NewWebhookSender(url, os.Getenv("NOTIFY_WEBHOOK_TOKEN"))
	return notify.NewCancellationNotifier(sender, os.Getenv("NOTIFY_DESTINATION"), appLogger)
}

func buildAssistant(log zerolog.Logger, appLogger entitlement.Logger) *assistant.Handler {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, assistant endpoint disabled")
		return nil
	}
	client, err := assistant.NewClient(assistant.Config{
		APIKey:   apiKey,
		Endpoint: os.Getenv("ASSISTANT_ENDPOINT"),
		Model:    os.Getenv("ASSISTANT_MODEL"),
		Logger:   appLogger,
	})
	if err != nil {
		log.Warn().Err(err).Msg("assistant endpoint disabled")
		return nil
	}
	handler, err := assistant.NewHandler(assistant.HandlerConfig{Client: client, Logger: appLogger})
	if err != nil {
		log.Warn().Err(err).Msg("assistant endpoint disabled")
		return nil
	}
	return handler
}

type workforceComponents struct {
	connector *workforce.Connector
	roster    *workforce.RosterClient
}

func buildWorkforce(log zerolog.Logger, appLogger entitlement.Logger) *workforceComponents {
	clientID := os.Getenv("WORKFORCE_CLIENT_ID")
	if clientID == "" {
		log.Warn().Msg("WORKFORCE_CLIENT_ID not set, workforce endpoints disabled")
		return nil
	}
	connector, err := workforce.NewConnector(workforce.ConnectorConfig{
		ClientID:     clientID,
		ClientSecret: os.Getenv("WORKFORCE_CLIENT_SECRET"),
		AuthURL:      os.Getenv("WORKFORCE_AUTH_URL"),
		TokenURL:     os.Getenv("WORKFORCE_TOKEN_URL"),
		RedirectURL:  os.Getenv("WORKFORCE_REDIRECT_URL"),
		Scopes:       splitList(os.Getenv("WORKFORCE_SCOPES")),
		Logger:       appLogger,
	})
	if err != nil {
		log.Warn().Err(err).Msg("workforce endpoints disabled")
		return nil
	}
	roster, err := workforce.NewRosterClient(workforce.RosterClientConfig{
		BaseURL:   os.Getenv("WORKFORCE_API_BASE_URL"),
		Connector: connector,
		Logger:    appLogger,
	})
	if err != nil {
		log.Warn().Err(err).Msg("workforce roster sync disabled")
		return &workforceComponents{connector: connector}
	}
	return &workforceComponents{connector: connector, roster: roster}
}

func buildDocexport(log zerolog.Logger, appLogger entitlement.Logger) *docexport.Client {
	baseURL := os.Getenv("DOCEXPORT_URL")
	if baseURL == "" {
		log.Warn().Msg("DOCEXPORT_URL not set, export endpoint disabled")
		return nil
	}
	client, err := docexport.NewClient(docexport.Config{BaseURL: baseURL, Logger: appLogger})
	if err != nil {
		log.Warn().Err(err).Msg("export endpoint disabled")
		return nil
	}
	return client
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
