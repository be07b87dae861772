package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/interpreter-gateway/internal/api"
	"github.com/lexiqai/interpreter-gateway/internal/config"
	"github.com/lexiqai/interpreter-gateway/internal/credit"
	"github.com/lexiqai/interpreter-gateway/internal/observability"
	"github.com/lexiqai/interpreter-gateway/internal/room"
	"github.com/lexiqai/interpreter-gateway/internal/session"
	"github.com/lexiqai/interpreter-gateway/internal/store/memory"
	"github.com/lexiqai/interpreter-gateway/internal/store/postgres"
	"github.com/lexiqai/interpreter-gateway/internal/stt"
	"github.com/lexiqai/interpreter-gateway/internal/translate"
	"github.com/lexiqai/interpreter-gateway/internal/tts"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Minute
)

// backend is the persistence layer: rooms plus the credit ledger
type backend interface {
	room.Store
	credit.Ledger
	Ping(ctx context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("postgres", cfg.DatabaseURL != "").
		Msg("Interpreter Gateway starting")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
	logger.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	translator, err := translate.NewOpenAITranslator(cfg)
	if err != nil {
		return fmt.Errorf("create translator: %w", err)
	}
	synth := tts.NewCartesiaClient(cfg)
	defer synth.Close()

	manager, err := session.NewManager(cfg, session.Dependencies{
		Rooms:      store,
		Ledger:     store,
		STT:        stt.NewDeepgramFactory(cfg),
		Translator: translator,
		TTS:        synth,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", manager.HandleRoomWS)
	api.NewRoomHandler(store, cfg.WebSocketURL()).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.HealthCheck{Name: "database", Check: func(ctx context.Context) (bool, error) {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}},
		observability.HealthCheck{Name: "deepgram", Check: configured(cfg.DeepgramAPIKey)},
		observability.HealthCheck{Name: "openai", Check: configured(cfg.OpenAIAPIKey)},
		observability.HealthCheck{Name: "cartesia", Check: configured(cfg.CartesiaAPIKey)},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout stays unset: it would cut long-lived WebSocket connections
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", cfg.WebSocketURL()).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return manager.RunJanitor(gctx, janitorInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Sessions did not end before the deadline")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openBackend selects Postgres when DATABASE_URL is set, otherwise an
// in-memory store seeded with DEV_STARTING_CREDITS per user
func openBackend(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	logger := observability.GetLogger()

	if cfg.DatabaseURL == "" {
		logger.Warn().
			Int64("starting_credits", cfg.DevStartingCredits).
			Msg("DATABASE_URL not set, using in-memory store")
		return memory.New(cfg.RoomTTL, cfg.DevStartingCredits), func() {}, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := postgres.Open(openCtx, cfg.DatabaseURL, cfg.RoomTTL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func configured(key string) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		if key == "" {
			return false, errors.New("API key not configured")
		}
		return true, nil
	}
}
