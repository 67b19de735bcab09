package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/config"
	"github.com/draftworks/listing-api/internal/driver"
	"github.com/draftworks/listing-api/internal/handlers"
	"github.com/draftworks/listing-api/internal/middleware"
	"github.com/draftworks/listing-api/internal/migration"
	"github.com/draftworks/listing-api/internal/monitor"
	"github.com/draftworks/listing-api/internal/pipeline"
	"github.com/draftworks/listing-api/internal/providers"
	"github.com/draftworks/listing-api/internal/repository"
	"github.com/draftworks/listing-api/internal/routes"
	"github.com/draftworks/listing-api/internal/secrets"
	"github.com/draftworks/listing-api/internal/source"
	"github.com/draftworks/listing-api/internal/tokencache"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	logger zerolog.Logger
	cache  *tokencache.Cache
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	app := &application{
		config: cfg,
		db:     db,
		logger: logger,
	}

	// Background workers share one cancellation scope.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	jobStore := repository.NewJobStore(db)
	poller, mon := app.startBatchWorkers(workerCtx, jobStore)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(jobStore, poller, mon)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"http://localhost:3000"}),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, stopWorkers, logger)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(jobStore repository.JobStore, poller *driver.Poller, mon *monitor.Monitor) http.Handler {
	userRepo := repository.NewUserRepository(app.db)

	authHandler := handlers.NewAuthHandler(userRepo, app.config.JWTSecret, app.logger)
	jobHandler := handlers.NewJobHandler(jobStore, mon, poller, app.logger)
	tokenHandler := handlers.NewTokenHandler(app.tokenCache(), app.logger)

	return routes.NewRouter(authHandler, jobHandler, tokenHandler)
}

func (app *application) tokenCache() *tokencache.Cache {
	if app.cache == nil {
		tokenStore := repository.NewTokenStore(app.db)
		refresher := tokencache.NewOAuthRefresher(app.config.OAuth, secrets.Env{Prefix: "LISTING"}, app.config.Providers.HTTPTimeout)
		app.cache = tokencache.New(tokenStore, refresher, app.config.Tokens.SafetyMargin, app.logger)
	}
	return app.cache
}

// startBatchWorkers launches the job poller and the health monitor.
func (app *application) startBatchWorkers(ctx context.Context, jobStore repository.JobStore) (*driver.Poller, *monitor.Monitor) {
	cache := app.tokenCache()
	pcfg := providers.Config{
		HTTPTimeout:    app.config.Providers.HTTPTimeout,
		RetryAttempts:  app.config.Providers.RetryAttempts,
		RetryBaseDelay: app.config.Providers.RetryBaseDelay,
	}

	catalog := providers.NewCatalogClient(app.config.Providers.MetadataBaseURL, "catalog", pcfg, cache, app.logger)
	pricing := providers.NewPricingClient(app.config.Providers.PricingBaseURL, "pricing", pcfg, cache, app.logger)
	images := providers.NewImageClient(app.config.Providers.ImageBaseURL, "images", pcfg, cache, app.logger)
	publisher := providers.NewPublisherClient(app.config.Providers.PublisherBaseURL, "marketplace", pcfg, cache, app.logger)

	factory := func() driver.ItemProcessor {
		return pipeline.NewStage(catalog, pricing, images, publisher, app.logger)
	}

	reader := source.NewFileReader(app.config.Providers.HTTPTimeout, app.logger)
	batchDriver := driver.New(jobStore, reader, factory, app.config.Batch, app.logger)

	poller := driver.NewPoller(batchDriver, app.config.Batch.PollInterval, app.logger)
	go poller.Start(ctx)

	mon := monitor.New(jobStore, app.config.Batch, app.logger)
	go mon.Start(ctx)

	return poller, mon
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, stopWorkers context.CancelFunc, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Stop the batch workers first so no new run segment starts mid-shutdown;
	// an interrupted run resumes from its last checkpoint on the next start.
	stopWorkers()

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}
