package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ridebook/internal/api"
	"ridebook/internal/config"
	"ridebook/internal/database"
	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/gateway"
	"ridebook/internal/google"
	"ridebook/internal/logging"
	"ridebook/internal/metrics"
	"ridebook/internal/models"
	"ridebook/internal/notify"
	"ridebook/internal/push"
	"ridebook/internal/report"
	"ridebook/internal/repository"
	"ridebook/internal/service"
	"ridebook/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient, viewerState := initViewerState(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	bus := events.NewEventBus(&logger)

	hub := push.NewHub(cfg.API.Push, logging.Component(&logger, "push"))
	hub.Attach(bus)
	defer hub.Close()

	initNotifier(cfg, bus, &logger)

	syncWorker := initSheetsWorker(ctx, cfg, db, redisClient, &logger)

	bookings := service.NewBookingService(db, bus, syncWorker, cfg.Lifecycle, logging.Component(&logger, "bookings"))
	bookings.LimitRegeneration(viewerState)
	payments := service.NewPaymentService(db, db, initGateway(cfg), bus, syncWorker, cfg.Payments.Currency,
		logging.Component(&logger, "payments"))
	reviews := service.NewReviewService(db, db, bus, logging.Component(&logger, "reviews"))

	if err := loadSeed(ctx, os.Getenv("SEED_PATH"), bookings, &logger); err != nil {
		return err
	}

	svc := api.Services{
		Bookings: bookings,
		Payments: payments,
		Reviews:  reviews,
		Streamer: hub,
		Exporter: report.NewExporter(cfg.Exports.Path),
		Ready:    db.PingContext,
	}
	auth := api.NewAuthenticator(&cfg.API)

	grpcServer, err := api.NewGRPCServer(&cfg.API, auth, svc, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	httpServer := api.NewHTTPServer(&cfg.API, auth, svc, &logger)

	if cfg.Backup.Enabled {
		go database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup")).Start(ctx)
	}

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// initViewerState keeps pickup code reissue counters in Redis and falls back to memory when Redis is down.
func initViewerState(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, *service.ViewerStateService) {
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, redisClient); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using in-memory state until it recovers")
		} else {
			logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
		}
	}

	primary := repository.NewRedisStateRepository(redisClient, models.DefaultRedisTTL)
	fallback := repository.NewMemoryStateRepository(models.DefaultRedisTTL)
	repo := repository.NewFailoverStateRepository(primary, fallback, logger)
	return redisClient, service.NewViewerStateService(repo, logging.Component(logger, "viewer-state"))
}

func initGateway(cfg *config.Config) domain.PaymentGateway {
	gw := cfg.Payments.Gateway
	if gw.BaseURL == "" {
		return gateway.NewLocal(gw.KeySecret)
	}
	timeout := gw.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	return gateway.NewClient(&http.Client{Timeout: timeout}, gw.BaseURL, gw.KeyID, gw.KeySecret)
}

func initNotifier(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	if !cfg.Telegram.Enabled {
		return
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without notifications")
		return
	}
	botAPI.Debug = cfg.Telegram.Debug

	notifier := notify.NewTelegramNotifier(botAPI, cfg.Telegram.AdminChatIDs, logging.Component(logger, "telegram"))
	notifier.Attach(bus)
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("telegram notifications enabled")
}

// initSheetsWorker returns nil when the ledger is not configured so services skip enqueueing.
func initSheetsWorker(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	redisClient *redis.Client,
	logger *zerolog.Logger,
) domain.SyncWorker {
	if !cfg.Google.Enabled {
		return nil
	}

	sheetsService, err := google.NewSimpleSheetsService(ctx, cfg.Google.CredentialsFile, cfg.Google.LedgerSpreadsheetID,
		logging.Component(logger, "sheets"))
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without ledger")
		return nil
	}
	if err := sheetsService.TestConnection(ctx); err != nil {
		ev := logger.Warn().Err(err)
		if email, emailErr := google.GetServiceAccountEmail(cfg.Google.CredentialsFile); emailErr == nil {
			ev = ev.Str("service_account", email)
		}
		ev.Msg("google sheets connection test failed, share the spreadsheet with the service account")
		return nil
	}
	go sheetsService.StartCacheRefresh(ctx, models.SheetsCacheTTL)

	if n, err := db.RequeueFailedSyncTasks(ctx); err != nil {
		logger.Warn().Err(err).Msg("requeue failed sync tasks")
	} else if n > 0 {
		logger.Info().Int64("tasks", n).Msg("failed sync tasks requeued")
	}

	if cfg.Google.ResyncOnStart {
		go resyncLedger(ctx, db, sheetsService, logger)
	}

	w := worker.NewSheetsWorker(db, sheetsService, redisClient, worker.RetryPolicyFromConfig(cfg.Google.Retry), logging.Component(logger, "sheets-worker"))
	go w.Start(ctx)

	logger.Info().Msg("google sheets ledger connected")
	return w
}

// resyncLedger rewrites the whole ledger sheet from the database.
func resyncLedger(ctx context.Context, db *database.DB, sheets domain.SheetsWriter, logger *zerolog.Logger) {
	all, err := db.ListBookings(ctx, domain.BookingFilter{})
	if err != nil {
		logger.Error().Err(err).Msg("ledger resync: list bookings")
		return
	}
	if err := sheets.ReplaceBookingsSheet(ctx, all); err != nil {
		logger.Error().Err(err).Msg("ledger resync failed")
		return
	}
	logger.Info().Int("bookings", len(all)).Msg("ledger resynced")
}

type seedFile struct {
	Bookings []seedBooking `yaml:"bookings"`
}

type seedBooking struct {
	ServiceType string             `yaml:"service_type"`
	User        models.AccountRef  `yaml:"user"`
	Driver      *models.AccountRef `yaml:"driver"`
	Passengers  models.Passengers  `yaml:"passengers"`
	Pickup      string             `yaml:"pickup"`
	Dropoff     string             `yaml:"dropoff"`
	Payment     models.Payment     `yaml:"payment"`
}

// loadSeed creates the bookings listed in seedPath. Used for local runs only.
// Users that already have bookings are skipped, so restarts do not duplicate the seed.
func loadSeed(ctx context.Context, seedPath string, bookings *service.BookingService, logger *zerolog.Logger) error {
	if seedPath == "" {
		return nil
	}
	data, err := os.ReadFile(seedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("seed_path", seedPath).Msg("seed file not found")
			return nil
		}
		logger.Error().Err(err).Str("seed_path", seedPath).Msg("read seed")
		return err
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		logger.Error().Err(err).Str("seed_path", seedPath).Msg("parse seed")
		return err
	}

	admin := domain.Actor{ID: "seed", Role: models.RoleAdmin}
	for _, sb := range seed.Bookings {
		existing, err := bookings.ListBookings(ctx, admin, domain.BookingFilter{UserID: sb.User.ID, Limit: 1})
		if err != nil {
			return fmt.Errorf("seed lookup for %s: %w", sb.User.ID, err)
		}
		if len(existing) > 0 {
			logger.Debug().Str("user_id", sb.User.ID).Msg("seed user already has bookings, skipped")
			continue
		}

		booking, err := bookings.CreateBooking(ctx, admin, &domain.CreateBookingRequest{
			ServiceType:     sb.ServiceType,
			User:            sb.User,
			Passengers:      sb.Passengers,
			PickupLocation:  sb.Pickup,
			DropoffLocation: sb.Dropoff,
			Payment:         sb.Payment,
			AssignedDriver:  sb.Driver,
		})
		if err != nil {
			return fmt.Errorf("seed booking for %s: %w", sb.User.ID, err)
		}
		logger.Info().Str("booking_id", booking.ID).Str("user_id", booking.User.ID).Msg("seed booking created")
	}
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
