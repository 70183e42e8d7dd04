package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"escrow-service/internal/config"
	"escrow-service/internal/content"
	"escrow-service/internal/domain"
	"escrow-service/internal/publisher"
	"escrow-service/internal/repository"
	"escrow-service/internal/server"
	"escrow-service/internal/service"
	"escrow-service/internal/verify"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		log.Warn("Could not load .env file.")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithField("error", err).Fatal("Invalid configuration")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	ledger, closeLedger := openLedger(cfg)
	defer closeLedger()

	compression, err := content.ParseCompression(cfg.Content.Compression)
	if err != nil {
		log.WithField("error", err).Fatal("Invalid CONTENT_COMPRESSION")
	}
	blobs, err := content.OpenLevelDB(cfg.Content.Path, compression)
	if err != nil {
		log.WithField("error", err).Fatal("Could not open content store")
	}
	defer blobs.Close()

	validator, err := verify.Default(cfg.Verify.Format, cfg.Content.MaxBytes)
	if err != nil {
		log.WithField("error", err).Fatal("Invalid VERIFY_FORMAT")
	}

	deps := service.Dependencies{
		Ledger:      ledger,
		Content:     blobs,
		ReadContent: content.NewCachedStore(blobs, cfg.Content.CacheTTL),
		Validator:   validator,
	}
	if cfg.KafkaEnabled() {
		auditPublisher, err := publisher.NewAuditPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.AuditTopic)
		if err != nil {
			log.WithField("error", err).Fatal("Could not create audit publisher")
		}
		defer auditPublisher.Close()
		deps.Publisher = auditPublisher
	} else {
		log.Info("KAFKA_BOOTSTRAP_SERVERS not set, audit events are not published")
	}

	escrowService := service.NewEscrowService(deps, service.Config{
		VerifyWorkers:   cfg.Verify.Workers,
		VerifyTimeout:   cfg.Verify.Timeout,
		MaxContentBytes: cfg.Content.MaxBytes,
		Identities:      domain.IdentityPolicy{RequiredPrefix: cfg.HTTP.IdentityPrefix},
	})

	srv := server.NewServer(escrowService, server.Options{
		IdentityHeader: cfg.HTTP.IdentityHeader,
		ReadRateLimit:  cfg.HTTP.ReadRateLimit,
		ReadRateBurst:  cfg.HTTP.ReadRateBurst,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	if cfg.Content.MaxBytes > 0 {
		// JSON carries content base64 encoded.
		e.Use(middleware.BodyLimit(bodyLimit(cfg.Content.MaxBytes)))
	}
	srv.Register(e)

	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("Escrow service is starting with Echo")
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Fatal("Echo server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if err := escrowService.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Verification tasks did not drain before shutdown deadline")
	}
	log.Info("Escrow service stopped")
}

func openLedger(cfg *config.Config) (service.LedgerClient, func()) {
	switch cfg.Ledger.Backend {
	case config.LedgerSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.SQLitePath), 0o755); err != nil {
			log.WithField("error", err).Fatal("Could not create ledger directory")
		}
		l, err := repository.OpenSQLite(cfg.Ledger.SQLitePath)
		if err != nil {
			log.WithField("error", err).Fatal("Could not open SQLite ledger")
		}
		return l, func() { l.Close() }

	case config.LedgerMemory:
		log.Warn("Using in-memory ledger, records will not survive a restart")
		return repository.NewMemoryLedger(), func() {}
	}

	log.Info("Starting database migration...")
	m, err := migrate.New(cfg.DB.MigrationsPath, cfg.DB.URL)
	if err != nil {
		log.WithField("error", err).Fatal("Could not create migrate instance")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.WithField("error", err).Fatal("Could not apply migration")
	}
	log.Info("Database migration finished successfully.")

	db, err := sql.Open("postgres", cfg.DB.URL)
	if err != nil {
		log.WithField("error", err).Fatal("Could not connect to the database")
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		log.WithField("error", err).Fatal("Could not ping the database")
	}
	log.Info("Successfully connected to the PostgreSQL database.")

	return repository.NewPostgresLedger(db), func() { db.Close() }
}

// bodyLimit sizes the request limit for base64 content plus JSON framing.
func bodyLimit(maxContent int) string {
	return strconv.Itoa(maxContent/3*4+64*1024) + "B"
}
