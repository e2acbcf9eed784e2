package cmd

import (
	"fmt"
	"log/slog"

	"github.com/patrickmn/go-cache"
	"github.com/username/tradejournal/backend/src/ai"
	"github.com/username/tradejournal/backend/src/config"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/mapping"
	"github.com/username/tradejournal/backend/src/processors"
	"github.com/username/tradejournal/backend/src/security"
	"github.com/username/tradejournal/backend/src/services"
)

// app holds the process-wide dependencies built once at startup.
type app struct {
	cfg       *config.AppConfig
	log       *slog.Logger
	db        *database.DB
	auth      *security.AuthService
	registry  *services.BrokerFormatService
	ingestion *services.CsvIngestionService
	trades    *services.TradeService
	aiIngest  *services.AiIngestService
}

// bootstrap loads configuration, opens and migrates the database and wires the services.
func bootstrap() (*app, error) {
	cfg := config.LoadConfig()
	log := logger.InitLogger(cfg.LogLevel)

	log.Info("Initializing database...", "path", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("startup failed: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("startup failed: %w", err)
	}

	formatCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)
	reportCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)

	var aiMapper mapping.AIMapper
	aiClient := ai.NewClient(cfg.AIProvider, cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel, log.With("component", "ai"))
	if aiClient.Enabled() {
		aiMapper = aiClient
		log.Info("AI mapping fallback enabled", "provider", cfg.AIProvider, "model", cfg.AIModel)
	}

	registry := services.NewBrokerFormatService(db, log.With("component", "registry"), formatCache, cfg.FormatMatchThreshold)
	ingestion := services.NewCsvIngestionService(db, log.With("component", "ingestion"), registry, aiMapper, reportCache, services.IngestionOptions{
		ConfidenceThreshold: cfg.MappingConfidenceThreshold,
		AITimeout:           cfg.AITimeout,
		Location:            cfg.ImportTimezone,
		UploadLimit:         cfg.UploadLimit,
		BatchRetention:      cfg.BatchRetention,
	})

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		auth:      security.NewAuthService(cfg.JWTSecret),
		registry:  registry,
		ingestion: ingestion,
		trades:    services.NewTradeService(db, log.With("component", "trades"), processors.NewFeeProcessor(), reportCache),
		aiIngest:  services.NewAiIngestService(db, log.With("component", "ai_ingest")),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("Failed to close database", "error", err)
	}
}
