package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"

	"github.com/rathodworks/whatsflow/internal/config"
	"github.com/rathodworks/whatsflow/internal/database"
	"github.com/rathodworks/whatsflow/internal/dispatcher"
	"github.com/rathodworks/whatsflow/internal/handlers"
	"github.com/rathodworks/whatsflow/internal/ingest"
	"github.com/rathodworks/whatsflow/internal/middleware"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/queue"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/internal/turbo"
	"github.com/rathodworks/whatsflow/internal/workflow"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

var (
	configPath = flag.String("config", "config.toml", "Path to config file")
	migrate    = flag.Bool("migrate", false, "Run database migrations")
)

func main() {
	flag.Parse()

	// Initialize logger
	lo := logf.New(logf.Opts{
		EnableColor:     true,
		Level:           logf.DebugLevel,
		EnableCaller:    true,
		TimestampFormat: "2006-01-02 15:04:05",
		DefaultFields:   []any{"app", "whatsflow"},
	})

	lo.Info("Starting WhatsFlow server...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		lo.Fatal("Failed to load config", "error", err)
	}

	// Set log level based on environment
	if cfg.App.Environment == "production" {
		lo = logf.New(logf.Opts{
			Level:           logf.InfoLevel,
			TimestampFormat: "2006-01-02 15:04:05",
			DefaultFields:   []any{"app", "whatsflow"},
		})
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgres(&cfg.Database, cfg.App.Debug)
	if err != nil {
		lo.Fatal("Failed to connect to database", "error", err)
	}
	lo.Info("Connected to PostgreSQL")

	// Run migrations if requested
	if *migrate {
		lo.Info("Running database migrations...")
		if err := database.AutoMigrate(db); err != nil {
			lo.Fatal("Failed to run migrations", "error", err)
		}
		lo.Info("Migrations completed successfully")
	}

	// Connect to Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		lo.Fatal("Failed to connect to Redis", "error", err)
	}
	lo.Info("Connected to Redis")

	// Wire up the core
	waClient := whatsapp.New(lo)
	if cfg.WhatsApp.BaseURL != "" {
		waClient.BaseURL = cfg.WhatsApp.BaseURL
	}
	account := &whatsapp.Account{
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		BusinessID:    cfg.WhatsApp.BusinessID,
		APIVersion:    cfg.WhatsApp.APIVersion,
		AccessToken:   cfg.WhatsApp.AccessToken,
	}

	st := store.New(db, lo)
	sink := trace.NewSink(db, lo, cfg.Trace.PersistAll)
	q := queue.New(rdb, lo)
	registry := turbo.NewRegistry(st, lo)
	rehoster := precheck.NewRehoster(waClient, db, sink, lo)
	engine := workflow.NewEngine(db, st, waClient, account, rehoster, sink, lo)
	disp := dispatcher.New(db, st, waClient, account, registry, rehoster, sink, q, lo)
	ing := ingest.New(db, st, engine, rehoster, account, sink, q, lo)

	app := &handlers.App{
		Config:     cfg,
		DB:         db,
		Redis:      rdb,
		Log:        lo,
		WhatsApp:   waClient,
		Store:      st,
		Engine:     engine,
		Dispatcher: disp,
		Ingestor:   ing,
		Sink:       sink,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go disp.RunScheduler(workerCtx)
	go ing.RunReconciler(workerCtx)

	// Initialize Fastglue
	g := fastglue.NewGlue()

	// Setup middleware
	g.Before(middleware.RequestLogger(lo))
	g.Before(middleware.CORS(middleware.ParseAllowedOrigins("")))
	g.Before(middleware.SecurityHeaders())
	g.Before(middleware.Recovery(lo))

	// Setup routes
	setupRoutes(g, app)

	// Create server
	server := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Name:         "WhatsFlow",
	}

	// Start server in goroutine
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		lo.Info("Server listening", "address", addr)
		if err := server.ListenAndServe(addr); err != nil {
			lo.Fatal("Server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lo.Info("Shutting down server...")
	stopWorkers()
	if err := server.Shutdown(); err != nil {
		lo.Error("Server shutdown error", "error", err)
	}
	app.WaitForBackgroundTasks()
	lo.Info("Server stopped")
}

func setupRoutes(g *fastglue.Fastglue, app *handlers.App) {
	// Health check
	g.GET("/health", app.HealthCheck)
	g.GET("/ready", app.ReadyCheck)

	// Provider webhook (public)
	g.GET("/api/webhook", app.VerifyWebhook)
	g.POST("/api/webhook", app.ReceiveWebhook)

	// Workflows
	g.GET("/api/workflows", app.ListWorkflows)
	g.POST("/api/workflows", app.CreateWorkflow)
	g.POST("/api/workflows/run", app.RunWorkflow)
	g.GET("/api/workflows/{id}", app.GetWorkflow)
	g.PUT("/api/workflows/{id}", app.UpdateWorkflow)
	g.POST("/api/workflows/{id}/versions/{version_id}/publish", app.PublishVersion)
	g.POST("/api/workflows/{id}/resume", app.ResumeWorkflow)
	g.GET("/api/workflows/{id}/runs", app.ListRuns)
	g.GET("/api/workflows/{id}/conversations", app.ListConversations)
	g.GET("/api/runs/{run_id}/logs", app.ListRunLogs)

	// Campaigns
	g.GET("/api/campaigns", app.ListCampaigns)
	g.POST("/api/campaigns", app.CreateCampaign)
	g.POST("/api/campaigns/precheck", app.PrecheckCampaign)
	g.GET("/api/campaigns/{id}", app.GetCampaign)
	g.PUT("/api/campaigns/{id}", app.UpdateCampaign)
	g.POST("/api/campaigns/{id}/recipients", app.ImportRecipients)
	g.GET("/api/campaigns/{id}/recipients", app.ListRecipients)
	g.POST("/api/campaigns/{id}/start", app.StartCampaign)
	g.POST("/api/campaigns/{id}/pause", app.PauseCampaign)
	g.POST("/api/campaigns/{id}/cancel", app.CancelCampaign)
	g.GET("/api/campaigns/{id}/progress", app.CampaignProgress)
	g.GET("/api/campaigns/{id}/report.csv", app.CampaignReportCSV)

	// Templates
	g.GET("/api/templates", app.ListTemplates)
	g.POST("/api/templates", app.CreateTemplate)
	g.GET("/api/templates/{id}", app.GetTemplate)
	g.PUT("/api/templates/{id}", app.UpdateTemplate)

	// Settings
	g.GET("/api/settings/{key}", app.GetSetting)
	g.PUT("/api/settings/{key}", app.PutSetting)
}
