package handlers

import (
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/config"
	"github.com/rathodworks/whatsflow/internal/dispatcher"
	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/ingest"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/internal/workflow"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// App holds all dependencies for handlers
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Log        logf.Logger
	WhatsApp   *whatsapp.Client
	Store      *store.Store
	Engine     *workflow.Engine
	Dispatcher *dispatcher.Dispatcher
	Ingestor   *ingest.Ingestor
	Sink       *trace.Sink

	// wg tracks background goroutines for graceful shutdown
	wg sync.WaitGroup
}

// WaitForBackgroundTasks blocks until all background goroutines complete.
// Call this during graceful shutdown to ensure all async work finishes.
func (a *App) WaitForBackgroundTasks() {
	a.wg.Wait()
}

// sendFault maps a taxonomy error onto the API error envelope
func (a *App) sendFault(r *fastglue.Request, err error) error {
	kind := fault.KindOf(err)
	message := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) {
		message = fe.Message
	}
	return r.SendErrorEnvelope(fault.HTTPStatus(kind), message, nil, fastglue.ErrorType(kind))
}

// HealthCheck returns server health status
func (a *App) HealthCheck(r *fastglue.Request) error {
	return r.SendEnvelope(map[string]string{
		"status":  "ok",
		"service": "whatsflow",
	})
}

// ReadyCheck returns server readiness status
func (a *App) ReadyCheck(r *fastglue.Request) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return r.SendErrorEnvelope(500, "Database connection error", nil, "")
	}
	if err := sqlDB.Ping(); err != nil {
		return r.SendErrorEnvelope(500, "Database ping failed", nil, "")
	}

	if a.Redis != nil {
		if err := a.Redis.Ping(r.RequestCtx).Err(); err != nil {
			return r.SendErrorEnvelope(500, "Redis ping failed", nil, "")
		}
	}

	return r.SendEnvelope(map[string]string{"status": "ready"})
}
