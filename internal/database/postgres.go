package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rathodworks/whatsflow/internal/config"
	"github.com/rathodworks/whatsflow/internal/models"
)

// NewPostgres creates a new PostgreSQL connection
func NewPostgres(cfg *config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return db, nil
}

// MigrationModel holds model info for migration progress
type MigrationModel struct {
	Name  string
	Model interface{}
}

// GetMigrationModels returns all models to migrate with their names
func GetMigrationModels() []MigrationModel {
	return []MigrationModel{
		// Workflows
		{"Workflow", &models.Workflow{}},
		{"WorkflowVersion", &models.WorkflowVersion{}},
		{"WorkflowRun", &models.WorkflowRun{}},
		{"WorkflowRunLog", &models.WorkflowRunLog{}},
		{"WorkflowConversation", &models.WorkflowConversation{}},

		// Campaigns
		{"Campaign", &models.Campaign{}},
		{"CampaignContact", &models.CampaignContact{}},
		{"Template", &models.Template{}},

		// Webhook projection
		{"StatusEvent", &models.StatusEvent{}},
		{"FlowSubmission", &models.FlowSubmission{}},

		// Operational
		{"TraceEvent", &models.TraceEvent{}},
		{"Setting", &models.Setting{}},
	}
}

// AutoMigrate runs auto migration for all models
func AutoMigrate(db *gorm.DB) error {
	for _, m := range GetMigrationModels() {
		if err := db.AutoMigrate(m.Model); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", m.Name, err)
		}
	}
	return nil
}
