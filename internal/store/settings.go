package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
)

// GetSetting unmarshals the JSON value stored at key into out
func (s *Store) GetSetting(ctx context.Context, key string, out interface{}) error {
	var row models.Setting
	if err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fault.Newf(fault.KindNotFound, "setting %s not found", key)
		}
		return wrapDBErr("get setting", err)
	}
	if err := json.Unmarshal(row.Value, out); err != nil {
		return fault.Wrap(fault.KindPermanent, "malformed setting "+key, err)
	}
	return nil
}

// PutSetting upserts the JSON-encoded value at key
func (s *Store) PutSetting(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.KindPermanent, "encode setting "+key, err)
	}
	row := models.Setting{Key: key, Value: data, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	return wrapDBErr("put setting", err)
}
