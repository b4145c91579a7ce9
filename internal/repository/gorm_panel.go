package repository

import (
	"context"
	"errors"
	"fmt"

	hubdb "github.com/taskhub/hub/internal/db"
	"gorm.io/gorm"
)

// gormPanelRepository persists status-panel pointers through GORM.
type gormPanelRepository struct {
	db *gorm.DB
}

// NewPanelRepository returns a PanelRepository backed by db.
func NewPanelRepository(db *gorm.DB) PanelRepository {
	return &gormPanelRepository{db: db}
}

func (r *gormPanelRepository) Upsert(ctx context.Context, panel Panel) error {
	row := hubdb.StatusPanel{
		ChatID:    panel.ChatID,
		MessageID: panel.MessageID,
		UpdatedAt: panel.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("panel: upsert: %w", err)
	}
	return nil
}

func (r *gormPanelRepository) FindByChatID(ctx context.Context, chatID int64) (Panel, error) {
	var row hubdb.StatusPanel
	if err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Panel{}, ErrNotFound
		}
		return Panel{}, fmt.Errorf("panel: find by chat id: %w", err)
	}
	return Panel{ChatID: row.ChatID, MessageID: row.MessageID, UpdatedAt: row.UpdatedAt}, nil
}

func (r *gormPanelRepository) LoadAll(ctx context.Context) ([]Panel, error) {
	var rows []hubdb.StatusPanel
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("panel: load all: %w", err)
	}
	out := make([]Panel, len(rows))
	for i, row := range rows {
		out[i] = Panel{ChatID: row.ChatID, MessageID: row.MessageID, UpdatedAt: row.UpdatedAt}
	}
	return out, nil
}
