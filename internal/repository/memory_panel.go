package repository

import (
	"context"
	"sync"
)

// MemoryPanelRepository is the no-database fallback for status-panel
// pointers: lost on restart, which only means the panel is re-sent rather
// than re-edited (spec §4.5, "if editing fails a new one is sent").
type MemoryPanelRepository struct {
	mu   sync.RWMutex
	byID map[int64]Panel
}

// NewMemoryPanelRepository returns an empty in-process PanelRepository.
func NewMemoryPanelRepository() *MemoryPanelRepository {
	return &MemoryPanelRepository{byID: make(map[int64]Panel)}
}

func (r *MemoryPanelRepository) Upsert(_ context.Context, panel Panel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[panel.ChatID] = panel
	return nil
}

func (r *MemoryPanelRepository) FindByChatID(_ context.Context, chatID int64) (Panel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[chatID]
	if !ok {
		return Panel{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryPanelRepository) LoadAll(_ context.Context) ([]Panel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Panel, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out, nil
}
