package repository

import (
	"context"
	"errors"
	"fmt"

	hubdb "github.com/taskhub/hub/internal/db"
	"gorm.io/gorm"
)

// gormCredentialRepository persists credentials through GORM.
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository returns a CredentialRepository backed by db.
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: db}
}

func (r *gormCredentialRepository) Upsert(ctx context.Context, cred Credential) error {
	row := hubdb.Credential{
		AgentName: cred.AgentName,
		Token:     cred.Token,
		OwnerID:   cred.OwnerID,
		CreatedAt: cred.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("credential: upsert: %w", err)
	}
	return nil
}

func (r *gormCredentialRepository) FindByName(ctx context.Context, agentName string) (Credential, error) {
	var row hubdb.Credential
	if err := r.db.WithContext(ctx).Where("agent_name = ?", agentName).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential: find by name: %w", err)
	}
	return fromCredentialRow(row), nil
}

func (r *gormCredentialRepository) FindByToken(ctx context.Context, token string) (Credential, error) {
	var row hubdb.Credential
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential: find by token: %w", err)
	}
	return fromCredentialRow(row), nil
}

func (r *gormCredentialRepository) FindByOwner(ctx context.Context, ownerID int64) (Credential, error) {
	var row hubdb.Credential
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential: find by owner: %w", err)
	}
	return fromCredentialRow(row), nil
}

func (r *gormCredentialRepository) Delete(ctx context.Context, agentName string) error {
	if err := r.db.WithContext(ctx).Where("agent_name = ?", agentName).Delete(&hubdb.Credential{}).Error; err != nil {
		return fmt.Errorf("credential: delete: %w", err)
	}
	return nil
}

func (r *gormCredentialRepository) LoadAll(ctx context.Context) ([]Credential, error) {
	var rows []hubdb.Credential
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("credential: load all: %w", err)
	}
	out := make([]Credential, len(rows))
	for i, row := range rows {
		out[i] = fromCredentialRow(row)
	}
	return out, nil
}

func fromCredentialRow(row hubdb.Credential) Credential {
	return Credential{
		AgentName: row.AgentName,
		Token:     row.Token,
		OwnerID:   row.OwnerID,
		CreatedAt: row.CreatedAt,
	}
}
