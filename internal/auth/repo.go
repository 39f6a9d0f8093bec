package auth

import (
	"context"

	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetByLookup(ctx context.Context, lookup string) (*models.Project, error) {
	var p models.Project
	if err := r.db.WithContext(ctx).
		Where("secret_lookup = ?", lookup).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) GetBootstrap(ctx context.Context) (*models.Project, error) {
	var p models.Project
	if err := r.db.WithContext(ctx).
		Where("bootstrap = ?", true).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) Create(ctx context.Context, p *models.Project) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repo) UpdateSecret(ctx context.Context, id, lookup, hash string) error {
	return r.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ?", id).
		Updates(map[string]any{"secret_lookup": lookup, "secret_hash": hash}).Error
}
