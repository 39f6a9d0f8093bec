package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

type BootstrapConfig struct {
	Secret string
	Pepper string
	Params Params
	Cache  ProjectCache
	Logger *slog.Logger
}

// EnsureDefaultProject makes the bootstrap project's credentials match the
// configured root secret, creating the project on first boot. It is safe
// to run on every start and from several instances at once. Without a
// secret or pepper it does nothing and returns nil.
func EnsureDefaultProject(ctx context.Context, repo *Repo, cfg BootstrapConfig) (*models.Project, error) {
	if cfg.Secret == "" || cfg.Pepper == "" {
		return nil, nil
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	lookup := LookupHash(cfg.Pepper, cfg.Secret)
	hash, err := HashSecret(cfg.Secret, cfg.Pepper, cfg.Params)
	if err != nil {
		return nil, err
	}

	p, err := repo.GetBootstrap(ctx)
	switch {
	case err == nil:
		return rotate(ctx, repo, cfg.Cache, p, lookup, hash, log)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	marker := true
	p = &models.Project{
		ID:           uuid.NewString(),
		SecretLookup: lookup,
		SecretHash:   hash,
		Configs:      map[string]any{},
		Bootstrap:    &marker,
	}
	err = repo.Create(ctx, p)
	if err == nil {
		log.InfoContext(ctx, "default project created", "project_id", p.ID)
		return p, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}

	// another instance created it first
	existing, gerr := repo.GetBootstrap(ctx)
	if gerr != nil {
		return nil, errors.Join(err, gerr)
	}
	return rotate(ctx, repo, cfg.Cache, existing, lookup, hash, log)
}

func rotate(ctx context.Context, repo *Repo, cache ProjectCache, p *models.Project, lookup, hash string, log *slog.Logger) (*models.Project, error) {
	oldLookup := p.SecretLookup
	if err := repo.UpdateSecret(ctx, p.ID, lookup, hash); err != nil {
		return nil, err
	}
	if cache != nil && oldLookup != "" {
		if err := cache.DeleteProject(ctx, oldLookup); err != nil {
			log.WarnContext(ctx, "invalidate cached project failed", "err", err)
		}
	}
	p.SecretLookup, p.SecretHash = lookup, hash
	if oldLookup != lookup {
		log.InfoContext(ctx, "default project secret rotated", "project_id", p.ID)
	}
	return p, nil
}
