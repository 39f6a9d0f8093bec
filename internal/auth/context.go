package auth

import (
	"context"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

type projectKey struct{}

func WithProject(ctx context.Context, p *models.Project) context.Context {
	return context.WithValue(ctx, projectKey{}, p)
}

func ProjectFromContext(ctx context.Context) (*models.Project, bool) {
	p, ok := ctx.Value(projectKey{}).(*models.Project)
	return p, ok && p != nil
}
