// Package auth resolves the calling project from a bearer credential.
//
// A request is authenticated in two phases: a deterministic keyed lookup
// hash finds the project through a unique index, then (optionally) the
// salted argon2id hash stored on that project confirms the secret.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/metrics"
	"github.com/suPer8Hu/acontext-api/internal/models"
)

// ProjectCache is a read-through cache keyed by lookup hash.
type ProjectCache interface {
	GetProject(ctx context.Context, lookup string) (*models.Project, error)
	SetProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, lookup string) error
}

type Options struct {
	Prefix string
	Pepper string
	Verify bool

	Cache   ProjectCache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Authenticator struct {
	repo *Repo
	opts Options
	log  *slog.Logger
}

func NewAuthenticator(repo *Repo, opts Options) *Authenticator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{repo: repo, opts: opts, log: log.With("component", "auth")}
}

// Authenticate resolves the project for an Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*models.Project, error) {
	secret, ok := a.secretFromHeader(header)
	if !ok {
		a.opts.Metrics.AuthFailed("malformed")
		return nil, common.AuthError("missing or malformed bearer token")
	}

	lookup := LookupHash(a.opts.Pepper, secret)
	p, err := a.findProject(ctx, lookup)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.opts.Metrics.AuthFailed("unknown")
			return nil, common.AuthError("invalid token")
		}
		return nil, common.InternalError("lookup project", err)
	}

	if a.opts.Verify {
		ok, err := VerifySecret(ctx, secret, a.opts.Pepper, p.SecretHash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, common.DownstreamError("secret verification interrupted", err)
			}
			a.opts.Metrics.AuthFailed("bad_hash")
			return nil, common.AuthError("invalid token")
		}
		if !ok {
			a.opts.Metrics.AuthFailed("mismatch")
			return nil, common.AuthError("invalid token")
		}
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("project_id", p.ID))
	return p, nil
}

func (a *Authenticator) secretFromHeader(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const bearer = "bearer "
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	if !strings.HasPrefix(token, a.opts.Prefix) {
		return "", false
	}
	secret := strings.TrimPrefix(token, a.opts.Prefix)
	return secret, secret != ""
}

func (a *Authenticator) findProject(ctx context.Context, lookup string) (*models.Project, error) {
	if a.opts.Cache != nil {
		p, err := a.opts.Cache.GetProject(ctx, lookup)
		if err != nil {
			a.log.WarnContext(ctx, "project cache get failed", "err", err)
		} else if p != nil {
			return p, nil
		}
	}

	p, err := a.repo.GetByLookup(ctx, lookup)
	if err != nil {
		return nil, err
	}

	if a.opts.Cache != nil {
		if err := a.opts.Cache.SetProject(ctx, p); err != nil {
			a.log.WarnContext(ctx, "project cache set failed", "err", err)
		}
	}
	return p, nil
}
