package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

func NewWithClient(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func projectKey(lookup string) string {
	return "acontext:project:lookup:" + lookup
}

// cachedProject keeps the fields json:"-" hides on models.Project.
type cachedProject struct {
	ID           string         `json:"id"`
	SecretLookup string         `json:"secret_lookup"`
	SecretHash   string         `json:"secret_hash"`
	Configs      map[string]any `json:"configs"`
	Bootstrap    bool           `json:"bootstrap"`
}

// GetProject returns (nil, nil) on a cache miss.
func (s *Store) GetProject(ctx context.Context, lookup string) (*models.Project, error) {
	b, err := s.rdb.Get(ctx, projectKey(lookup)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp cachedProject
	if err := json.Unmarshal(b, &cp); err != nil {
		// corrupt entry, treat as miss
		_ = s.rdb.Del(ctx, projectKey(lookup)).Err()
		return nil, nil
	}
	p := &models.Project{
		ID:           cp.ID,
		SecretLookup: cp.SecretLookup,
		SecretHash:   cp.SecretHash,
		Configs:      cp.Configs,
	}
	if cp.Bootstrap {
		t := true
		p.Bootstrap = &t
	}
	return p, nil
}

func (s *Store) SetProject(ctx context.Context, p *models.Project) error {
	b, err := json.Marshal(cachedProject{
		ID:           p.ID,
		SecretLookup: p.SecretLookup,
		SecretHash:   p.SecretHash,
		Configs:      p.Configs,
		Bootstrap:    p.IsBootstrap(),
	})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, projectKey(p.SecretLookup), b, s.ttl).Err()
}

func (s *Store) DeleteProject(ctx context.Context, lookup string) error {
	return s.rdb.Del(ctx, projectKey(lookup)).Err()
}
