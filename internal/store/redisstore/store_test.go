package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

// Needs a live server: REDIS_TEST_ADDR=127.0.0.1:6379 go test ./...
func openTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	s := New(addr, "", 15, time.Minute)
	if err := s.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProjectCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	miss, err := s.GetProject(ctx, "no-such-lookup")
	require.NoError(t, err)
	assert.Nil(t, miss)

	marker := true
	p := &models.Project{
		ID:           "p1",
		SecretLookup: "lookup-p1",
		SecretHash:   "$argon2id$x",
		Configs:      map[string]any{"k": "v"},
		Bootstrap:    &marker,
	}
	require.NoError(t, s.SetProject(ctx, p))

	got, err := s.GetProject(ctx, "lookup-p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, "$argon2id$x", got.SecretHash)
	assert.True(t, got.IsBootstrap())
	assert.Equal(t, "v", got.Configs["k"])

	require.NoError(t, s.DeleteProject(ctx, "lookup-p1"))
	got, err = s.GetProject(ctx, "lookup-p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
