package flush

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/logging"
)

func TestFlush_OK(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":0,"errmsg":""}`))
	}))
	defer srv.Close()

	c := NewCoordinator(srv.URL+"/", time.Second, logging.Discard(), nil)
	res, err := c.Flush(context.Background(), "p1", "s1")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/project/p1/session/s1/flush", gotPath)
}

func TestFlush_ConsumerReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":1,"errmsg":"llm quota"}`))
	}))
	defer srv.Close()

	res, err := NewCoordinator(srv.URL, time.Second, logging.Discard(), nil).Flush(context.Background(), "p1", "s1")
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, "llm quota", res.ErrMsg)
}

func TestFlush_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewCoordinator(srv.URL, 50*time.Millisecond, logging.Discard(), nil).Flush(context.Background(), "p1", "s1")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindDownstream))
	assert.Equal(t, "flush timed out", common.Message(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFlush_BadStatusAndUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := NewCoordinator(srv.URL, time.Second, logging.Discard(), nil).Flush(context.Background(), "p1", "s1")
	assert.True(t, common.IsKind(err, common.KindDownstream))

	srv.Close()
	_, err = NewCoordinator(srv.URL, time.Second, logging.Discard(), nil).Flush(context.Background(), "p1", "s1")
	assert.True(t, common.IsKind(err, common.KindDownstream))
}
