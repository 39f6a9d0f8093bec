// Package flush asks the extraction consumer to process a session's
// buffered messages now and waits for the answer.
package flush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/metrics"
)

// Result is the consumer's answer. Status 0 means success.
type Result struct {
	Status int    `json:"status"`
	ErrMsg string `json:"errmsg"`
}

func (r Result) OK() bool { return r.Status == 0 }

type Coordinator struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client

	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(baseURL string, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		// ctx carries the deadline; no client-wide timeout
		Client:  &http.Client{},
		log:     log.With("component", "flush"),
		metrics: m,
	}
}

// Flush blocks until the consumer acknowledges or the timeout elapses.
// Transport failures and timeouts are DownstreamErrors; a consumer that
// answers with a non-zero status is reported through Result.
func (c *Coordinator) Flush(ctx context.Context, projectID, sessionID string) (Result, error) {
	res, err := c.flush(ctx, projectID, sessionID)
	c.metrics.Flushed(err)
	return res, err
}

func (c *Coordinator) flush(ctx context.Context, projectID, sessionID string) (Result, error) {
	if c.Client == nil {
		return Result{}, common.InternalError("flush: http client is nil", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v1/project/%s/session/%s/flush",
		c.BaseURL, url.PathEscape(projectID), url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Result{}, common.InternalError("build flush request", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.WarnContext(ctx, "flush timed out", "session_id", sessionID, "timeout", c.Timeout)
			return Result{}, common.DownstreamError("flush timed out", err)
		}
		return Result{}, common.DownstreamError("extraction consumer unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, common.DownstreamError(fmt.Sprintf("extraction consumer returned status %d", resp.StatusCode), nil)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, common.DownstreamError("invalid flush response", err)
	}
	c.log.InfoContext(ctx, "session flushed", "session_id", sessionID, "status", out.Status, "cost", time.Since(start))
	return out, nil
}
