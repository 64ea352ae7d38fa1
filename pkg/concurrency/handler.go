package concurrency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/internal/metrics"
	"github.com/portalsfs/portalsfs/pkg/protocol"
	"github.com/portalsfs/portalsfs/pkg/retry"
	"github.com/portalsfs/portalsfs/pkg/telemetry"
)

// Doer executes a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds concurrency policy configuration.
type Config struct {
	MaxConcurrentRequests int
	MaxQueuedRequests     int
	Retry                 retry.Config
	Timeout               time.Duration
	Client                Doer
	Telemetry             telemetry.Sink
}

// Handler executes remote requests under the bulkhead and retry policies.
type Handler struct {
	bulkhead *Bulkhead
	retryCfg retry.Config
	client   Doer
	sink     telemetry.Sink
}

// New creates a handler.
func New(cfg Config) *Handler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.MaxConcurrentRequests,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop{}
	}

	return &Handler{
		bulkhead: NewBulkhead(cfg.MaxConcurrentRequests, cfg.MaxQueuedRequests),
		retryCfg: cfg.Retry,
		client:   cfg.Client,
		sink:     cfg.Telemetry,
	}
}

// Bulkhead exposes the handler's bulkhead for inspection.
func (h *Handler) Bulkhead() *Bulkhead {
	return h.bulkhead
}

// HandleRequest executes req. Transport errors, 429 and 5xx responses are
// retried; other responses are returned as-is for the caller to judge.
func (h *Handler) HandleRequest(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	cfg := h.retryCfg
	cfg.OnRetry = func(attempt int, lastErr error) {
		metrics.RecordRetry()
		e := telemetry.Event{
			Name:    telemetry.EventRetryAttempt,
			URL:     req.URL,
			Method:  req.Method,
			Attempt: attempt,
		}
		if lastErr != nil {
			e.Error = lastErr.Error()
		}
		h.sink.Info(e)
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (*protocol.Response, error) {
		var resp *protocol.Response
		err := h.bulkhead.Execute(ctx, func() error {
			var doErr error
			resp, doErr = h.do(ctx, req)
			return doErr
		})
		if err != nil {
			if errors.Is(err, ErrBulkheadLimitsExceeded) || ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.Retryable(err)
		}
		if retryableStatus(resp.StatusCode) {
			return resp, retry.Retryable(&protocol.StatusError{
				Method:     req.Method,
				URL:        req.URL,
				StatusCode: resp.StatusCode,
				Message:    protocol.ErrorMessage(resp),
			})
		}
		return resp, nil
	})

	if err != nil {
		if errors.Is(err, ErrBulkheadLimitsExceeded) {
			metrics.RecordBulkheadRejection()
			h.sink.Failure(telemetry.Event{
				Name:   telemetry.EventBulkheadRejected,
				URL:    req.URL,
				Method: req.Method,
				Error:  err.Error(),
			})
			return nil, err
		}
		return nil, retry.Unwrap(err)
	}
	return resp, nil
}

func (h *Handler) do(ctx context.Context, r protocol.Request) (*protocol.Response, error) {
	start := time.Now()

	req, err := r.Build(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(r.Method, 0, time.Since(start))
		logging.Debug("remote request failed",
			logging.String("method", r.Method),
			logging.URL(r.URL),
			logging.Err(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordRemoteRequest(r.Method, resp.StatusCode, time.Since(start))
		return nil, fmt.Errorf("read response body: %w", err)
	}

	metrics.RecordRemoteRequest(r.Method, resp.StatusCode, time.Since(start))
	return &protocol.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
