package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPSink POSTs events to an audit endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	retries  uint64
	delay    time.Duration
	log      *slog.Logger
}

// NewHTTPSink creates a sink that retries each POST three times.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries: 3,
		delay:   time.Second,
		log:     slog.With("component", "audit"),
	}
}

// Post sends the event, retrying with doubling delays.
func (s *HTTPSink) Post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.retries-1), ctx)

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return s.post(ctx, body)
	}, policy, func(err error, wait time.Duration) {
		s.log.Warn("audit post failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("all %d attempts failed: %w", attempt, err)
	}
	return nil
}

// post sends a single POST request to the endpoint.
func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.log.Debug("audit event posted", "endpoint", s.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}
