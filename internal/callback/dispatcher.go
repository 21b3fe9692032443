// Package callback posts async generation outcomes to caller webhooks.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"image-generation-gateway/internal/models"
	"image-generation-gateway/internal/telemetry"
)

// Dispatcher makes one delivery attempt per payload. There is no retry.
type Dispatcher struct {
	client *http.Client
	logger zerolog.Logger
}

// NewDispatcher builds a dispatcher whose requests time out after timeout.
func NewDispatcher(timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "callback").Logger(),
	}
}

// Deliver posts payload as JSON to url. Failures are logged, counted and
// returned to the caller, which is expected to ignore them.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload models.CallbackPayload) error {
	err := d.post(ctx, url, payload)
	if err != nil {
		telemetry.CallbackFailures.Inc()
		d.logger.Error().Err(err).Str("request_id", payload.RequestID).Str("url", url).Msg("callback delivery failed")
		return models.NewError(models.CodeCallbackDelivery, "callback delivery failed", err)
	}
	telemetry.CallbacksDelivered.Inc()
	d.logger.Info().Str("request_id", payload.RequestID).Str("status", payload.Status).Msg("callback delivered")
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, payload models.CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
