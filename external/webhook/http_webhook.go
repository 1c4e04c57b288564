package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foxseedlab/teno/internal/webhook"
)

const (
	webhookTimeout     = 15 * time.Second
	webhookMaxAttempts = 3
	webhookBackoff     = 500 * time.Millisecond
	errorBodyLimit     = 512
)

type HTTPSender struct {
	webhookURL string
	client     *http.Client
	backoff    time.Duration
}

func NewHTTPSender(webhookURL string) *HTTPSender {
	return &HTTPSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
		backoff:    webhookBackoff,
	}
}

func (s *HTTPSender) SendTranscript(ctx context.Context, payload webhook.TranscriptWebhookPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		retry, err := s.post(ctx, b, payload.SchemaVersion)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == webhookMaxAttempts {
			break
		}
		slog.Warn("transcript webhook failed; retrying", "error", err, "attempt", attempt, "meeting_id", payload.MeetingID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

// post reports whether a failure is worth retrying.
func (s *HTTPSender) post(ctx context.Context, body []byte, schemaVersion int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Teno-Schema-Version", strconv.Itoa(schemaVersion))
	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if isHTTPSuccessStatus(resp.StatusCode) {
		return false, nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return resp.StatusCode >= http.StatusInternalServerError,
		fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
