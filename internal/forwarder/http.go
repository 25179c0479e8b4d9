package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"lapse/internal/expiry"
	"lapse/pkg/logx"
)

type HTTPConfig struct {
	URL       string
	Timeout   time.Duration
	RetryMax  int
	RetryBase time.Duration
}

// RemovalRequest is the JSON body POSTed to the policy service.
type RemovalRequest struct {
	PolicyID  string    `json:"policy_id"`
	SubjectID string    `json:"subject_id"`
	Expiry    time.Time `json:"expiry"`
	IssuedAt  time.Time `json:"issued_at"`
}

// HTTP posts removal commands. 5xx answers and transport errors are retried
// with jittered backoff; any other non-2xx answer is final.
type HTTP struct {
	url    string
	client *http.Client
	cfg    HTTPConfig
	log    logx.Logger
}

// statusError is a non-2xx answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("policy service answered %d", e.code)
	}
	return fmt.Sprintf("policy service answered %d: %s", e.code, e.body)
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("forwarder: http.url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	return &HTTP{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.With(logx.String("comp", "forwarder.http")),
	}, nil
}

func (h *HTTP) RemoveSubject(ctx context.Context, cmd expiry.RemoveSubject) error {
	body, err := json.Marshal(RemovalRequest{
		PolicyID:  string(cmd.PolicyID),
		SubjectID: string(cmd.SubjectID),
		Expiry:    cmd.Expiry.UTC(),
		IssuedAt:  cmd.IssuedAt.UTC(),
	})
	if err != nil {
		return err
	}

	attempts := 1 + h.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = h.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		var se *statusError
		if errors.As(lastErr, &se) && se.code < 500 {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		h.log.Debug("removal post failed; retrying", logx.Int("attempt", attempt), logx.Err(lastErr))

		t := time.NewTimer(h.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (h *HTTP) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode/100 != 2 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return nil
}

func (h *HTTP) backoff(attempt int) time.Duration {
	d := h.cfg.RetryBase << (attempt - 1)
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}
