package metriclog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tsawler/lesion-distill/training"
)

// HTTPConfig configures the sidecar dashboard client.
type HTTPConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultHTTPConfig returns the defaults for a dashboard on localhost.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// HTTPResponse is the sidecar's reply.
type HTTPResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// HTTPSink posts each epoch record to a sidecar dashboard at
// <base>/api/metrics.
type HTTPSink struct {
	cfg        HTTPConfig
	runID      string
	httpClient *http.Client
}

// NewHTTPSink creates a sidecar client.
func NewHTTPSink(cfg HTTPConfig, runID string) *HTTPSink {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &HTTPSink{
		cfg:        cfg,
		runID:      runID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Write posts entry, retrying failed attempts.
func (s *HTTPSink) Write(ctx context.Context, entry training.EpochEntry) error {
	body, err := json.Marshal(newPayload(s.runID, entry, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		_, err := s.post(ctx, "/api/metrics", body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < s.cfg.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	return fmt.Errorf("failed to send metrics after %d attempts: %w", s.cfg.RetryAttempts, lastErr)
}

func (s *HTTPSink) post(ctx context.Context, path string, body []byte) (*HTTPResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lesion-distill")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var reply HTTPResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &reply, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, reply.Message)
	}
	return &reply, nil
}

// CheckHealth checks that the sidecar answers on /health.
func (s *HTTPSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
