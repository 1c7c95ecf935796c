// Package feature serves the metered product features. The actual work is
// delegated to an upstream service; this package only forwards requests and
// labels the usage for the credit gate.
package feature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrFeatureUnavailable = errors.New("feature upstream not configured")
	ErrUpstreamFailed     = errors.New("feature upstream failed")
)

const maxUpstreamResponse = 4 << 20

// Result is an upstream feature response.
type Result struct {
	Output json.RawMessage `json:"output"`
	// Description labels the usage row; empty means "<feature> usage"
	Description string `json:"description,omitempty"`
}

// Executor performs a feature call.
type Executor interface {
	Execute(ctx context.Context, feature string, userID uuid.UUID, payload json.RawMessage) (*Result, error)
}

// UpstreamConfig configures UpstreamExecutor.
type UpstreamConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// UpstreamExecutor forwards feature calls as JSON to BaseURL/<feature>.
type UpstreamExecutor struct {
	httpClient *http.Client
	config     UpstreamConfig
}

func NewUpstreamExecutor(cfg UpstreamConfig) *UpstreamExecutor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &UpstreamExecutor{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
	}
}

type upstreamRequest struct {
	Feature string          `json:"feature"`
	UserID  string          `json:"user_id"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (e *UpstreamExecutor) Execute(ctx context.Context, feature string, userID uuid.UUID, payload json.RawMessage) (*Result, error) {
	base := strings.TrimRight(strings.TrimSpace(e.config.BaseURL), "/")
	if base == "" {
		return nil, ErrFeatureUnavailable
	}

	body, err := json.Marshal(upstreamRequest{Feature: feature, UserID: userID.String(), Input: payload})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+url.PathEscape(feature), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out Result
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrUpstreamFailed, err)
	}
	if len(out.Output) == 0 {
		out.Output = json.RawMessage("null")
	}
	return &out, nil
}

// UpstreamError is a non-2xx upstream reply.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("feature upstream returned status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamFailed
}
