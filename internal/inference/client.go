package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/ups"
)

const (
	analyzePath   = "/analyze/mri"
	maxErrorBody  = 4096
	maxResultBody = 512 << 20
)

// StatusError reports a non-200 model response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Model error: %d - %s", e.StatusCode, e.Body)
}

// NetworkError reports a request that never produced a response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("Network error calling model: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Request is the body sent to the model backend.
type Request struct {
	Retrieval []ups.RetrievalLocation `json:"wado_rs_retrieval"`
	StudyUID  string                  `json:"study_uid"`
}

// Client calls the model backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for cfg.Inference.ModelURL.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	timeout := cfg.InferenceTimeout()
	if timeout <= 0 {
		timeout = 1000 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.Inference.ModelURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logging.NewComponentLogger(logger, "inference"),
	}
}

// Analyze posts the retrieval locations and waits for the model's verdict.
func (c *Client) Analyze(ctx context.Context, studyUID string, locations []ups.RetrievalLocation) (*Result, error) {
	if locations == nil {
		locations = []ups.RetrievalLocation{}
	}
	payload, err := json.Marshal(Request{Retrieval: locations, StudyUID: studyUID})
	if err != nil {
		return nil, fmt.Errorf("encode model request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	c.logger.Info("model backend responded",
		logging.String(logging.FieldEventType, "model_request"),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	return Parse(body)
}
