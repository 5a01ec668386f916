// Package seqtag provides a client for a BIO sequence-tagging inference service.
package seqtag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the tagger service operations.
type Client interface {
	// Predict tags the text for one field and returns the decoded span.
	Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error)
}

// PredictRequest is the body of POST /v1/predict.
type PredictRequest struct {
	TemplateID string   `json:"template_id"`
	FieldName  string   `json:"field_name"`
	Text       string   `json:"text"`
	Context    []string `json:"context,omitempty"`
}

// TaggedToken is one token with its BIO label.
type TaggedToken struct {
	Token string  `json:"token"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// PredictResponse is the service reply. Value may be empty when the service
// only returns token labels.
type PredictResponse struct {
	Value        string        `json:"value"`
	Confidence   float64       `json:"confidence"`
	ModelVersion string        `json:"model_version"`
	Tokens       []TaggedToken `json:"tokens,omitempty"`
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("seqtag: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the service base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithAPIKey sets a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a tagger client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "http://localhost:8501",
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "seqtag: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "seqtag: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "seqtag: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "seqtag: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out PredictResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "seqtag: unmarshal response")
	}
	return &out, nil
}
