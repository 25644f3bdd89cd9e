package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/copyleftdev/moeva/internal/attack"
)

// PredictRequest is the body sent to a remote model.
type PredictRequest struct {
	Instances [][]float64 `json:"instances"`
}

// PredictResponse is the body expected back.
type PredictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

// HTTPScorer queries a remote model server that accepts a JSON batch of
// instances and answers with one probability row per instance.
type HTTPScorer struct {
	url    string
	client *http.Client
	header http.Header
}

var _ attack.Scorer = (*HTTPScorer)(nil)

// HTTPOption configures an HTTPScorer.
type HTTPOption func(*HTTPScorer)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPScorer) { s.client = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPScorer) { s.header.Add(key, value) }
}

// NewHTTPScorer returns a scorer posting to url.
func NewHTTPScorer(url string, timeout time.Duration, opts ...HTTPOption) *HTTPScorer {
	s := &HTTPScorer{
		url:    url,
		client: &http.Client{Timeout: timeout},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score implements attack.Scorer.
func (s *HTTPScorer) Score(ctx context.Context, batch [][]float64) ([][]float64, error) {
	body, err := json.Marshal(PredictRequest{Instances: batch})
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building predict request: %w", err)
	}
	req.Header = s.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding predict response: %w", err)
	}
	if len(out.Predictions) != len(batch) {
		return nil, fmt.Errorf("model server returned %d predictions for %d instances", len(out.Predictions), len(batch))
	}
	return out.Predictions, nil
}
