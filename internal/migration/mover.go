package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/shardrouter/internal/model"
)

// SpanChecksum summarizes the data a shard holds for one token span.
type SpanChecksum struct {
	Keys     int64  `json:"keys"`
	Checksum uint64 `json:"checksum"`
}

// DataMover performs the bulk data operations of a migration against
// shard backends. The coordinator never touches shard data directly, so
// tests substitute an in-memory mover.
type DataMover interface {
	// CopySpan bulk-copies all existing keys of span from source to target.
	CopySpan(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error)

	// CopyDeltas re-copies keys of span that changed on the source since
	// the last copy, used to converge after a verification mismatch.
	CopyDeltas(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error)

	// Checksum returns the span's key count and checksum on one shard.
	Checksum(ctx context.Context, endpoint string, span model.TokenSpan) (SpanChecksum, error)

	// DeleteSpan removes the span's keys from a shard, used to reclaim the
	// source after cutover and to discard target data on abort.
	DeleteSpan(ctx context.Context, endpoint string, span model.TokenSpan) error
}

// HTTPMover drives span operations over each shard's internal HTTP API.
type HTTPMover struct {
	client *http.Client
}

// NewHTTPMover creates a mover with the given per-request timeout.
func NewHTTPMover(timeout time.Duration) *HTTPMover {
	return &HTTPMover{client: &http.Client{Timeout: timeout}}
}

type spanCopyRequest struct {
	Span   model.TokenSpan `json:"span"`
	Target string          `json:"target"`
	Deltas bool            `json:"deltas"`
}

// CopySpan asks the source shard to stream the span to the target.
func (m *HTTPMover) CopySpan(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error) {
	return m.copy(ctx, sourceEndpoint, targetEndpoint, span, false)
}

// CopyDeltas asks the source shard to stream changed keys to the target.
func (m *HTTPMover) CopyDeltas(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan) (model.MigrationProgress, error) {
	return m.copy(ctx, sourceEndpoint, targetEndpoint, span, true)
}

func (m *HTTPMover) copy(ctx context.Context, sourceEndpoint, targetEndpoint string, span model.TokenSpan, deltas bool) (model.MigrationProgress, error) {
	var progress model.MigrationProgress
	body, err := json.Marshal(spanCopyRequest{Span: span, Target: targetEndpoint, Deltas: deltas})
	if err != nil {
		return progress, err
	}

	url := fmt.Sprintf("http://%s/internal/spans/copy", sourceEndpoint)
	if err := m.do(ctx, http.MethodPost, url, body, &progress); err != nil {
		return progress, fmt.Errorf("span copy via %s failed: %w", sourceEndpoint, err)
	}
	return progress, nil
}

// Checksum fetches the span summary from a shard.
func (m *HTTPMover) Checksum(ctx context.Context, endpoint string, span model.TokenSpan) (SpanChecksum, error) {
	var sum SpanChecksum
	url := fmt.Sprintf("http://%s/internal/spans/checksum?start=%d&end=%d", endpoint, span.Start, span.End)
	if err := m.do(ctx, http.MethodGet, url, nil, &sum); err != nil {
		return sum, fmt.Errorf("span checksum via %s failed: %w", endpoint, err)
	}
	return sum, nil
}

// DeleteSpan removes the span's keys from a shard.
func (m *HTTPMover) DeleteSpan(ctx context.Context, endpoint string, span model.TokenSpan) error {
	url := fmt.Sprintf("http://%s/internal/spans?start=%d&end=%d", endpoint, span.Start, span.End)
	if err := m.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("span delete via %s failed: %w", endpoint, err)
	}
	return nil
}

func (m *HTTPMover) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
