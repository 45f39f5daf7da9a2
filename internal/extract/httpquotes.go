package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/pipeline"
)

// HTTPQuotes pulls the latest quote snapshot from a JSON-over-HTTP market
// data API. The API returns current state, so the snapshot is stamped with
// the window end: an incremental run stamps "now", a backfill run stamps
// the pinned bucket.
type HTTPQuotes struct {
	BaseURL string
	APIKey  string

	// RecordedAtColumn is the column the snapshot timestamp is written
	// to. Defaults to "recorded_at".
	RecordedAtColumn string

	// MaxAttempts bounds transport-level retries. Defaults to 3.
	MaxAttempts int

	// Client defaults to a client with a 30s timeout.
	Client *http.Client
}

type quotesResponse struct {
	Data []map[string]any `json:"data"`
}

// Name returns the extractor name.
func (h *HTTPQuotes) Name() string { return "http-quotes" }

// Extract fetches the quote snapshot with bounded retries on transport
// failures. A non-2xx status or malformed body counts as a failed attempt.
func (h *HTTPQuotes) Extract(ctx context.Context, win backfill.Window) ([]pipeline.Record, error) {
	attempts := h.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	recordedAt := h.RecordedAtColumn
	if recordedAt == "" {
		recordedAt = "recorded_at"
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := h.fetch(ctx, client)
		if err == nil {
			recs := make([]pipeline.Record, 0, len(payload.Data))
			for _, item := range payload.Data {
				rec := pipeline.Record(item)
				rec[recordedAt] = win.End
				recs = append(recs, rec)
			}
			return recs, nil
		}
		lastErr = err
		if attempt < attempts {
			logging.Warn("http-quotes: attempt %d/%d failed: %v", attempt, attempts, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (h *HTTPQuotes) fetch(ctx context.Context, client *http.Client) (*quotesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.APIKey != "" {
		req.Header.Set("X-API-Key", h.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("quote API returned %d: %s", resp.StatusCode, string(body))
	}

	var payload quotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding quote response: %w", err)
	}
	return &payload, nil
}
