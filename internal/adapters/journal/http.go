package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/carelink/televisit/internal/domain"
)

// HTTPClient is the core.CallJournal for headless endpoints: instead of
// writing locally it posts reports to the relay, which owns the database.
type HTTPClient struct {
	base   string
	client *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base:   baseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) ReportMissed(ctx context.Context, report domain.MissedCall) error {
	return c.post(ctx, "/api/calls/missed", report)
}

func (c *HTTPClient) RecordOutcome(ctx context.Context, rec domain.CallRecord) error {
	return c.post(ctx, "/api/calls/records", rec)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal journal report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post journal report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("journal report rejected: %s", resp.Status)
	}
	return nil
}
