// Package client talks to the ledger HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/common/httputil"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger returned %d: %s", e.StatusCode, e.Message)
}

// IngestResult describes one submission. RawID is zero when the server never
// stored the raw payload.
type IngestResult struct {
	RawID  int64  `json:"raw_id,omitempty"`
	Status string `json:"status"`
}

type LedgerClient struct {
	baseURL string
	client  *http.Client
}

func NewLedgerClient(baseURL string) *LedgerClient {
	return &LedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Ingest posts body verbatim to /api/ingest. A pipeline failure comes back as
// an *APIError alongside a result carrying the raw submission id.
func (c *LedgerClient) Ingest(ctx context.Context, body []byte, fail bool) (*IngestResult, error) {
	path := "/api/ingest"
	if fail {
		path += "?fail=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &IngestResult{}
	if id := resp.Header.Get(httputil.HeaderRawEventID); id != "" {
		result.RawID, _ = strconv.ParseInt(id, 10, 64)
	}

	if resp.StatusCode != http.StatusOK {
		result.Status = "error"
		return result, decodeError(resp)
	}

	var ok struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return nil, fmt.Errorf("failed to decode ingest response: %w", err)
	}
	result.Status = ok.Status
	return result, nil
}

func (c *LedgerClient) ListEvents(ctx context.Context) ([]models.RawSubmission, error) {
	var events []models.RawSubmission
	if err := c.get(ctx, "/api/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *LedgerClient) GetEvent(ctx context.Context, id int64) (*models.RawSubmission, error) {
	var event models.RawSubmission
	if err := c.get(ctx, "/api/events/"+strconv.FormatInt(id, 10), nil, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (c *LedgerClient) ListNormalized(ctx context.Context) ([]models.NormalizedEvent, error) {
	var events []models.NormalizedEvent
	if err := c.get(ctx, "/api/normalized", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *LedgerClient) Aggregates(ctx context.Context, filter models.AggregateFilter) ([]models.AggregateRow, error) {
	q := url.Values{}
	if filter.ClientID != "" {
		q.Set("client", filter.ClientID)
	}
	if filter.From != "" {
		q.Set("from", filter.From)
	}
	if filter.To != "" {
		q.Set("to", filter.To)
	}

	var rows []models.AggregateRow
	if err := c.get(ctx, "/api/aggregates", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *LedgerClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body httputil.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
