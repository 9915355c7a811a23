package tracelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Traceline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// BatchMetadata is the create-batch payload.
type BatchMetadata struct {
	BatchNumber   string `json:"batchNumber,omitempty"`
	ProductName   string `json:"productName"`
	Origin        string `json:"origin"`
	Quantity      string `json:"quantity"`
	Unit          string `json:"unit"`
	TotalWeightKg *int   `json:"totalWeightKg,omitempty"`
	HarvestDate   string `json:"harvestDate,omitempty"`
	ExpiryDate    string `json:"expiryDate,omitempty"`
	Organic       bool   `json:"organic,omitempty"`
	Import        bool   `json:"import,omitempty"`
}

// Batch represents the API batch model.
type Batch struct {
	ID          string   `json:"id"`
	BatchNumber string   `json:"batch_number"`
	ProductName string   `json:"product_name"`
	Origin      string   `json:"origin"`
	Quantity    string   `json:"quantity"`
	Unit        string   `json:"unit"`
	Status      string   `json:"status"`
	OwnerID     string   `json:"owner_id"`
	LedgerID    *int64   `json:"ledger_id,omitempty"`
	LedgerTx    *string  `json:"ledger_tx,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Pending     bool     `json:"pending_reconciliation,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// Inspection represents the API inspection model.
type Inspection struct {
	ID          string  `json:"id"`
	BatchID     string  `json:"batch_id"`
	InspectorID string  `json:"inspector_id"`
	Result      string  `json:"result"`
	FileURL     *string `json:"file_url,omitempty"`
	Notes       *string `json:"notes,omitempty"`
	InspDate    string  `json:"insp_date"`
	LedgerID    *int64  `json:"ledger_id,omitempty"`
	LedgerTx    *string `json:"ledger_tx,omitempty"`
	Batch       *Batch  `json:"batch,omitempty"`
	Pending     bool    `json:"pending_reconciliation,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// SyncReport counts what a sync run touched.
type SyncReport struct {
	BatchesCreated       int `json:"batches_created"`
	BatchesUpdated       int `json:"batches_updated"`
	BatchesUnchanged     int `json:"batches_unchanged"`
	BatchesSkipped       int `json:"batches_skipped"`
	BatchesFailed        int `json:"batches_failed"`
	InspectionsCreated   int `json:"inspections_created"`
	InspectionsUpdated   int `json:"inspections_updated"`
	InspectionsUnchanged int `json:"inspections_unchanged"`
	InspectionsSkipped   int `json:"inspections_skipped"`
	InspectionsFailed    int `json:"inspections_failed"`
	IdentitiesCreated    int `json:"identities_created"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]any{"email": email, "password": password}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateBatch registers a batch. A Pending response means the ledger accepted
// the batch but the server's mirror is catching up.
func (c *Client) CreateBatch(ctx context.Context, meta BatchMetadata) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/batches", meta, &resp)
	return resp, err
}

// GetBatch fetches a mirrored batch.
func (c *Client) GetBatch(ctx context.Context, batchNumber string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, c.batchPath(batchNumber, ""), nil, &resp)
	return resp, err
}

// ListBatches lists mirrored batches, optionally filtered by status.
func (c *Client) ListBatches(ctx context.Context, status string, limit int) ([]Batch, error) {
	endpoint := "v0/batches"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Batch
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateBatchStatus moves a batch through its lifecycle.
func (c *Client) UpdateBatchStatus(ctx context.Context, batchNumber, status string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPut, c.batchPath(batchNumber, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

// SubmitInspection records an inspector verdict for a batch.
func (c *Client) SubmitInspection(ctx context.Context, batchNumber, result, fileURL, notes string) (Inspection, error) {
	body := map[string]any{"result": result}
	if fileURL != "" {
		body["file_url"] = fileURL
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Inspection
	err := c.do(ctx, http.MethodPost, c.batchPath(batchNumber, "inspection"), body, &resp)
	return resp, err
}

// CompleteInspection writes the terminal result for an open inspection.
func (c *Client) CompleteInspection(ctx context.Context, batchNumber string, ledgerInspectionID int64, result string) (Inspection, error) {
	body := map[string]any{
		"batch_number":         batchNumber,
		"ledger_inspection_id": ledgerInspectionID,
		"result":               result,
	}
	var resp Inspection
	err := c.do(ctx, http.MethodPost, "v0/inspections/complete", body, &resp)
	return resp, err
}

// ListInspections lists inspections recorded for a batch.
func (c *Client) ListInspections(ctx context.Context, batchNumber string) ([]Inspection, error) {
	var resp []Inspection
	err := c.do(ctx, http.MethodGet, c.batchPath(batchNumber, "inspections"), nil, &resp)
	return resp, err
}

// RunSync replays the ledger into the server's mirror.
func (c *Client) RunSync(ctx context.Context) (SyncReport, error) {
	var resp SyncReport
	err := c.do(ctx, http.MethodPost, "v0/sync", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) batchPath(batchNumber, suffix string) string {
	p := fmt.Sprintf("v0/batches/%s", url.PathEscape(batchNumber))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
