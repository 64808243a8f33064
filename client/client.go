// Package client is the HTTP client for the campuspay API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/store"
)

// Client is the HTTP client for the campuspay service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new campuspay client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Code and Field are set for payment request validation failures.
	Code  string
	Field string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed (%d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// PaymentRequest is the server's answer to CreatePaymentRequest.
type PaymentRequest struct {
	URI        string                 `json:"uri"`
	Reference  string                 `json:"reference"`
	QRCodeData string                 `json:"qr_code_data"`
	Request    *payreq.PaymentRequest `json:"request"`
	Record     store.Record           `json:"record"`
}

// TransactionList is one page of transactions.
type TransactionList struct {
	Transactions []store.Record `json:"transactions"`
	Count        int            `json:"count"`
	Total        int            `json:"total"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
}

// Confirmation identifies a started durable confirmation.
type Confirmation struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	RecordID   string `json:"record_id"`
	Signature  string `json:"signature"`
}

// CreatePaymentRequest asks the server to build a payment request and record
// it as pending.
func (c *Client) CreatePaymentRequest(ctx context.Context, params payments.CreateRequestParams) (*PaymentRequest, error) {
	var out PaymentRequest
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/payment-requests", params, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("payment request created", "record_id", out.Record.ID, "reference", out.Reference)
	return &out, nil
}

// ParseURI decodes a payment request URI on the server. recognized is false
// when the URI uses another scheme.
func (c *Client) ParseURI(ctx context.Context, uri string) (req *payreq.PaymentRequest, recognized bool, err error) {
	var out struct {
		Recognized bool                   `json:"recognized"`
		Request    *payreq.PaymentRequest `json:"request"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/api/v1/payment-requests/parse", map[string]string{"uri": uri}, http.StatusOK, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, true, err
	}
	return out.Request, out.Recognized, nil
}

// ListTransactions returns transactions newest first. A non-empty address
// includes its reconciled ledger history.
func (c *Client) ListTransactions(ctx context.Context, address string, limit, offset int) (*TransactionList, error) {
	q := url.Values{}
	if address != "" {
		q.Set("address", address)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var out TransactionList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/transactions", q), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddTransaction records a local transaction.
func (c *Client) AddTransaction(ctx context.Context, n store.NewRecord) (*store.Record, error) {
	var out store.Record
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transactions", n, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTransaction patches a local transaction.
func (c *Client) UpdateTransaction(ctx context.Context, id string, patch store.Patch) (*store.Record, error) {
	var out store.Record
	if err := c.doJSON(ctx, http.MethodPatch, "/api/v1/transactions/"+url.PathEscape(id), patch, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTransaction deletes a local transaction.
func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/transactions/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// ClearTransactions deletes every local transaction.
func (c *Client) ClearTransactions(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/transactions", nil, http.StatusNoContent, nil)
}

// Refresh refetches ledger history for address, bypassing the server's cache.
func (c *Client) Refresh(ctx context.Context, address string) (*TransactionList, error) {
	q := url.Values{"address": {address}}
	var out TransactionList
	if err := c.doJSON(ctx, http.MethodPost, withQuery("/api/v1/transactions/refresh", q), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export streams the CSV export to w.
func (c *Client) Export(ctx context.Context, w io.Writer, address string) error {
	q := url.Values{}
	if address != "" {
		q.Set("address", address)
	}
	resp, err := c.do(ctx, http.MethodGet, withQuery("/api/v1/transactions/export", q), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	return nil
}

// Import uploads CSV rows and returns how many records were added.
func (c *Client) Import(ctx context.Context, r io.Reader) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/transactions/import", r, "text/csv")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.parseErrorResponse(resp)
	}
	var out struct {
		Imported int `json:"imported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Imported, nil
}

// Track starts confirmation tracking for a record.
func (c *Client) Track(ctx context.Context, id, signature string) (*payments.Progress, error) {
	var out payments.Progress
	body := map[string]string{"signature": signature}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(id)+"/track", body, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("tracking started", "record_id", id, "signature", signature)
	return &out, nil
}

// StopTracking stops confirmation tracking for a record.
func (c *Client) StopTracking(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/transactions/"+url.PathEscape(id)+"/track", nil, http.StatusNoContent, nil)
}

// Steps returns a record's confirmation progress.
func (c *Client) Steps(ctx context.Context, id string) (*payments.Progress, error) {
	var out payments.Progress
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id)+"/steps", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Confirm starts a durable confirmation workflow for a record.
func (c *Client) Confirm(ctx context.Context, id, signature string) (*Confirmation, error) {
	var out Confirmation
	body := map[string]string{"signature": signature}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(id)+"/confirm", body, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// doJSON sends in as a JSON body (when non-nil), checks for wantStatus and
// decodes the response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Field string `json:"field"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Code:       errResp.Code,
		Field:      errResp.Field,
	}
}
