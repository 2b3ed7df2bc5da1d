package pixmedsdk

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

// Client is a minimal PIX MED refund API client.
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
		Timeout: 10 * time.Second,
	}
}

// RefundRequest is the intake payload.
type RefundRequest struct {
	OriginalTransactionID string `json:"idTransacaoOriginal"`
	Reason                string `json:"motivo"`
	RequesterTaxID        string `json:"cpfClienteSolicitante"`
}

// Snapshot is the ledger record of the original transaction.
type Snapshot struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	PayerID       string `json:"payer_id"`
	PayerName     string `json:"payer_name,omitempty"`
	PayeeID       string `json:"payee_id"`
	PayeeName     string `json:"payee_name,omitempty"`
	OccurredAt    string `json:"occurred_at"`
	Status        string `json:"status,omitempty"`
}

// Risk is the risk desk verdict.
type Risk struct {
	Tier        string `json:"tier"`
	AutoApprove bool   `json:"auto_approve"`
	Rationale   string `json:"rationale"`
}

// Settlement is the ledger reversal outcome.
type Settlement struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ReversalID string `json:"reversal_id,omitempty"`
}

// Case represents the API refund case model.
type Case struct {
	ID                    string      `json:"id"`
	Status                string      `json:"status"`
	OriginalTransactionID string      `json:"idTransacaoOriginal"`
	Reason                string      `json:"motivo"`
	RequesterTaxID        string      `json:"cpfClienteSolicitante"`
	Snapshot              *Snapshot   `json:"snapshot,omitempty"`
	Risk                  *Risk       `json:"risk,omitempty"`
	Settlement            *Settlement `json:"settlement,omitempty"`
	RejectionReason       string      `json:"rejection_reason,omitempty"`
	AnalystDecision       string      `json:"analyst_decision,omitempty"`
	AnalystReason         string      `json:"analyst_reason,omitempty"`
	CreatedAt             string      `json:"created_at"`
	UpdatedAt             string      `json:"updated_at"`
}

// SubmitResult is the intake acknowledgement.
type SubmitResult struct {
	Message string `json:"mensagem"`
	Case    Case   `json:"caso"`
}

// Event is one audit log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitRefund files a refund request.
func (c *Client) SubmitRefund(ctx context.Context, req RefundRequest) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "pix/devolucoes/solicitar", req, &resp)
	return resp, err
}

// Decide applies an analyst decision to a parked case. Requires BearerToken.
func (c *Client) Decide(ctx context.Context, caseID, decision, reason string) (Case, error) {
	body := map[string]any{"decisaoAnalista": decision}
	if reason != "" {
		body["motivoRejeicao"] = reason
	}
	var resp Case
	endpoint := fmt.Sprintf("pix/devolucoes/%s/decisao", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetCase fetches one refund case.
func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("pix/devolucoes/%s", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListCases returns a page of cases, newest first. Requires BearerToken.
func (c *Client) ListCases(ctx context.Context, status string, limit int, cursor string) (PaginatedCases, error) {
	endpoint := "pix/devolucoes"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CaseEvents returns the audit trail for one case. Requires BearerToken.
func (c *Client) CaseEvents(ctx context.Context, caseID string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("pix/devolucoes/%s/eventos", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/api/v1/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
