// Package veridrawsdk is a minimal client for the Veridraw HTTP API.
package veridrawsdk

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

// Client is a minimal Veridraw HTTP API client. Amounts are decimal strings.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Escrow struct {
	ID            string `json:"id"`
	BuyerID       string `json:"buyer_id"`
	ProviderID    string `json:"provider_id"`
	TotalAmount   string `json:"total_amount"`
	FundedAmount  string `json:"funded_amount"`
	Currency      string `json:"currency"`
	State         string `json:"state"`
	Version       int    `json:"version"`
	AgreementHash string `json:"agreement_hash"`
	Disputed      bool   `json:"is_disputed"`
}

type Milestone struct {
	ID               string   `json:"id"`
	EscrowID         string   `json:"escrow_id"`
	Position         int      `json:"position"`
	Name             string   `json:"name"`
	Amount           string   `json:"amount"`
	RequiredEvidence []string `json:"required_evidence"`
	Status           string   `json:"status"`
}

type EscrowDetail struct {
	Escrow     Escrow      `json:"escrow"`
	Milestones []Milestone `json:"milestones"`
}

// MilestonePlan is one milestone in a create request.
type MilestonePlan struct {
	Name             string   `json:"name"`
	Amount           string   `json:"amount"`
	RequiredEvidence []string `json:"required_evidence,omitempty"`
}

type CreateEscrowInput struct {
	BuyerID     string          `json:"buyer_id"`
	ProviderID  string          `json:"provider_id"`
	TotalAmount string          `json:"total_amount"`
	Currency    string          `json:"currency,omitempty"`
	Milestones  []MilestonePlan `json:"milestones,omitempty"`
}

type Evidence struct {
	ID           string `json:"id"`
	MilestoneID  string `json:"milestone_id"`
	EvidenceType string `json:"evidence_type"`
	URL          string `json:"url"`
	Origin       string `json:"origin"`
}

type PaymentInstruction struct {
	ID          string `json:"id"`
	EscrowID    string `json:"escrow_id"`
	MilestoneID string `json:"milestone_id"`
	PayeeID     string `json:"payee_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Memo        string `json:"memo"`
}

type Approval struct {
	Milestone   Milestone           `json:"milestone"`
	Escrow      Escrow              `json:"escrow"`
	Instruction *PaymentInstruction `json:"instruction"`
	Replayed    bool                `json:"replayed"`
}

type LedgerEntry struct {
	Seq          int64          `json:"seq"`
	EntityID     string         `json:"entity_id"`
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	PreviousHash string         `json:"previous_hash"`
	CurrentHash  string         `json:"current_hash"`
	EventData    map[string]any `json:"event_data"`
	Timestamp    string         `json:"timestamp"`
}

type VerifyReport struct {
	OK      bool   `json:"ok"`
	Entries int64  `json:"entries"`
	TipSeq  int64  `json:"tip_seq"`
	TipHash string `json:"tip_hash"`
}

type Notification struct {
	Seq      int64  `json:"seq"`
	Event    string `json:"event"`
	EscrowID string `json:"escrow_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Read     bool   `json:"read"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEscrow creates an escrow with its initial milestones.
func (c *Client) CreateEscrow(ctx context.Context, in CreateEscrowInput) (EscrowDetail, error) {
	var resp EscrowDetail
	err := c.do(ctx, http.MethodPost, "escrows", in, &resp)
	return resp, err
}

// GetEscrow fetches an escrow with its milestones.
func (c *Client) GetEscrow(ctx context.Context, id string) (EscrowDetail, error) {
	var resp EscrowDetail
	err := c.do(ctx, http.MethodGet, "escrows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ConfirmFunds records the custodial deposit of the outstanding amount.
func (c *Client) ConfirmFunds(ctx context.Context, id, reference string) (EscrowDetail, error) {
	var resp EscrowDetail
	body := map[string]any{"reference": reference}
	err := c.do(ctx, http.MethodPost, "escrows/"+url.PathEscape(id)+"/confirm-funds", body, &resp)
	return resp, err
}

// ChangeBudget adds a change-order milestone worth delta.
func (c *Client) ChangeBudget(ctx context.Context, id, delta, reason string) (EscrowDetail, error) {
	var resp EscrowDetail
	body := map[string]any{"delta": delta, "reason": reason}
	err := c.do(ctx, http.MethodPost, "escrows/"+url.PathEscape(id)+"/change-budget", body, &resp)
	return resp, err
}

// UploadEvidence attaches contractor evidence to a milestone.
func (c *Client) UploadEvidence(ctx context.Context, milestoneID, evidenceType, location string) (Evidence, error) {
	var resp Evidence
	body := map[string]any{"evidence_type": evidenceType, "url": location}
	err := c.do(ctx, http.MethodPost, "milestones/"+url.PathEscape(milestoneID)+"/evidence", body, &resp)
	return resp, err
}

// Approve approves a milestone; a repeated call returns the original result.
func (c *Client) Approve(ctx context.Context, milestoneID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "milestones/"+url.PathEscape(milestoneID)+"/approve", map[string]any{}, &resp)
	return resp, err
}

// AdvancePayment moves an instruction to its next status.
func (c *Client) AdvancePayment(ctx context.Context, id, status, reference string) (PaymentInstruction, error) {
	var resp PaymentInstruction
	body := map[string]any{"status": status, "reference": reference}
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(id)+"/advance", body, &resp)
	return resp, err
}

// Ledger pages the chain after afterSeq, optionally for one escrow.
func (c *Client) Ledger(ctx context.Context, escrowID string, afterSeq int64, limit int) ([]LedgerEntry, error) {
	q := url.Values{}
	if escrowID != "" {
		q.Set("entity_id", escrowID)
	}
	if afterSeq > 0 {
		q.Set("after_seq", fmt.Sprint(afterSeq))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "ledger"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []LedgerEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// VerifyLedger asks the server to recompute the whole chain.
func (c *Client) VerifyLedger(ctx context.Context) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodPost, "ledger/verify", nil, &resp)
	return resp, err
}

// Notifications returns the caller's inbox.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
