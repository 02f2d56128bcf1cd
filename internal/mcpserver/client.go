package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/reconciliation"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token issued by /v1/admin/tokens
}

// Client is a pure HTTP client for the marketplace API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the marketplace.
type APIError struct {
	Status        int    `json:"-"`
	Code          string `json:"error"`
	Message       string `json:"message"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, msg)
}

// do makes a request and decodes the JSON response into out when out is
// not nil. idemKey, when set, is sent as the Idempotency-Key header.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, idemKey string, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type orderEnvelope struct {
	Order escrow.Order `json:"order"`
}

type disputeEnvelope struct {
	Dispute escrow.Dispute `json:"dispute"`
}

// OrderPage is one page of orders.
type OrderPage struct {
	Orders     []escrow.Order `json:"orders"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// WithdrawalPage is one page of withdrawals.
type WithdrawalPage struct {
	Withdrawals []escrow.Withdrawal `json:"withdrawals"`
	HasMore     bool                `json:"hasMore"`
	NextCursor  string              `json:"nextCursor,omitempty"`
}

// Wallet is the caller's balance summary.
type Wallet struct {
	UserID        string `json:"userId"`
	BuyerBalance  int64  `json:"buyerBalance"`
	SellerBalance int64  `json:"sellerBalance"`
}

// GetListing returns one listing.
func (c *Client) GetListing(ctx context.Context, id string) (*escrow.Listing, error) {
	var out struct {
		Listing escrow.Listing `json:"listing"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/listings/"+url.PathEscape(id), nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out.Listing, nil
}

// CreateOrder buys a listing.
func (c *Client) CreateOrder(ctx context.Context, req escrow.CreateOrderRequest) (*escrow.OrderResult, error) {
	var out escrow.OrderResult
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, req, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder returns one order.
func (c *Client) GetOrder(ctx context.Context, id string) (*escrow.Order, error) {
	var out orderEnvelope
	if err := c.do(ctx, http.MethodGet, orderPath(id), nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// ListOrders lists the caller's orders. role is "buyer" or "seller".
func (c *Client) ListOrders(ctx context.Context, role, status, cursor string, limit int) (*OrderPage, error) {
	q := url.Values{}
	setIf(q, "role", role)
	setIf(q, "status", status)
	setIf(q, "cursor", cursor)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out OrderPage
	if err := c.do(ctx, http.MethodGet, "/v1/orders", q, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OrderAction posts to an order transition endpoint such as "pay" or
// "dispute". Dispute responses carry the order too.
func (c *Client) OrderAction(ctx context.Context, id, action string, body any) (*escrow.OrderResult, error) {
	var out escrow.OrderResult
	if err := c.do(ctx, http.MethodPost, orderPath(id)+"/"+action, nil, body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDispute returns the dispute thread for an order.
func (c *Client) GetDispute(ctx context.Context, orderID string) (*escrow.Dispute, error) {
	var out disputeEnvelope
	if err := c.do(ctx, http.MethodGet, orderPath(orderID)+"/dispute", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out.Dispute, nil
}

// AddDisputeMessage posts to a dispute thread.
func (c *Client) AddDisputeMessage(ctx context.Context, orderID, body string) error {
	return c.do(ctx, http.MethodPost, orderPath(orderID)+"/dispute/messages", nil,
		escrow.MessageRequest{Body: body}, "", nil)
}

// ResolveDispute settles a dispute. Admin only.
func (c *Client) ResolveDispute(ctx context.Context, orderID string, verdict escrow.Verdict, notes string) (*escrow.DisputeResult, error) {
	var out escrow.DisputeResult
	err := c.do(ctx, http.MethodPost, "/v1/admin/orders/"+url.PathEscape(orderID)+"/resolve", nil,
		escrow.ResolveRequest{Verdict: verdict, Notes: notes}, "", &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWallet returns the caller's balances.
func (c *Client) GetWallet(ctx context.Context) (*Wallet, error) {
	var out Wallet
	if err := c.do(ctx, http.MethodGet, "/v1/wallet", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestWithdrawal asks for a payout of seller earnings.
func (c *Client) RequestWithdrawal(ctx context.Context, req escrow.WithdrawalRequest) (*escrow.WithdrawalResult, error) {
	var out escrow.WithdrawalResult
	if err := c.do(ctx, http.MethodPost, "/v1/withdrawals", nil, req, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWithdrawals lists the caller's withdrawals.
func (c *Client) ListWithdrawals(ctx context.Context, status string, limit int) (*WithdrawalPage, error) {
	q := url.Values{}
	setIf(q, "status", status)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out WithdrawalPage
	if err := c.do(ctx, http.MethodGet, "/v1/withdrawals", q, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunReconciliation runs a ledger check. Admin only.
func (c *Client) RunReconciliation(ctx context.Context) (*reconciliation.Report, error) {
	var out struct {
		Report reconciliation.Report `json:"report"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/reconciliation/run", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out.Report, nil
}

func orderPath(id string) string {
	return "/v1/orders/" + url.PathEscape(id)
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
