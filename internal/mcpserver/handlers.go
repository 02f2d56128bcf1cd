package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/reconciliation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// failed turns an API error into a tool error the model can act on.
func failed(what string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("Failed to %s: %s", what, apiErr.Message)
		if apiErr.Reason != "" {
			msg += " (reason: " + apiErr.Reason + ")"
		}
		if apiErr.Code != "" {
			msg += " [" + apiErr.Code + "]"
		}
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", what, err))
}

// HandleGetListing shows a listing.
func (h *Handlers) HandleGetListing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("listing_id", "")
	if id == "" {
		return mcp.NewToolResultError("listing_id is required"), nil
	}
	l, err := h.client.GetListing(ctx, id)
	if err != nil {
		return failed("get listing", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Listing %s: %s\n", l.ID, l.Title)
	fmt.Fprintf(&sb, "  Seller: %s\n", l.SellerID)
	fmt.Fprintf(&sb, "  Price:  %s\n", formatAmount(l.Price))
	fmt.Fprintf(&sb, "  Stock:  %d\n", l.Stock)
	if !l.Available() {
		sb.WriteString("  Not available for purchase.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateOrder buys a listing.
func (h *Handlers) HandleCreateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listingID := req.GetString("listing_id", "")
	if listingID == "" {
		return mcp.NewToolResultError("listing_id is required"), nil
	}
	res, err := h.client.CreateOrder(ctx, escrow.CreateOrderRequest{
		ListingID:      listingID,
		VoucherCode:    req.GetString("voucher_code", ""),
		IdempotencyKey: req.GetString("idempotency_key", ""),
		DeferPayment:   req.GetBool("defer_payment", false),
	})
	if err != nil {
		return failed("create order", err), nil
	}

	var sb strings.Builder
	if res.AlreadyProcessed {
		sb.WriteString("This order was already placed with the same idempotency key.\n\n")
	}
	sb.WriteString(formatOrder(res.Order))
	if res.Order.Status == escrow.StatusPending && res.Order.PaymentDeadline != nil {
		fmt.Fprintf(&sb, "\nPay with order_action before %s or the order is cancelled.\n",
			res.Order.PaymentDeadline.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetOrder shows one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	o, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return failed("get order", err), nil
	}
	return mcp.NewToolResultText(formatOrder(o)), nil
}

// HandleListOrders lists the caller's orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := h.client.ListOrders(ctx,
		req.GetString("role", ""),
		req.GetString("status", ""),
		"",
		req.GetInt("limit", 20),
	)
	if err != nil {
		return failed("list orders", err), nil
	}
	if len(page.Orders) == 0 {
		return mcp.NewToolResultText("No orders found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(page.Orders))
	for i, o := range page.Orders {
		fmt.Fprintf(&sb, "%d. %s %s  %s  %s\n", i+1, o.ID, o.Code, o.ListingTitle, formatAmount(o.GrossAmount))
		fmt.Fprintf(&sb, "   status: %s\n", o.Status)
	}
	if page.HasMore {
		sb.WriteString("\nMore orders exist; raise the limit to see them.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOrderAction runs one order transition.
func (h *Handlers) HandleOrderAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	action := req.GetString("action", "")
	if id == "" || action == "" {
		return mcp.NewToolResultError("order_id and action are required"), nil
	}

	var body any
	switch action {
	case "pay", "complete":
	case "deliver":
		body = escrow.DeliverRequest{Content: req.GetString("content", "")}
	case "cancel", "refund":
		body = escrow.ReasonRequest{Reason: req.GetString("reason", "")}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}

	res, err := h.client.OrderAction(ctx, id, action, body)
	if err != nil {
		return failed(action+" order", err), nil
	}

	var sb strings.Builder
	if res.AlreadyProcessed {
		sb.WriteString("Already done; nothing changed.\n\n")
	}
	sb.WriteString(formatOrder(res.Order))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOpenDispute opens a dispute.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	reason := req.GetString("reason", "")
	if id == "" || reason == "" {
		return mcp.NewToolResultError("order_id and reason are required"), nil
	}
	res, err := h.client.OrderAction(ctx, id, "dispute", escrow.ReasonRequest{Reason: reason})
	if err != nil {
		return failed("open dispute", err), nil
	}
	var sb strings.Builder
	sb.WriteString("Dispute opened. Funds stay in escrow until it is resolved.\n\n")
	sb.WriteString(formatOrder(res.Order))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDisputeThread posts an optional message and shows the thread.
func (h *Handlers) HandleDisputeThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	if msg := req.GetString("message", ""); msg != "" {
		if err := h.client.AddDisputeMessage(ctx, id, msg); err != nil {
			return failed("post message", err), nil
		}
	}
	d, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return failed("get dispute", err), nil
	}
	return mcp.NewToolResultText(formatDispute(d)), nil
}

// HandleResolveDispute settles a dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	verdict := escrow.Verdict(req.GetString("verdict", ""))
	if id == "" || (verdict != escrow.VerdictBuyer && verdict != escrow.VerdictSeller) {
		return mcp.NewToolResultError("order_id and a verdict of 'buyer' or 'seller' are required"), nil
	}
	res, err := h.client.ResolveDispute(ctx, id, verdict, req.GetString("notes", ""))
	if err != nil {
		return failed("resolve dispute", err), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute resolved for the %s.\n\n", verdict)
	sb.WriteString(formatOrder(res.Order))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckWallet shows the caller's balances.
func (h *Handlers) HandleCheckWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	w, err := h.client.GetWallet(ctx)
	if err != nil {
		return failed("check wallet", err), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet for %s:\n", w.UserID)
	fmt.Fprintf(&sb, "  Buyer balance:  %s\n", formatAmount(w.BuyerBalance))
	fmt.Fprintf(&sb, "  Seller balance: %s\n", formatAmount(w.SellerBalance))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRequestWithdrawal asks for a payout.
func (h *Handlers) HandleRequestWithdrawal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := int64(req.GetFloat("amount", 0))
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number of minor units"), nil
	}
	res, err := h.client.RequestWithdrawal(ctx, escrow.WithdrawalRequest{
		Amount: amount,
		Destination: escrow.Destination{
			Method:        req.GetString("method", ""),
			AccountName:   req.GetString("account_name", ""),
			AccountNumber: req.GetString("account_number", ""),
			BankName:      req.GetString("bank_name", ""),
		},
		IdempotencyKey: req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return failed("request withdrawal", err), nil
	}
	w := res.Withdrawal
	return mcp.NewToolResultText(fmt.Sprintf(
		"Withdrawal %s of %s requested (status: %s).\nAn admin will process it; your balance is checked again then.\n",
		w.ID, formatAmount(w.Amount), w.Status)), nil
}

// HandleListWithdrawals lists the caller's withdrawals.
func (h *Handlers) HandleListWithdrawals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := h.client.ListWithdrawals(ctx, req.GetString("status", ""), req.GetInt("limit", 20))
	if err != nil {
		return failed("list withdrawals", err), nil
	}
	if len(page.Withdrawals) == 0 {
		return mcp.NewToolResultText("No withdrawals found."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d withdrawal(s):\n\n", len(page.Withdrawals))
	for i, w := range page.Withdrawals {
		fmt.Fprintf(&sb, "%d. %s  %s  %s via %s\n", i+1, w.ID, formatAmount(w.Amount), w.Status, w.Destination.Method)
		if w.Notes != "" {
			fmt.Fprintf(&sb, "   notes: %s\n", w.Notes)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconcile runs a reconciliation pass.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return failed("run reconciliation", err), nil
	}
	return mcp.NewToolResultText(formatReport(report)), nil
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

// formatAmount renders minor units with two decimals and thousands
// separators, e.g. 190000 -> "1,900.00".
func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	whole := fmt.Sprintf("%d", minor/100)
	var sb strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	return fmt.Sprintf("%s%s.%02d", sign, sb.String(), minor%100)
}

func formatOrder(o *escrow.Order) string {
	if o == nil {
		return "No order in response.\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s (%s): %s\n", o.ID, o.Code, o.ListingTitle)
	fmt.Fprintf(&sb, "  Status:       %s\n", o.Status)
	fmt.Fprintf(&sb, "  Buyer/Seller: %s / %s\n", o.BuyerID, o.SellerID)
	fmt.Fprintf(&sb, "  Price:        %s\n", formatAmount(o.GrossAmount))
	if o.DiscountAmount > 0 {
		fmt.Fprintf(&sb, "  Discount:     %s (%s)\n", formatAmount(o.DiscountAmount), o.VoucherCode)
	}
	fmt.Fprintf(&sb, "  Platform fee: %s\n", formatAmount(o.PlatformFeeAmount))
	fmt.Fprintf(&sb, "  Seller gets:  %s\n", formatAmount(o.NetSellerAmount))
	if o.DeliveryContent != "" {
		fmt.Fprintf(&sb, "  Delivery:     %s\n", o.DeliveryContent)
	}
	if o.EscrowReleaseAt != nil && o.Status == escrow.StatusDelivered {
		fmt.Fprintf(&sb, "  Auto-release: %s\n", o.EscrowReleaseAt.Format(time.RFC3339))
	}
	if o.Resolution != "" {
		fmt.Fprintf(&sb, "  Resolution:   %s\n", o.Resolution)
	}
	return sb.String()
}

func formatDispute(d *escrow.Dispute) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute on %s (%s), opened by %s: %s\n", d.OrderID, d.Status, d.OpenerRole, d.Reason)
	if d.Verdict != "" {
		fmt.Fprintf(&sb, "Verdict: %s\n", d.Verdict)
	} else {
		fmt.Fprintf(&sb, "Deadline: %s\n", d.Deadline.Format(time.RFC3339))
	}
	if len(d.Messages) == 0 {
		sb.WriteString("\nNo messages yet.\n")
		return sb.String()
	}
	sb.WriteString("\nMessages:\n")
	for _, m := range d.Messages {
		fmt.Fprintf(&sb, "  [%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Body)
	}
	return sb.String()
}

func formatReport(r *reconciliation.Report) string {
	var sb strings.Builder
	if r.Healthy() {
		sb.WriteString("Reconciliation passed.\n")
	} else {
		sb.WriteString("Reconciliation found problems.\n")
	}
	if r.Totals != nil {
		fmt.Fprintf(&sb, "  Held:      %s\n", formatAmount(r.Totals.Held))
		fmt.Fprintf(&sb, "  Escrowed:  %s across %d order(s)\n", formatAmount(r.Totals.Escrowed), len(r.Totals.OpenEscrows))
		fmt.Fprintf(&sb, "  Deposited: %s\n", formatAmount(r.Totals.Deposited))
		fmt.Fprintf(&sb, "  Paid out:  %s\n", formatAmount(r.Totals.PaidOut))
	}
	if !r.Conserved {
		fmt.Fprintf(&sb, "  Ledger does not balance (%d mismatch(es)).\n", r.Mismatches)
	}
	for _, s := range r.StuckEscrows {
		fmt.Fprintf(&sb, "  Stuck escrow %s: %s holds %s\n", s.OrderID, s.Problem, formatAmount(s.Held))
	}
	return sb.String()
}
