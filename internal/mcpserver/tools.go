package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which
// tool to use. Amounts are integers in minor currency units (cents).

var ToolGetListing = mcp.NewTool("get_listing",
	mcp.WithDescription("Look up a marketplace listing: title, seller, price and remaining stock."),
	mcp.WithString("listing_id", mcp.Required(), mcp.Description("Listing ID, e.g. 'lst_camera'")),
)

var ToolCreateOrder = mcp.NewTool("create_order",
	mcp.WithDescription(
		"Buy a listing. The price, less any voucher discount, is taken from your buyer balance "+
			"and held in escrow until you confirm delivery, the release window passes, or a dispute is resolved."),
	mcp.WithString("listing_id", mcp.Required(), mcp.Description("Listing to buy")),
	mcp.WithString("voucher_code", mcp.Description("Optional voucher code for a discount")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional key; retrying with the same key returns the first order instead of buying twice")),
	mcp.WithBoolean("defer_payment",
		mcp.Description("Create the order unpaid; call pay_order before the payment window closes")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription("Show one order with its amounts, status and deadlines. Only the buyer, seller or an admin may view it."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("Order ID, e.g. 'ord_...'")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription("List your orders, newest first."),
	mcp.WithString("role", mcp.Description("Which side you are on"), mcp.Enum("buyer", "seller")),
	mcp.WithString("status", mcp.Description("Filter by status, e.g. 'paid', 'delivered', 'disputed'")),
	mcp.WithNumber("limit", mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolOrderAction = mcp.NewTool("order_action",
	mcp.WithDescription(
		"Move an order forward. Buyers: 'pay' a deferred order, 'complete' to release funds to the seller, "+
			"'cancel' an order that has not been delivered. Sellers: 'deliver' with delivery details, "+
			"'refund' the buyer in full."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("Order to act on")),
	mcp.WithString("action", mcp.Required(), mcp.Enum("pay", "deliver", "complete", "cancel", "refund")),
	mcp.WithString("content", mcp.Description("Delivery details for 'deliver', e.g. a tracking number")),
	mcp.WithString("reason", mcp.Description("Reason for 'cancel' or 'refund'")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on a paid or delivered order. Escrowed funds stay frozen until an admin "+
			"resolves it; if nobody does before the dispute window ends, funds go to the seller."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("Order to dispute")),
	mcp.WithString("reason", mcp.Required(), mcp.Description("What went wrong")),
)

var ToolDisputeThread = mcp.NewTool("dispute_thread",
	mcp.WithDescription("Read a dispute, or add a message to it when 'message' is given."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("Disputed order")),
	mcp.WithString("message", mcp.Description("Optional message to post before reading the thread")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Admin only. Settle an open dispute: 'buyer' refunds the buyer in full, 'seller' releases "+
			"the escrow to the seller minus the platform fee."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("Disputed order")),
	mcp.WithString("verdict", mcp.Required(), mcp.Enum("buyer", "seller")),
	mcp.WithString("notes", mcp.Description("Resolution notes shown to both parties")),
)

var ToolCheckWallet = mcp.NewTool("check_wallet",
	mcp.WithDescription("Show your buyer balance (available to spend) and seller balance (earnings available to withdraw)."),
)

var ToolRequestWithdrawal = mcp.NewTool("request_withdrawal",
	mcp.WithDescription(
		"Ask for a payout of seller earnings to a bank or mobile money account. "+
			"The request is checked against your balance now and again when an admin processes it."),
	mcp.WithNumber("amount", mcp.Required(), mcp.Description("Amount in minor units, e.g. 150000 for 1,500.00")),
	mcp.WithString("method", mcp.Required(), mcp.Enum("bank_transfer", "mobile_money")),
	mcp.WithString("account_name", mcp.Required(), mcp.Description("Name on the receiving account")),
	mcp.WithString("account_number", mcp.Required(), mcp.Description("Receiving account number")),
	mcp.WithString("bank_name", mcp.Description("Bank name, for bank transfers")),
	mcp.WithString("idempotency_key", mcp.Description("Optional key to make retries safe")),
)

var ToolListWithdrawals = mcp.NewTool("list_withdrawals",
	mcp.WithDescription("List your withdrawal requests, newest first."),
	mcp.WithString("status", mcp.Enum("pending", "processing", "completed", "rejected")),
	mcp.WithNumber("limit", mcp.Description("Maximum number to return (default 20)")),
)

var ToolReconcile = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Admin only. Check that every unit of money is accounted for and that no escrow is stuck "+
			"behind a finished order."),
)
