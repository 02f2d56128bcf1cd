package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/pagination"
)

// Handler provides HTTP endpoints for balances and history
type Handler struct {
	reader Reader
}

// NewHandler creates a new ledger handler
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes sets up wallet routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/history", h.GetHistory)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	caller, _ := auth.Caller(c)

	accounts, err := h.reader.AccountsByOwner(c.Request.Context(), caller.UserID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load wallet", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}

	var buyer, seller int64
	for _, a := range accounts {
		switch a.Kind {
		case KindBuyer:
			buyer = a.Balance
		case KindSeller:
			seller = a.Balance
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":        caller.UserID,
		"buyerBalance":  buyer,
		"sellerBalance": seller,
		"accounts":      accounts,
	})
}

// GetHistory handles GET /v1/wallet/history?account=buyer|seller
func (h *Handler) GetHistory(c *gin.Context) {
	caller, _ := auth.Caller(c)

	var ref AccountRef
	switch c.DefaultQuery("account", "buyer") {
	case "buyer":
		ref = BuyerAccount(caller.UserID)
	case "seller":
		ref = SellerAccount(caller.UserID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account must be buyer or seller",
		})
		return
	}

	p, err := pagination.Parse(c.Query("cursor"), c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	entries, err := h.reader.History(c.Request.Context(), ref.ID(), p.After, p.Fetch())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load history", "account", ref.ID(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load history",
		})
		return
	}

	page, next := pagination.Trim(entries, p.Limit)
	c.JSON(http.StatusOK, gin.H{
		"account":    ref.ID(),
		"entries":    page,
		"nextCursor": next,
		"hasMore":    next != "",
	})
}
