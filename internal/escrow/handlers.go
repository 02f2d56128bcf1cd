package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/pagination"
	"github.com/mbd888/bazaar/internal/pricing"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler provides HTTP endpoints for orders, disputes and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up caller routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", validation.IDParamMiddleware("id"), h.GetListing)

	orders := r.Group("/orders")
	orders.POST("", h.CreateOrder)
	orders.GET("", h.ListOrders)

	order := orders.Group("/:id", validation.IDParamMiddleware("id"))
	order.GET("", h.GetOrder)
	order.POST("/pay", h.PayOrder)
	order.POST("/cancel", h.CancelOrder)
	order.POST("/deliver", h.MarkDelivered)
	order.POST("/complete", h.CompleteOrder)
	order.POST("/refund", h.RefundOrder)
	order.POST("/dispute", h.OpenDispute)
	order.GET("/dispute", h.GetDispute)
	order.POST("/dispute/messages", h.AddDisputeMessage)

	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.GET("/withdrawals/:id", validation.IDParamMiddleware("id"), h.GetWithdrawal)
}

// RegisterAdminRoutes sets up back-office routes. The group must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/resolve", validation.IDParamMiddleware("id"), h.ResolveDispute)
	r.POST("/orders/:id/dispute/expire", validation.IDParamMiddleware("id"), h.ExpireDispute)
	r.POST("/withdrawals/:id/start", validation.IDParamMiddleware("id"), h.StartWithdrawal)
	r.POST("/withdrawals/:id/process", validation.IDParamMiddleware("id"), h.ProcessWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.POST("/deposits", h.Deposit)
	r.PUT("/listings/:id", validation.IDParamMiddleware("id"), h.UpsertListing)
	r.PUT("/vouchers/:code", h.UpsertVoucher)
}

func actor(c *gin.Context) Actor {
	id, _ := auth.Caller(c)
	return ActorFromIdentity(id)
}

// respondError maps a service error to a status and a stable code.
func respondError(c *gin.Context, err error) {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	body := gin.H{
		"error":   apperror.Code(err),
		"message": appErr.Message,
	}
	if appErr.CorrelationID != "" {
		body["correlationId"] = appErr.CorrelationID
	}
	if appErr.Reason != "" {
		body["reason"] = appErr.Reason
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	c.JSON(apperror.HTTPStatus(err), body)
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// bindOptional binds a JSON body when one is sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badBody(c)
		return false
	}
	return true
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	var v validation.Checker
	v.Required("listingId", req.ListingID).
		ID("listingId", req.ListingID).
		VoucherCode("voucherCode", req.VoucherCode).
		MaxLength("idempotencyKey", req.IdempotencyKey, 128)
	if err := v.Err(); err != nil {
		validation.Abort(c, err)
		return
	}

	res, err := h.service.CreateOrder(c.Request.Context(), actor(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyProcessed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func pageParams(c *gin.Context) (pagination.Params, bool) {
	p, err := pagination.Parse(c.Query("cursor"), c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return p, false
	}
	return p, true
}

// ListOrders handles GET /v1/orders?role=buyer|seller&status=&cursor=&limit=
func (h *Handler) ListOrders(c *gin.Context) {
	p, ok := pageParams(c)
	if !ok {
		return
	}
	orders, err := h.service.ListOrders(c.Request.Context(), actor(c), c.Query("role"), Status(c.Query("status")), p.After, p.Fetch())
	if err != nil {
		respondError(c, err)
		return
	}
	page, next := pagination.Trim(orders, p.Limit)
	c.JSON(http.StatusOK, gin.H{
		"orders":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// PayOrder handles POST /v1/orders/:id/pay
func (h *Handler) PayOrder(c *gin.Context) {
	res, err := h.service.PayOrder(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req ReasonRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.service.CancelOrder(c.Request.Context(), actor(c), c.Param("id"),
		validation.SanitizeString(req.Reason, maxDisputeText))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeliverRequest is the body of POST /v1/orders/:id/deliver
type DeliverRequest struct {
	Content string `json:"content"`
}

// MarkDelivered handles POST /v1/orders/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req DeliverRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.service.MarkDelivered(c.Request.Context(), actor(c), c.Param("id"),
		validation.SanitizeString(req.Content, 10000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CompleteOrder handles POST /v1/orders/:id/complete
func (h *Handler) CompleteOrder(c *gin.Context) {
	res, err := h.service.CompleteOrder(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RefundOrder handles POST /v1/orders/:id/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	var req ReasonRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.service.RefundOrder(c.Request.Context(), actor(c), c.Param("id"),
		validation.SanitizeString(req.Reason, maxDisputeText))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	res, err := h.service.OpenDispute(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetDispute handles GET /v1/orders/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// MessageRequest is the body of POST /v1/orders/:id/dispute/messages
type MessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// AddDisputeMessage handles POST /v1/orders/:id/dispute/messages
func (h *Handler) AddDisputeMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	msg, err := h.service.AddDisputeMessage(c.Request.Context(), actor(c), c.Param("id"), req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ResolveRequest is the body of POST /v1/admin/orders/:id/resolve
type ResolveRequest struct {
	Verdict Verdict `json:"verdict" binding:"required"`
	Notes   string  `json:"notes"`
}

// ResolveDispute handles POST /v1/admin/orders/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	res, err := h.service.ResolveDispute(c.Request.Context(), actor(c), c.Param("id"), req.Verdict, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExpireDispute handles POST /v1/admin/orders/:id/dispute/expire
func (h *Handler) ExpireDispute(c *gin.Context) {
	res, err := h.service.ExpireDispute(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	res, err := h.service.RequestWithdrawal(c.Request.Context(), actor(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyProcessed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.service.GetWithdrawal(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /v1/withdrawals and GET /v1/admin/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	p, ok := pageParams(c)
	if !ok {
		return
	}
	items, err := h.service.ListWithdrawals(c.Request.Context(), actor(c), c.Query("sellerId"),
		WithdrawalStatus(c.Query("status")), p.After, p.Fetch())
	if err != nil {
		respondError(c, err)
		return
	}
	page, next := pagination.Trim(items, p.Limit)
	c.JSON(http.StatusOK, gin.H{
		"withdrawals": page,
		"count":       len(page),
		"nextCursor":  next,
		"hasMore":     next != "",
	})
}

// StartWithdrawal handles POST /v1/admin/withdrawals/:id/start
func (h *Handler) StartWithdrawal(c *gin.Context) {
	res, err := h.service.StartWithdrawal(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ProcessRequest is the body of POST /v1/admin/withdrawals/:id/process
type ProcessRequest struct {
	Decision Decision `json:"decision" binding:"required"`
	Notes    string   `json:"notes"`
}

// ProcessWithdrawal handles POST /v1/admin/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	res, err := h.service.ProcessWithdrawal(c.Request.Context(), actor(c), c.Param("id"), req.Decision, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Deposit handles POST /v1/admin/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	res, err := h.service.Deposit(c.Request.Context(), actor(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// UpsertListing handles PUT /v1/admin/listings/:id
func (h *Handler) UpsertListing(c *gin.Context) {
	var l Listing
	if err := c.ShouldBindJSON(&l); err != nil {
		badBody(c)
		return
	}
	l.ID = c.Param("id")
	saved, err := h.service.UpsertListing(c.Request.Context(), actor(c), l)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": saved})
}

// UpsertVoucher handles PUT /v1/admin/vouchers/:code
func (h *Handler) UpsertVoucher(c *gin.Context) {
	var v pricing.Voucher
	if err := c.ShouldBindJSON(&v); err != nil {
		badBody(c)
		return
	}
	v.Code = c.Param("code")
	saved, err := h.service.UpsertVoucher(c.Request.Context(), actor(c), v)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voucher": saved})
}
