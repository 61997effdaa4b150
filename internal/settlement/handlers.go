package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mintflow/launchpad/internal/txbuild"
	"github.com/mintflow/launchpad/internal/validation"
)

// Handler provides the prepare/confirm HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes under /sales/:mint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sales/:mint/purchase/prepare", h.PreparePurchase)
	r.POST("/sales/:mint/purchase/confirm", h.ConfirmPurchase)
	r.POST("/sales/:mint/claim/prepare", h.PrepareClaim)
	r.POST("/sales/:mint/claim/confirm", h.ConfirmClaim)
}

// PrepareRequest asks for an unsigned transaction. Units is ignored for
// claims, which always settle the full claimable balance.
type PrepareRequest struct {
	Buyer string `json:"buyer" binding:"required"`
	Units uint64 `json:"units"`
}

// ConfirmRequest carries the buyer-signed transaction back together with
// the amounts the prepare call quoted.
type ConfirmRequest struct {
	Buyer       string          `json:"buyer" binding:"required"`
	Amounts     txbuild.Amounts `json:"amounts"`
	Transaction string          `json:"transaction" binding:"required"`
}

// PreparePurchase handles POST /v1/sales/:mint/purchase/prepare
func (h *Handler) PreparePurchase(c *gin.Context) {
	mint := c.Param("mint")
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
		validation.PositiveAmount("units", req.Units),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	res, err := h.service.PreparePurchase(c.Request.Context(), mint, req.Buyer, req.Units)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ConfirmPurchase handles POST /v1/sales/:mint/purchase/confirm
func (h *Handler) ConfirmPurchase(c *gin.Context) {
	mint := c.Param("mint")
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
		validation.PositiveAmount("amounts.units", req.Amounts.Units),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	res, err := h.service.ConfirmPurchase(c.Request.Context(), mint, req.Buyer, req.Amounts, req.Transaction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PrepareClaim handles POST /v1/sales/:mint/claim/prepare
func (h *Handler) PrepareClaim(c *gin.Context) {
	mint := c.Param("mint")
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	res, err := h.service.PrepareClaim(c.Request.Context(), mint, req.Buyer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ConfirmClaim handles POST /v1/sales/:mint/claim/confirm
func (h *Handler) ConfirmClaim(c *gin.Context) {
	mint := c.Param("mint")
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
		validation.PositiveAmount("amounts.units", req.Amounts.Units),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	res, err := h.service.ConfirmClaim(c.Request.Context(), mint, req.Buyer, req.Amounts, req.Transaction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// writeError maps a SettleError to its HTTP status and renders the
// structured body clients key on.
func writeError(c *gin.Context, err error) {
	var se *SettleError
	if !errors.As(err, &se) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   CodeInternal,
			"message": "Internal error",
		})
		return
	}

	body := gin.H{
		"error":   se.Code,
		"message": se.Message,
	}
	if len(se.Details) > 0 {
		body["details"] = se.Details
	}
	c.JSON(statusFor(se.Code), body)
}

func statusFor(code string) int {
	switch code {
	case CodeSaleNotFound:
		return http.StatusNotFound
	case CodeSaleNotActive, CodeSaleNotFinalized:
		return http.StatusConflict
	case CodeExceedsAvailable:
		return http.StatusConflict
	case CodeInvalidStructure, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeLockTimeout:
		return http.StatusServiceUnavailable
	case CodeSubmissionFailed:
		return http.StatusBadGateway
	case CodeConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
