package sale

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"github.com/mintflow/launchpad/internal/keyvault"
	"github.com/mintflow/launchpad/internal/logging"
	"github.com/mintflow/launchpad/internal/validation"
)

// Handler provides the operator-facing sale endpoints: create, inspect,
// finalize. Settlement traffic goes through the settlement handlers, not
// here.
type Handler struct {
	ledger *Ledger
	vault  *keyvault.Vault
}

// NewHandler creates a new sale handler.
func NewHandler(ledger *Ledger, vault *keyvault.Vault) *Handler {
	return &Handler{ledger: ledger, vault: vault}
}

// RegisterRoutes sets up sale routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sales", h.CreateSale)
	r.GET("/sales", h.ListSales)
	r.GET("/sales/:mint", h.GetSale)
	r.POST("/sales/:mint/finalize", h.FinalizeSale)
	r.GET("/sales/:mint/claimable/:wallet", h.GetClaimable)
	r.GET("/sales/:mint/pending", h.ListPendingSignatures)
}

// CreateRequest registers a sale. The escrow keypair is generated server
// side and sealed in the key vault; only its public address ever leaves.
type CreateRequest struct {
	Mint          string `json:"mint" binding:"required"`
	TotalUnits    uint64 `json:"totalUnits" binding:"required"`
	PriceLamports uint64 `json:"priceLamports" binding:"required"`
	VaultAddress  string `json:"vaultAddress" binding:"required"`
}

// CreateSale handles POST /v1/sales
func (h *Handler) CreateSale(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("mint", req.Mint),
		validation.ValidAddress("vaultAddress", req.VaultAddress),
		validation.PositiveAmount("totalUnits", req.TotalUnits),
		validation.PositiveAmount("priceLamports", req.PriceLamports),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The sale row is the duplicate gate, so it goes in first. Sealing
	// before the gate could overwrite a live sale's escrow key on a
	// duplicate request and strand whatever that key controls; the vault
	// additionally refuses to reuse a ref.
	escrow := solana.NewWallet()
	keyRef := "escrow/" + req.Mint
	s := &Sale{
		Mint:          req.Mint,
		TotalUnits:    req.TotalUnits,
		PriceLamports: req.PriceLamports,
		EscrowKeyRef:  keyRef,
		EscrowAddress: escrow.PublicKey().String(),
		VaultAddress:  req.VaultAddress,
	}
	if err := h.ledger.Create(c.Request.Context(), s); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_exists",
				"message": "A sale for this mint already exists",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sale_error",
			"message": "Failed to create sale",
		})
		return
	}

	if err := h.vault.Seal(c.Request.Context(), keyRef, escrow.PrivateKey); err != nil {
		// Unwind the row so the mint can be provisioned again.
		if delErr := h.ledger.Store().DeleteSale(c.Request.Context(), req.Mint); delErr != nil {
			logging.L(c.Request.Context()).Error("failed to unwind sale after escrow seal failure",
				"mint", req.Mint, "seal_error", err, "delete_error", delErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "keyvault_error",
			"message": "Failed to store escrow key",
		})
		return
	}

	c.JSON(http.StatusCreated, s)
}

// GetSale handles GET /v1/sales/:mint
func (h *Handler) GetSale(c *gin.Context) {
	s, err := h.ledger.Get(c.Request.Context(), c.Param("mint"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Sale not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sale_error",
			"message": "Failed to load sale",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sale":      s,
		"remaining": s.Remaining(),
	})
}

// ListSales handles GET /v1/sales
func (h *Handler) ListSales(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	sales, err := h.ledger.Store().ListSales(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sale_error",
			"message": "Failed to list sales",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales, "count": len(sales)})
}

// FinalizeSale handles POST /v1/sales/:mint/finalize
func (h *Handler) FinalizeSale(c *gin.Context) {
	mint := c.Param("mint")
	if err := h.ledger.Finalize(c.Request.Context(), mint); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Sale not found",
			})
		case errors.Is(err, ErrNotActive):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_active",
				"message": "Sale is already finalized",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "sale_error",
				"message": "Failed to finalize sale",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"mint": mint, "status": StatusFinalized})
}

// GetClaimable handles GET /v1/sales/:mint/claimable/:wallet
func (h *Handler) GetClaimable(c *gin.Context) {
	mint, wallet := c.Param("mint"), c.Param("wallet")
	if !validation.IsValidAddress(wallet) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "wallet is not a valid address",
		})
		return
	}

	units, err := h.ledger.ClaimableBalance(c.Request.Context(), mint, wallet)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Sale not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sale_error",
			"message": "Failed to compute claimable balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saleMint": mint, "wallet": wallet, "claimable": units})
}

// ListPendingSignatures handles GET /v1/sales/:mint/pending. These are
// confirmation-timeout transactions awaiting out-of-band reconciliation.
func (h *Handler) ListPendingSignatures(c *gin.Context) {
	pending, err := h.ledger.Store().ListPendingSignatures(c.Request.Context(), c.Param("mint"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sale_error",
			"message": "Failed to list pending signatures",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "count": len(pending)})
}
