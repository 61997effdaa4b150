package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *engineFixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newEngineFixture(t)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var parsed map[string]any
	if len(w.Body.Bytes()) > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

func TestHandlersPurchaseFlow(t *testing.T) {
	r, f := newTestRouter(t)
	buyer := f.buyer.PublicKey().String()
	base := "/v1/sales/" + f.sale.Mint

	w, prep := doJSON(t, r, http.MethodPost, base+"/purchase/prepare", PrepareRequest{Buyer: buyer, Units: 200})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, prep["transaction"])
	assert.Equal(t, f.sale.EscrowAddress, prep["escrowAddress"])

	amounts := prep["amounts"].(map[string]any)
	assert.Equal(t, float64(200), amounts["units"])
	assert.Equal(t, float64(2000), amounts["lamportsDue"])

	// Sign the prepared transaction offline and confirm.
	signed := signPrepared(t, &PrepareResult{Transaction: prep["transaction"].(string)}, f.buyer)
	w, conf := doJSON(t, r, http.MethodPost, base+"/purchase/confirm", map[string]any{
		"buyer":       buyer,
		"amounts":     amounts,
		"transaction": signed,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, conf["signature"])

	got, err := f.ledger.Get(context.Background(), f.sale.Mint)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.UnitsSold)
}

func TestHandlersErrorMapping(t *testing.T) {
	r, f := newTestRouter(t)
	buyer := f.buyer.PublicKey().String()

	t.Run("unknown sale is 404", func(t *testing.T) {
		path := "/v1/sales/" + solana.NewWallet().PublicKey().String() + "/purchase/prepare"
		w, body := doJSON(t, r, http.MethodPost, path, PrepareRequest{Buyer: buyer, Units: 10})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, CodeSaleNotFound, body["error"])
	})

	t.Run("malformed buyer is 400", func(t *testing.T) {
		w, body := doJSON(t, r, http.MethodPost, "/v1/sales/"+f.sale.Mint+"/purchase/prepare",
			PrepareRequest{Buyer: "not-an-address", Units: 10})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validation_error", body["error"])
	})

	t.Run("zero units is 400", func(t *testing.T) {
		w, _ := doJSON(t, r, http.MethodPost, "/v1/sales/"+f.sale.Mint+"/purchase/prepare",
			PrepareRequest{Buyer: buyer, Units: 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("claim confirm on active sale is 409", func(t *testing.T) {
		prep, err := f.svc.PreparePurchase(context.Background(), f.sale.Mint, buyer, 10)
		require.NoError(t, err)
		w, body := doJSON(t, r, http.MethodPost, "/v1/sales/"+f.sale.Mint+"/claim/confirm", map[string]any{
			"buyer":       buyer,
			"amounts":     map[string]any{"units": 10},
			"transaction": signPrepared(t, prep, f.buyer),
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeSaleNotFinalized, body["error"])
	})

	t.Run("undecodable transaction is 400 with structured code", func(t *testing.T) {
		w, body := doJSON(t, r, http.MethodPost, "/v1/sales/"+f.sale.Mint+"/purchase/confirm", map[string]any{
			"buyer":       buyer,
			"amounts":     map[string]any{"units": 10},
			"transaction": "@@@",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeInvalidStructure, body["error"])
	})
}
