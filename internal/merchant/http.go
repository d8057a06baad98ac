package merchant

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/pkg/responders"
)

// Routes mounts the merchant endpoints.
func (m *Merchant) Routes(r chi.Router) {
	r.Get("/products", m.handleListProducts)
	r.Post("/sign/cart", m.handleSignCart)
	r.Post("/carts/{cartID}/release", m.handleRelease)
}

func (m *Merchant) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products := m.SearchProducts(r.URL.Query().Get("q"))
	responders.JSON(w, http.StatusOK, map[string]interface{}{"products": products})
}

// SignCartRequest is the body of POST /sign/cart.
type SignCartRequest struct {
	Contents mandate.CartContents `json:"cart_contents"`
	Items    []LineItem           `json:"items"`
}

func (m *Merchant) handleSignCart(w http.ResponseWriter, r *http.Request) {
	var req SignCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "malformed sign request")
		return
	}

	cm, err := m.SignCart(r.Context(), req.Contents, req.Items)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"cart_mandate": cm})
}

func (m *Merchant) handleRelease(w http.ResponseWriter, r *http.Request) {
	m.Release(chi.URLParam(r, "cartID"))
	responders.JSON(w, http.StatusOK, map[string]string{"status": "released"})
}
