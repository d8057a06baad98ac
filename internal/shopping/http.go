package shopping

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/webauthn"
	"github.com/ap2fed/server/pkg/responders"
)

// Routes mounts the shopping agent endpoints.
func (a *Agent) Routes(r chi.Router) {
	r.Post("/sessions", a.handleStartSession)
	r.Get("/sessions/{sessionID}", a.handleGetSession)
	r.Post("/sessions/{sessionID}/intent", a.handleCollectIntent)
	r.Post("/sessions/{sessionID}/intent/confirm", a.handleConfirmIntent)
	r.Post("/sessions/{sessionID}/carts", a.handleRequestCarts)
	r.Post("/sessions/{sessionID}/carts/select", a.handleSelectCart)
	r.Post("/sessions/{sessionID}/carts/confirm", a.handleConfirmCart)
	r.Get("/sessions/{sessionID}/payment-methods", a.handlePaymentMethods)
	r.Post("/sessions/{sessionID}/payment-methods/choose", a.handleChooseMethod)
	r.Post("/sessions/{sessionID}/stepup/complete", a.handleCompleteStepUp)
	r.Post("/sessions/{sessionID}/payment/initiate", a.handleInitiatePayment)
	r.Post("/sessions/{sessionID}/payment/confirm", a.handleConfirmPayment)
	r.Post("/sessions/{sessionID}/refund", a.handleRefund)
}

type startSessionRequest struct {
	UserDID string `json:"user_did"`
}

func (a *Agent) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did is required")
		return
	}
	sess, err := a.StartSession(r.Context(), req.UserDID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

func (a *Agent) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

func (a *Agent) handleCollectIntent(w http.ResponseWriter, r *http.Request) {
	var draft IntentDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "malformed intent draft")
		return
	}
	sess, challenge, err := a.CollectIntent(r.Context(), chi.URLParam(r, "sessionID"), draft)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"session":   sess,
		"challenge": challenge,
	})
}

type assertionRequest struct {
	Assertion *webauthn.Assertion `json:"assertion"`
}

func (a *Agent) handleConfirmIntent(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assertion == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "assertion is required")
		return
	}
	sess, err := a.ConfirmIntent(r.Context(), chi.URLParam(r, "sessionID"), req.Assertion)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

func (a *Agent) handleRequestCarts(w http.ResponseWriter, r *http.Request) {
	sess, err := a.RequestCartCandidates(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

type selectCartRequest struct {
	CartID string `json:"cart_id"`
}

func (a *Agent) handleSelectCart(w http.ResponseWriter, r *http.Request) {
	var req selectCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CartID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "cart_id is required")
		return
	}
	sess, challenge, err := a.SelectCart(r.Context(), chi.URLParam(r, "sessionID"), req.CartID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	resp := map[string]interface{}{"session": sess}
	if challenge != "" {
		resp["challenge"] = challenge
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (a *Agent) handleConfirmCart(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assertion == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "assertion is required")
		return
	}
	sess, err := a.ConfirmCart(r.Context(), chi.URLParam(r, "sessionID"), req.Assertion)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

func (a *Agent) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := a.PaymentMethods(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"payment_methods": methods})
}

type chooseMethodRequest struct {
	MethodID string `json:"method_id"`
}

func (a *Agent) handleChooseMethod(w http.ResponseWriter, r *http.Request) {
	var req chooseMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MethodID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "method_id is required")
		return
	}
	sess, stepUp, err := a.ChooseMethod(r.Context(), chi.URLParam(r, "sessionID"), req.MethodID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	resp := map[string]interface{}{"session": sess}
	if stepUp != nil {
		resp["step_up"] = stepUp
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (a *Agent) handleCompleteStepUp(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assertion == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "assertion is required")
		return
	}
	sess, err := a.CompleteStepUp(r.Context(), chi.URLParam(r, "sessionID"), req.Assertion)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

func (a *Agent) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	sess, challenge, err := a.InitiatePayment(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"session":   sess,
		"challenge": challenge,
	})
}

type confirmPaymentRequest struct {
	Assertion *webauthn.Assertion    `json:"assertion"`
	CnfJWK    map[string]interface{} `json:"cnf_jwk,omitempty"`
}

func (a *Agent) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assertion == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "assertion is required")
		return
	}
	sess, err := a.ConfirmPayment(r.Context(), chi.URLParam(r, "sessionID"), req.Assertion, req.CnfJWK)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, sess)
}

type refundRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *Agent) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "malformed refund request")
		return
	}
	result, err := a.RequestRefund(r.Context(), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, result)
}
