package credprovider

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/webauthn"
	"github.com/ap2fed/server/pkg/responders"
)

// Routes mounts the credential provider endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/credentials/register", s.handleRegister)
	r.Post("/credentials/challenge", s.handleChallenge)
	r.Post("/credentials/verify", s.handleCredentialsVerify)
	r.Get("/payment-methods", s.handlePaymentMethods)
	r.Post("/payment-methods/tokenize", s.handleTokenize)
	r.Post("/stepup/initiate", s.handleStepUpInitiate)
	r.Post("/verify/step-up", s.handleStepUpVerify)
	r.Get("/stepup/{sessionID}", s.handleStepUpStatus)
	r.Post("/verify/attestation", s.handleVerifyAttestation)
	r.Post("/receipts", s.handleStoreReceipt)
	r.Get("/receipts", s.handleListReceipts)
}

type registerRequest struct {
	UserDID           string `json:"user_did"`
	AttestationObject string `json:"attestation_object"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" || req.AttestationObject == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did and attestation_object are required")
		return
	}
	cred, err := s.RegisterCredential(r.Context(), req.UserDID, req.AttestationObject)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"credential_id": cred.CredentialID,
		"status":        "registered",
	})
}

type challengeRequest struct {
	UserDID string `json:"user_did"`
}

func (s *Service) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did is required")
		return
	}
	challenge, err := s.NewChallenge(req.UserDID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "challenge generation failed")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"challenge":  challenge,
		"rp_id":      s.rpID,
		"expires_in": int(ChallengeTTL.Seconds()),
	})
}

func (s *Service) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	userDID := r.URL.Query().Get("user_did")
	if userDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did is required")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"payment_methods": s.PaymentMethods(userDID)})
}

type tokenizeMethodRequest struct {
	UserDID  string `json:"user_did"`
	MethodID string `json:"method_id"`
}

func (s *Service) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req tokenizeMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" || req.MethodID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did and method_id are required")
		return
	}
	token, expires, err := s.TokenizeMethod(req.UserDID, req.MethodID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"payment_method_token": token,
		"expires_at":           expires,
	})
}

type stepUpInitiateRequest struct {
	UserDID string `json:"user_did"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Service) handleStepUpInitiate(w http.ResponseWriter, r *http.Request) {
	var req stepUpInitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did is required")
		return
	}
	session, err := s.InitiateStepUp(req.UserDID, req.Reason)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, session)
}

type stepUpVerifyRequest struct {
	SessionID string              `json:"session_id"`
	Assertion *webauthn.Assertion `json:"assertion"`
}

func (s *Service) handleStepUpVerify(w http.ResponseWriter, r *http.Request) {
	var req stepUpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Assertion == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "session_id and assertion are required")
		return
	}
	session, err := s.CompleteStepUp(r.Context(), req.SessionID, req.Assertion)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, session)
}

func (s *Service) handleStepUpStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.StepUp(chi.URLParam(r, "sessionID"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, session)
}

type verifyAttestationRequest struct {
	UserDID            string              `json:"user_did"`
	Challenge          string              `json:"challenge"`
	Assertion          *webauthn.Assertion `json:"assertion"`
	PaymentMethodToken string              `json:"payment_method_token,omitempty"`
}

// handleVerifyAttestation checks a payment-confirmation assertion and, when a
// payment-method token rides along, exchanges it for a network agent token.
func (s *Service) handleVerifyAttestation(w http.ResponseWriter, r *http.Request) {
	var req verifyAttestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" || req.Assertion == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did and assertion are required")
		return
	}

	if err := s.VerifyAssertion(r.Context(), req.UserDID, req.Challenge, req.Assertion); err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}

	resp := map[string]interface{}{"verified": true}
	if req.PaymentMethodToken != "" {
		agentToken, expires, err := s.ExchangeToken(r.Context(), req.UserDID, req.PaymentMethodToken)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
			return
		}
		resp["agent_token"] = agentToken
		resp["agent_token_expires_at"] = expires
	}
	responders.JSON(w, http.StatusOK, resp)
}

type credentialsVerifyRequest struct {
	UserDID            string `json:"user_did"`
	CredentialID       string `json:"credential_id,omitempty"`
	PaymentMethodToken string `json:"payment_method_token,omitempty"`
}

// handleCredentialsVerify is the processor-facing check: the user holds a
// registered credential and any presented token is still live.
func (s *Service) handleCredentialsVerify(w http.ResponseWriter, r *http.Request) {
	var req credentialsVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did is required")
		return
	}

	checks := map[string]bool{}
	valid := true

	if req.CredentialID != "" {
		cred, err := s.store.GetCredential(r.Context(), req.CredentialID)
		registered := err == nil && cred.UserDID == req.UserDID
		checks["credential_registered"] = registered
		valid = valid && registered
	}
	if req.PaymentMethodToken != "" {
		rec, err := s.ResolveToken(req.PaymentMethodToken)
		live := err == nil && rec.UserDID == req.UserDID
		checks["payment_token_live"] = live
		valid = valid && live
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{"valid": valid, "checks": checks})
}

type receiptRequest struct {
	ReceiptID     string          `json:"receipt_id"`
	TransactionID string          `json:"transaction_id"`
	UserDID       string          `json:"user_did"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Service) handleStoreReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiptID == "" || req.UserDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "receipt_id and user_did are required")
		return
	}
	err := s.StoreReceipt(r.Context(), storage.Receipt{
		ID:            req.ReceiptID,
		TransactionID: req.TransactionID,
		UserDID:       req.UserDID,
		Payload:       req.Payload,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "stored", "receipt_id": req.ReceiptID})
}

func (s *Service) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	userDID := r.URL.Query().Get("user_did")
	if userDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "user_did is required")
		return
	}
	receipts, err := s.Receipts(r.Context(), userDID)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeOf(err), err.Error())
		return
	}
	out := make([]map[string]interface{}, 0, len(receipts))
	for _, rc := range receipts {
		out = append(out, map[string]interface{}{
			"receipt_id":     rc.ID,
			"transaction_id": rc.TransactionID,
			"payload":        json.RawMessage(rc.Payload),
			"created_at":     rc.CreatedAt,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"receipts": out})
}
