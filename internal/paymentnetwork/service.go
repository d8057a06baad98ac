// Package paymentnetwork issues and verifies network-level agent tokens. The
// network exchanges a credential provider's payment-method token for an
// agent token the processor can authorize against, so raw payment-method
// tokens never reach the processor.
package paymentnetwork

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/logger"
	"github.com/ap2fed/server/internal/metrics"
	"github.com/ap2fed/server/internal/ttlstore"
	"github.com/ap2fed/server/pkg/responders"
)

// AgentTokenTTL is how long an issued agent token stays redeemable.
const AgentTokenTTL = time.Hour

// TokenRecord is what the network remembers about an issued agent token.
type TokenRecord struct {
	PaymentMethodToken string    `json:"payment_method_token"`
	UserDID            string    `json:"user_did"`
	Network            string    `json:"network"`
	IssuedAt           time.Time `json:"issued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Service is the payment network role.
type Service struct {
	network string
	tokens  *ttlstore.Store[TokenRecord]
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates the service. network names the scheme (e.g. "visa").
func New(network string, tokens *ttlstore.Store[TokenRecord], log zerolog.Logger, m *metrics.Metrics) *Service {
	if network == "" {
		network = "visa"
	}
	return &Service{network: network, tokens: tokens, log: log, metrics: m}
}

// Routes mounts the network endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/network/tokenize", s.handleTokenize)
	r.Post("/network/verify-token", s.handleVerifyToken)
}

type tokenizeRequest struct {
	PaymentMethodToken string `json:"payment_method_token"`
	UserDID            string `json:"user_did"`
	Network            string `json:"network,omitempty"`
}

type tokenizeResponse struct {
	AgentToken string    `json:"agent_token"`
	Network    string    `json:"network"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Service) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req tokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "malformed tokenize request")
		return
	}
	if req.PaymentMethodToken == "" || req.UserDID == "" {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "payment_method_token and user_did are required")
		return
	}
	if !strings.HasPrefix(req.PaymentMethodToken, "tok_") {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeNetworkTokenisationFailed, "payment_method_token is not recognised")
		return
	}

	network := req.Network
	if network == "" {
		network = s.network
	}

	token, err := newAgentToken(network)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "token generation failed")
		return
	}

	now := time.Now()
	rec := TokenRecord{
		PaymentMethodToken: req.PaymentMethodToken,
		UserDID:            req.UserDID,
		Network:            network,
		IssuedAt:           now,
		ExpiresAt:          now.Add(AgentTokenTTL),
	}
	s.tokens.Put(token, rec, AgentTokenTTL)

	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues("agent").Inc()
	}
	s.log.Info().
		Str("user_did", req.UserDID).
		Str("network", network).
		Str("agent_token", logger.TruncateToken(token)).
		Msg("agent token issued")

	responders.JSON(w, http.StatusOK, tokenizeResponse{AgentToken: token, Network: network, ExpiresAt: rec.ExpiresAt})
}

type verifyTokenRequest struct {
	AgentToken string `json:"agent_token"`
}

type verifyTokenResponse struct {
	Valid     bool      `json:"valid"`
	UserDID   string    `json:"user_did,omitempty"`
	Network   string    `json:"network,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (s *Service) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeSchemaInvalid, "malformed verify request")
		return
	}

	rec, ok := s.tokens.Get(req.AgentToken)
	if !ok {
		responders.JSON(w, http.StatusOK, verifyTokenResponse{Valid: false})
		return
	}
	responders.JSON(w, http.StatusOK, verifyTokenResponse{
		Valid:     true,
		UserDID:   rec.UserDID,
		Network:   rec.Network,
		ExpiresAt: rec.ExpiresAt,
	})
}

// newAgentToken mints agent_tok_<network>_<uuid8>_<rand24>.
func newAgentToken(network string) (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("agent_tok_%s_%s_%s", network, uuid.NewString()[:8], hex.EncodeToString(buf[:])), nil
}
