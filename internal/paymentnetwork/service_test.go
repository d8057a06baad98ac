package paymentnetwork

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/ttlstore"
)

func newTestService(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	tokens := ttlstore.New[TokenRecord](100, time.Minute)
	t.Cleanup(tokens.Stop)

	s := New("visa", tokens, zerolog.Nop(), nil)
	r := chi.NewRouter()
	s.Routes(r)
	return s, r
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenizeAndVerify(t *testing.T) {
	_, h := newTestService(t)

	rec := postJSON(t, h, "/network/tokenize", tokenizeRequest{
		PaymentMethodToken: "tok_12345678_abcdef",
		UserDID:            "did:ap2:user:tanaka",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("tokenize status = %d: %s", rec.Code, rec.Body)
	}

	var resp tokenizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.AgentToken, "agent_tok_visa_") {
		t.Errorf("agent token %q lacks the expected prefix", resp.AgentToken)
	}
	if time.Until(resp.ExpiresAt) > AgentTokenTTL || time.Until(resp.ExpiresAt) < AgentTokenTTL-time.Minute {
		t.Errorf("expiry %v not about one hour out", resp.ExpiresAt)
	}

	verify := postJSON(t, h, "/network/verify-token", verifyTokenRequest{AgentToken: resp.AgentToken})
	var vr verifyTokenResponse
	if err := json.Unmarshal(verify.Body.Bytes(), &vr); err != nil {
		t.Fatal(err)
	}
	if !vr.Valid || vr.UserDID != "did:ap2:user:tanaka" || vr.Network != "visa" {
		t.Errorf("verify response = %+v", vr)
	}
}

func TestTokenizeRejectsForeignToken(t *testing.T) {
	_, h := newTestService(t)

	rec := postJSON(t, h, "/network/tokenize", tokenizeRequest{
		PaymentMethodToken: "agent_tok_visa_x_y",
		UserDID:            "did:ap2:user:tanaka",
	})
	if rec.Code != http.StatusBadGateway && rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 4xx/502", rec.Code)
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	_, h := newTestService(t)

	rec := postJSON(t, h, "/network/verify-token", verifyTokenRequest{AgentToken: "agent_tok_visa_deadbeef_ffff"})
	var vr verifyTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &vr); err != nil {
		t.Fatal(err)
	}
	if vr.Valid {
		t.Error("unknown token verified")
	}
}

func TestTokensAreUnique(t *testing.T) {
	_, h := newTestService(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		rec := postJSON(t, h, "/network/tokenize", tokenizeRequest{
			PaymentMethodToken: "tok_12345678_abcdef",
			UserDID:            "did:ap2:user:tanaka",
		})
		var resp tokenizeResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if seen[resp.AgentToken] {
			t.Fatalf("duplicate agent token issued: %s", resp.AgentToken)
		}
		seen[resp.AgentToken] = true
	}
}
