package processor

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/credprovider"
	"github.com/ap2fed/server/internal/cryptoutil"
	"github.com/ap2fed/server/internal/did"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/paymentnetwork"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/ttlstore"
	"github.com/ap2fed/server/internal/webauthn/webauthntest"
)

// federation is a processor wired to a real credential provider and a real
// payment network over HTTP, the way the deployed roles talk to each other.
type federation struct {
	svc      *Service
	provider *credprovider.Service
	acquirer *fakeAcquirer

	merchantKey *cryptoutil.KeyPair
	auth        *webauthntest.Authenticator
}

func newFederation(t *testing.T) *federation {
	t.Helper()

	netTokens := ttlstore.New[paymentnetwork.TokenRecord](64, time.Minute)
	t.Cleanup(netTokens.Stop)
	network := paymentnetwork.New("visa", netTokens, zerolog.Nop(), nil)
	netRouter := chi.NewRouter()
	network.Routes(netRouter)
	netSrv := httptest.NewServer(netRouter)
	t.Cleanup(netSrv.Close)

	challenges := ttlstore.New[string](64, time.Minute)
	tokens := ttlstore.New[credprovider.TokenRecord](64, time.Minute)
	stepups := ttlstore.New[credprovider.StepUpSession](64, time.Minute)
	t.Cleanup(challenges.Stop)
	t.Cleanup(tokens.Stop)
	t.Cleanup(stepups.Stop)
	provider := credprovider.New(credprovider.Config{
		RPID:           testRPID,
		AllowedOrigins: []string{testOrigin},
		Store:          storage.NewMemoryStore(),
		Challenges:     challenges,
		Tokens:         tokens,
		StepUps:        stepups,
		Network:        credprovider.NewNetworkClient(netSrv.URL, 5*time.Second),
		Logger:         zerolog.Nop(),
	})
	cpRouter := chi.NewRouter()
	provider.Routes(cpRouter)
	cpSrv := httptest.NewServer(cpRouter)
	t.Cleanup(cpSrv.Close)

	merchantKey, err := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := did.NewDocument(merchantDID, merchantKey.Public())
	if err != nil {
		t.Fatal(err)
	}
	resolver := did.NewResolver(nil, nil, 0)
	resolver.Register(doc)

	store := storage.NewMemoryStore()
	auth := webauthntest.New(testRPID, testOrigin)
	if err := store.SaveCredential(context.Background(), storage.PasskeyCredential{
		CredentialID: base64.RawURLEncoding.EncodeToString(auth.CredentialID),
		UserDID:      userDID,
		PublicKey:    auth.COSEPublicKey(),
	}); err != nil {
		t.Fatal(err)
	}

	jti := ttlstore.New[struct{}](100, time.Minute)
	t.Cleanup(jti.Stop)

	f := &federation{
		provider:    provider,
		acquirer:    &fakeAcquirer{},
		merchantKey: merchantKey,
		auth:        auth,
	}
	f.svc = New(Config{
		SelfDID:        selfDID,
		Store:          store,
		Resolver:       resolver,
		JTILedger:      jti,
		Credentials:    NewProviderClient(cpSrv.URL, 5*time.Second),
		Acquirer:       f.acquirer,
		RPID:           testRPID,
		AllowedOrigins: []string{testOrigin},
		ReceiptBaseURL: "https://processor.ap2.example",
		Logger:         zerolog.Nop(),
	})
	return f
}

// enrol registers the user's passkey and card at the provider, tokenizes the
// card, and exchanges the method token for a network agent token.
func (f *federation) enrol(t *testing.T) (pmToken, agentTok string) {
	t.Helper()
	ctx := context.Background()

	if _, err := f.provider.RegisterCredential(ctx, userDID, f.auth.AttestationObject()); err != nil {
		t.Fatalf("RegisterCredential: %v", err)
	}
	method := f.provider.AddPaymentMethod(userDID, "4242424242424242", "visa", "Personal Visa", 12, 2030)
	pmToken, _, err := f.provider.TokenizeMethod(userDID, method.ID)
	if err != nil {
		t.Fatalf("TokenizeMethod: %v", err)
	}
	agentTok, _, err = f.provider.ExchangeToken(ctx, userDID, pmToken)
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}
	if !strings.HasPrefix(agentTok, "agent_tok_visa_") {
		t.Fatalf("agent token = %q, want agent_tok_visa_ prefix", agentTok)
	}
	return pmToken, agentTok
}

// buildCapture signs a full chain whose payment response carries the given
// token details.
func (f *federation) buildCapture(t *testing.T, details map[string]interface{}) *CaptureRequest {
	t.Helper()

	contents := testCart(time.Now().Add(10 * time.Minute))
	merchantAuth, err := mandate.SignCart(contents, f.merchantKey.ECDSA, merchantDID, selfDID)
	if err != nil {
		t.Fatal(err)
	}

	pmc := mandate.PaymentMandateContents{
		PaymentMandateID:    "pm_mandate_fed",
		PaymentDetailsID:    contents.PaymentRequest.Details.ID,
		PaymentDetailsTotal: contents.PaymentRequest.Details.Total,
		PaymentResponse: mandate.PaymentResponse{
			RequestID:  contents.PaymentRequest.Details.ID,
			MethodName: "CARD",
			Details:    details,
		},
		MerchantAgent: "did:ap2:agent:nikeya-agent",
		Timestamp:     time.Now(),
	}

	cartHash, err := mandate.CartHash(contents)
	if err != nil {
		t.Fatal(err)
	}
	paymentHash, err := mandate.PaymentHash(pmc)
	if err != nil {
		t.Fatal(err)
	}
	nonce, err := mandate.NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	assertion := f.auth.Assert(nonce)
	userAuth, err := mandate.BuildUserAuthorization(userDID, selfDID, cnfJWK(&f.auth.Key.PublicKey), assertion, cartHash, paymentHash, nonce)
	if err != nil {
		t.Fatal(err)
	}

	return &CaptureRequest{
		PaymentMandate: mandate.PaymentMandate{
			PaymentMandateContents: pmc,
			UserAuthorization:      userAuth,
		},
		CartMandate: mandate.CartMandate{
			Contents:              contents,
			MerchantAuthorization: merchantAuth,
		},
		PayerID: userDID,
	}
}

func TestCaptureThroughLiveProviderAndNetwork(t *testing.T) {
	f := newFederation(t)
	pmToken, agentTok := f.enrol(t)

	req := f.buildCapture(t, map[string]interface{}{
		"token":                agentTok,
		"payment_method_token": pmToken,
	})
	result, err := f.svc.handlePaymentMandate(context.Background(), captureMessage(t, req))
	if err != nil {
		t.Fatalf("capture error = %v", err)
	}
	pr := result.(*PaymentResult)
	if pr.Status != "captured" {
		t.Errorf("status = %s, want captured", pr.Status)
	}
	if len(f.acquirer.orders) != 1 || f.acquirer.orders[0].AgentToken != agentTok {
		t.Errorf("acquirer orders = %+v, want one order settling on the agent token", f.acquirer.orders)
	}
}

func TestCaptureRejectsAgentTokenAsMethodToken(t *testing.T) {
	f := newFederation(t)
	_, agentTok := f.enrol(t)

	// A mandate carrying only the network agent token fails the provider
	// check: the provider never minted that token.
	req := f.buildCapture(t, map[string]interface{}{"token": agentTok})
	_, err := f.svc.handlePaymentMandate(context.Background(), captureMessage(t, req))
	if apperrors.CodeOf(err) != apperrors.ErrCodeCredentialInvalid {
		t.Fatalf("error = %v, want %s", err, apperrors.ErrCodeCredentialInvalid)
	}
	if len(f.acquirer.orders) != 0 {
		t.Errorf("acquirer saw %d orders, want none", len(f.acquirer.orders))
	}
}
