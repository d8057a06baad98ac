package did

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ap2fed/server/internal/cryptoutil"
)

func TestParseKID(t *testing.T) {
	tests := []struct {
		name     string
		kid      string
		wantDID  string
		wantFrag string
		wantErr  bool
	}{
		{"agent key", "did:ap2:agent:merchant#key-1", "did:ap2:agent:merchant", "key-1", false},
		{"user key", "did:ap2:user:alice#key-2", "did:ap2:user:alice", "key-2", false},
		{"no fragment", "did:ap2:agent:merchant", "", "", true},
		{"empty fragment", "did:ap2:agent:merchant#", "", "", true},
		{"not a did", "merchant#key-1", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, frag, err := ParseKID(tt.kid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if id != tt.wantDID || frag != tt.wantFrag {
				t.Errorf("ParseKID() = (%q, %q), want (%q, %q)", id, frag, tt.wantDID, tt.wantFrag)
			}
		})
	}
}

func TestDocumentKeyRoundTrip(t *testing.T) {
	key, err := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := NewDocument("did:ap2:agent:merchant", key.Public())
	if err != nil {
		t.Fatalf("NewDocument() error = %v", err)
	}

	resolved, err := doc.KeyByID("did:ap2:agent:merchant#key-1")
	if err != nil {
		t.Fatalf("KeyByID() error = %v", err)
	}

	got, ok := resolved.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("resolved key type = %T, want *ecdsa.PublicKey", resolved)
	}
	want := key.Public().(*ecdsa.PublicKey)
	if got.X.Cmp(want.X) != 0 || got.Y.Cmp(want.Y) != 0 {
		t.Error("resolved key differs from original")
	}

	if _, err := doc.KeyByID("did:ap2:agent:merchant#key-9"); err == nil {
		t.Error("KeyByID() resolved unknown fragment")
	}
}

func TestResolverLocalAndRemote(t *testing.T) {
	local, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgECDSAP256)
	localDoc, _ := NewDocument("did:ap2:agent:local", local.Public())

	remote, _ := cryptoutil.GenerateKeyPair(cryptoutil.AlgEd25519)
	remoteDoc, _ := NewDocument("did:ap2:agent:remote", remote.Public())

	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/did.json" {
			http.NotFound(w, r)
			return
		}
		fetches++
		json.NewEncoder(w).Encode(remoteDoc)
	}))
	defer srv.Close()

	r := NewResolver(map[string]string{"did:ap2:agent:remote": srv.URL}, srv.Client(), 0)
	r.Register(localDoc)

	ctx := context.Background()

	if _, err := r.ResolveKey(ctx, "did:ap2:agent:local#key-1"); err != nil {
		t.Errorf("local resolve error = %v", err)
	}

	if _, err := r.ResolveKey(ctx, "did:ap2:agent:remote#key-1"); err != nil {
		t.Errorf("remote resolve error = %v", err)
	}
	// Second resolve is served from cache.
	if _, err := r.ResolveKey(ctx, "did:ap2:agent:remote#key-1"); err != nil {
		t.Errorf("cached resolve error = %v", err)
	}
	if fetches != 1 {
		t.Errorf("remote fetches = %d, want 1", fetches)
	}

	if _, err := r.ResolveKey(ctx, "did:ap2:agent:unknown#key-1"); err == nil {
		t.Error("resolve of unknown DID succeeded")
	}
}
