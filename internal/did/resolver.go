package did

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/ap2fed/server/internal/errors"
)

// Resolver maps DID URLs to public keys. Resolution order: local registry,
// cache, then a single remote fetch of the peer's well-known document.
type Resolver struct {
	mu       sync.RWMutex
	local    map[string]*Document
	cache    map[string]cachedDoc
	cacheTTL time.Duration

	endpoints map[string]string // did -> base URL
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

type cachedDoc struct {
	doc     *Document
	expires time.Time
}

// NewResolver creates a resolver. endpoints maps peer DIDs to their base URLs
// for remote well-known fetches; client may be nil for a default.
func NewResolver(endpoints map[string]string, client *http.Client, cacheTTL time.Duration) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{
		local:     make(map[string]*Document),
		cache:     make(map[string]cachedDoc),
		cacheTTL:  cacheTTL,
		endpoints: endpoints,
		client:    client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "did-resolver",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Register adds a document to the local registry (own identity, peers known
// at boot, registered users).
func (r *Resolver) Register(doc *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[doc.ID] = doc
}

// ResolveDocument returns the document for a DID.
func (r *Resolver) ResolveDocument(ctx context.Context, id string) (*Document, error) {
	r.mu.RLock()
	if doc, ok := r.local[id]; ok {
		r.mu.RUnlock()
		return doc, nil
	}
	if c, ok := r.cache[id]; ok && time.Now().Before(c.expires) {
		r.mu.RUnlock()
		return c.doc, nil
	}
	r.mu.RUnlock()

	doc, err := r.fetchRemote(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = cachedDoc{doc: doc, expires: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return doc, nil
}

// ResolveKey resolves a fragment-qualified kid to a public key.
func (r *Resolver) ResolveKey(ctx context.Context, kid string) (interface{}, error) {
	id, _, err := ParseKID(kid)
	if err != nil {
		return nil, err
	}
	doc, err := r.ResolveDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.KeyByID(kid)
}

func (r *Resolver) fetchRemote(ctx context.Context, id string) (*Document, error) {
	base, ok := r.endpoints[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeDidNotResolved, "no endpoint configured for %s", id)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/.well-known/did.json", nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("did fetch returned %d", resp.StatusCode)
		}
		var doc Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDidNotResolved, "remote DID fetch failed for "+id, err)
	}

	doc := result.(*Document)
	if doc.ID != id {
		return nil, apperrors.Newf(apperrors.ErrCodeDidNotResolved, "document id %s does not match requested %s", doc.ID, id)
	}
	return doc, nil
}

func parsePEMPublicKey(s string) (interface{}, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, apperrors.New(apperrors.ErrCodeDidNotResolved, "publicKeyPem is not PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDidNotResolved, "malformed publicKeyPem", err)
	}
	return pub, nil
}
