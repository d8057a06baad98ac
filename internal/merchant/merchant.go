// Package merchant implements the merchant of record: product catalog,
// inventory reservation, and cart signing. Signing a cart commits the
// merchant to price and availability until the cart expires.
package merchant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/cryptoutil"
	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/internal/mandate"
)

// Product is one catalog entry.
type Product struct {
	SKU          string                        `json:"sku"`
	Name         string                        `json:"name"`
	Description  string                        `json:"description,omitempty"`
	Price        mandate.PaymentCurrencyAmount `json:"price"`
	Stock        int                           `json:"stock"`
	Tags         []string                      `json:"tags,omitempty"`
	RefundPeriod int64                         `json:"refund_period,omitempty"` // seconds
}

// LineItem pairs a SKU with a quantity inside a sign request.
type LineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type reservation struct {
	items     map[string]int // sku -> qty
	expiresAt time.Time
}

// Merchant owns a catalog and signs carts over it.
type Merchant struct {
	DID          string
	Name         string
	processorDID string
	key          *cryptoutil.KeyPair

	mu           sync.Mutex
	catalog      map[string]Product
	reservations map[string]reservation // cart id -> hold

	log       zerolog.Logger
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a merchant around a catalog. Reserved stock returns to the
// catalog when its cart expires.
func New(did, name, processorDID string, key *cryptoutil.KeyPair, catalog []Product, log zerolog.Logger) *Merchant {
	m := &Merchant{
		DID:          did,
		Name:         name,
		processorDID: processorDID,
		key:          key,
		catalog:      make(map[string]Product, len(catalog)),
		reservations: make(map[string]reservation),
		log:          log,
		stopSweep:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	for _, p := range catalog {
		m.catalog[p.SKU] = p
	}
	go m.sweepExpiredHolds()
	return m
}

// Close stops the reservation janitor.
func (m *Merchant) Close() error {
	close(m.stopSweep)
	<-m.sweepDone
	return nil
}

// SearchProducts returns in-stock products matching the query, best match
// first. An empty query lists the whole catalog.
func (m *Merchant) SearchProducts(query string) []Product {
	query = strings.ToLower(strings.TrimSpace(query))

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Product
	for _, p := range m.catalog {
		if p.Stock <= 0 {
			continue
		}
		if query == "" || matches(p, query) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

func matches(p Product, query string) bool {
	for _, word := range strings.Fields(query) {
		if strings.Contains(strings.ToLower(p.Name), word) || strings.Contains(strings.ToLower(p.Description), word) {
			continue
		}
		tagged := false
		for _, tag := range p.Tags {
			if strings.Contains(strings.ToLower(tag), word) {
				tagged = true
				break
			}
		}
		if !tagged {
			return false
		}
	}
	return true
}

// Product looks up one catalog entry.
func (m *Merchant) Product(sku string) (Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.catalog[sku]
	return p, ok
}

// SignCart validates the cart against the catalog, reserves inventory until
// cart expiry, and returns the cart mandate carrying the signed
// merchant_authorization.
func (m *Merchant) SignCart(ctx context.Context, contents mandate.CartContents, items []LineItem) (*mandate.CartMandate, error) {
	if contents.MerchantName == "" {
		contents.MerchantName = m.Name
	}
	if err := mandate.ValidateCartContents(contents); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCart, "cart carries no line items")
	}

	if err := m.reserve(contents.ID, items, contents.CartExpiry); err != nil {
		return nil, err
	}

	auth, err := mandate.SignCart(contents, m.key.ECDSA, m.DID, m.processorDID)
	if err != nil {
		m.Release(contents.ID)
		return nil, err
	}

	m.log.Info().
		Str("cart_id", contents.ID).
		Str("total", contents.PaymentRequest.Details.Total.Amount.Decimal().String()).
		Str("currency", contents.PaymentRequest.Details.Total.Amount.Currency).
		Msg("cart signed")

	return &mandate.CartMandate{Contents: contents, MerchantAuthorization: auth}, nil
}

// reserve holds stock for a cart until it expires. Quantities are checked and
// decremented in one critical section, so two carts cannot both claim the
// last unit.
func (m *Merchant) reserve(cartID string, items []LineItem, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.reservations[cartID]; held {
		return nil // already reserved for this cart
	}

	for _, item := range items {
		p, ok := m.catalog[item.SKU]
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeInvalidCart, "unknown sku %s", item.SKU)
		}
		if item.Quantity <= 0 {
			return apperrors.Newf(apperrors.ErrCodeInvalidCart, "sku %s has non-positive quantity", item.SKU)
		}
		if p.Stock < item.Quantity {
			return apperrors.Newf(apperrors.ErrCodeInsufficientInventory, "sku %s has %d in stock, %d requested", item.SKU, p.Stock, item.Quantity)
		}
	}

	hold := reservation{items: make(map[string]int, len(items)), expiresAt: until}
	for _, item := range items {
		p := m.catalog[item.SKU]
		p.Stock -= item.Quantity
		m.catalog[item.SKU] = p
		hold.items[item.SKU] += item.Quantity
	}
	m.reservations[cartID] = hold
	return nil
}

// Release returns a cart's held stock to the catalog.
func (m *Merchant) Release(cartID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(cartID)
}

// Consume discards a cart's hold after capture; the stock is sold.
func (m *Merchant) Consume(cartID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, cartID)
}

func (m *Merchant) releaseLocked(cartID string) {
	hold, ok := m.reservations[cartID]
	if !ok {
		return
	}
	for sku, qty := range hold.items {
		if p, ok := m.catalog[sku]; ok {
			p.Stock += qty
			m.catalog[sku] = p
		}
	}
	delete(m.reservations, cartID)
}

func (m *Merchant) sweepExpiredHolds() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer close(m.sweepDone)

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for cartID, hold := range m.reservations {
				if now.After(hold.expiresAt) {
					m.releaseLocked(cartID)
				}
			}
			m.mu.Unlock()
		}
	}
}
