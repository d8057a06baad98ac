// Package ap2 assembles one federation role from configuration: identity
// key, DID document, stores, peers, and the role service itself. It exists
// so the server binary and embedding callers share the same wiring.
package ap2

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ap2fed/server/internal/a2a"
	"github.com/ap2fed/server/internal/config"
	"github.com/ap2fed/server/internal/credprovider"
	"github.com/ap2fed/server/internal/cryptoutil"
	"github.com/ap2fed/server/internal/did"
	"github.com/ap2fed/server/internal/httpserver"
	"github.com/ap2fed/server/internal/lifecycle"
	"github.com/ap2fed/server/internal/mandate"
	"github.com/ap2fed/server/internal/merchant"
	"github.com/ap2fed/server/internal/merchantagent"
	"github.com/ap2fed/server/internal/metrics"
	"github.com/ap2fed/server/internal/paymentnetwork"
	"github.com/ap2fed/server/internal/processor"
	"github.com/ap2fed/server/internal/shopping"
	"github.com/ap2fed/server/internal/storage"
	"github.com/ap2fed/server/internal/ttlstore"
)

const peerClientTimeout = 10 * time.Second

// App is one assembled federation role.
type App struct {
	Config   *config.Config
	Key      *cryptoutil.KeyPair
	Document *did.Document
	Resolver *did.Resolver
	Metrics  *metrics.Metrics
	Store    storage.Store

	Client   *a2a.Client
	Receiver *a2a.Receiver

	Shopping       *shopping.Agent
	MerchantAgent  *merchantagent.Agent
	Merchant       *merchant.Merchant
	CredProvider   *credprovider.Service
	PaymentNetwork *paymentnetwork.Service
	Processor      *processor.Service

	log       zerolog.Logger
	resources *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	registry prometheus.Registerer
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRegistry sets the Prometheus registry. Tests use this to avoid
// duplicate registration on the default registerer.
func WithRegistry(r prometheus.Registerer) Option {
	return func(o *options) { o.registry = r }
}

// NewApp builds every component the configured role needs.
func NewApp(cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("ap2: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:    cfg,
		log:       log,
		resources: lifecycle.NewManager(),
	}

	alg, err := identityAlgorithm(cfg.Identity.Algorithm)
	if err != nil {
		return nil, err
	}
	key, err := cryptoutil.LoadSealedKey(cfg.Identity.KeyDir, cfg.Identity.AgentName, []byte(cfg.Identity.Passphrase), alg)
	if err != nil {
		return nil, fmt.Errorf("ap2: load identity key: %w", err)
	}
	app.Key = key

	doc, err := did.NewDocument(cfg.Identity.DID, key.Public())
	if err != nil {
		return nil, fmt.Errorf("ap2: build did document: %w", err)
	}
	app.Document = doc

	resolver := did.NewResolver(cfg.PeerEndpoints(), nil, 5*time.Minute)
	resolver.Register(doc)
	app.Resolver = resolver

	app.Metrics = metrics.New(optState.registry)

	if optState.store != nil {
		app.Store = optState.store
	} else if roleNeedsStore(cfg.Role) {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:         cfg.Storage.Backend,
			PostgresURL:     cfg.Storage.PostgresURL,
			MongoDBURL:      cfg.Storage.MongoDBURL,
			MongoDBDatabase: cfg.Storage.MongoDBDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("ap2: open store: %w", err)
		}
		app.Store = storage.WithMetrics(store, app.Metrics, cfg.Storage.Backend)
		app.resources.Register("storage", store)
		if cfg.Storage.Backend == "memory" {
			log.Warn().Msg("using in-memory store, state is lost on restart")
		}
	}

	kid := cfg.Identity.DID + "#key-1"
	audit := a2a.NewLogAudit(log)

	app.Client = a2a.NewClient(a2a.ClientConfig{
		SelfDID:   cfg.Identity.DID,
		Key:       key,
		Kid:       kid,
		Resolver:  resolver,
		Endpoints: cfg.PeerEndpoints(),
		Audit:     audit,
		Logger:    log,
	})

	if roleReceives(cfg.Role) {
		nonces := ttlstore.New[struct{}](65536, time.Minute)
		app.registerStore("nonce-ledger", nonces)
		app.Receiver = a2a.NewReceiver(a2a.ReceiverConfig{
			SelfDID:  cfg.Identity.DID,
			Key:      key,
			Kid:      kid,
			Resolver: resolver,
			Nonces:   nonces,
			Audit:    audit,
			Logger:   log,
			Metrics:  app.Metrics,
			NonceTTL: cfg.TTL.Nonce.Duration,
		})
	}

	if err := app.buildRole(); err != nil {
		return nil, err
	}
	return app, nil
}

// buildRole constructs the service matching cfg.Role.
func (a *App) buildRole() error {
	cfg := a.Config
	switch cfg.Role {
	case config.RoleShoppingAgent:
		return a.buildShoppingAgent()
	case config.RoleMerchantAgent:
		return a.buildMerchantAgent()
	case config.RoleMerchant:
		a.buildMerchant()
		return nil
	case config.RoleCredentialsProvider:
		return a.buildCredProvider()
	case config.RolePaymentNetwork:
		a.buildPaymentNetwork()
		return nil
	case config.RolePaymentProcessor:
		return a.buildProcessor()
	default:
		return fmt.Errorf("ap2: unknown role %q", cfg.Role)
	}
}

func (a *App) buildShoppingAgent() error {
	cfg := a.Config
	cp, ok := cfg.Peer(config.RoleCredentialsProvider)
	if !ok {
		return errors.New("ap2: shopping agent needs a credentials-provider peer")
	}
	ma, _ := cfg.Peer(config.RoleMerchantAgent)
	psp, _ := cfg.Peer(config.RolePaymentProcessor)

	sessions := ttlstore.New[shopping.Session](4096, time.Minute)
	a.registerStore("sessions", sessions)

	agent := shopping.New(shopping.Config{
		DID:              cfg.Identity.DID,
		MerchantAgentDID: ma.DID,
		ProcessorDID:     psp.DID,
		Credentials:      shopping.NewProviderClient(cp.URL, peerClientTimeout),
		Relay:            a.Client,
		Resolver:         a.Resolver,
		Sessions:         sessions,
		Logger:           a.log,
	})
	a.resources.RegisterFunc("shopping-agent", func() error {
		agent.Close()
		return nil
	})
	a.Shopping = agent
	return nil
}

func (a *App) buildMerchantAgent() error {
	cfg := a.Config
	m, ok := cfg.Peer(config.RoleMerchant)
	if !ok {
		return errors.New("ap2: merchant agent needs a merchant peer")
	}
	psp, _ := cfg.Peer(config.RolePaymentProcessor)

	candidates := ttlstore.New[mandate.CartMandate](4096, time.Minute)
	a.registerStore("cart-candidates", candidates)

	a.MerchantAgent = merchantagent.New(merchantagent.Config{
		DID:          cfg.Identity.DID,
		MerchantDID:  m.DID,
		ProcessorDID: psp.DID,
		Merchant:     merchantagent.NewMerchantClient(m.URL, peerClientTimeout),
		Processor:    a.Client,
		Candidates:   candidates,
		Logger:       a.log,
	})
	a.MerchantAgent.RegisterHandlers(a.Receiver)
	return nil
}

func (a *App) buildMerchant() {
	cfg := a.Config
	psp, _ := cfg.Peer(config.RolePaymentProcessor)

	m := merchant.New(
		cfg.Identity.DID,
		cfg.Merchant.Name,
		psp.DID,
		a.Key,
		catalogProducts(cfg.Merchant.Catalog),
		a.log,
	)
	a.resources.RegisterFunc("merchant", func() error {
		m.Close()
		return nil
	})
	a.Merchant = m
}

func (a *App) buildCredProvider() error {
	cfg := a.Config
	pn, ok := cfg.Peer(config.RolePaymentNetwork)
	if !ok {
		return errors.New("ap2: credentials provider needs a payment-network peer")
	}

	challenges := ttlstore.New[string](8192, time.Minute)
	tokens := ttlstore.New[credprovider.TokenRecord](8192, time.Minute)
	stepups := ttlstore.New[credprovider.StepUpSession](4096, time.Minute)
	a.registerStore("challenges", challenges)
	a.registerStore("payment-tokens", tokens)
	a.registerStore("stepup-sessions", stepups)

	a.CredProvider = credprovider.New(credprovider.Config{
		RPID:           cfg.WebAuthn.RPID,
		AllowedOrigins: cfg.WebAuthn.AllowedOrigins,
		Store:          a.Store,
		Challenges:     challenges,
		Tokens:         tokens,
		StepUps:        stepups,
		Network:        credprovider.NewNetworkClient(pn.URL, peerClientTimeout),
		Logger:         a.log,
		Metrics:        a.Metrics,
	})
	return nil
}

func (a *App) buildPaymentNetwork() {
	tokens := ttlstore.New[paymentnetwork.TokenRecord](16384, time.Minute)
	a.registerStore("agent-tokens", tokens)
	a.PaymentNetwork = paymentnetwork.New(a.Config.Identity.AgentName, tokens, a.log, a.Metrics)
}

func (a *App) buildProcessor() error {
	cfg := a.Config
	cp, ok := cfg.Peer(config.RoleCredentialsProvider)
	if !ok {
		return errors.New("ap2: processor needs a credentials-provider peer")
	}

	var acquirer processor.Acquirer
	switch cfg.Acquirer.Mode {
	case "stripe":
		acquirer = processor.NewStripeAcquirer(cfg.Acquirer.StripeSecretKey, cfg.Acquirer.StripePaymentMethod)
	default:
		acquirer = &processor.InternalAcquirer{RequireAgentToken: cfg.Acquirer.RequireAgentToken}
	}

	jti := ttlstore.New[struct{}](65536, time.Minute)
	a.registerStore("jti-ledger", jti)

	provider := processor.NewProviderClient(cp.URL, peerClientTimeout)
	a.Processor = processor.New(processor.Config{
		SelfDID:        cfg.Identity.DID,
		Store:          a.Store,
		Resolver:       a.Resolver,
		JTILedger:      jti,
		Credentials:    provider,
		Receipts:       provider,
		Acquirer:       acquirer,
		RPID:           cfg.WebAuthn.RPID,
		AllowedOrigins: cfg.WebAuthn.AllowedOrigins,
		ReceiptBaseURL: cfg.Processor.ReceiptBaseURL,
		Metrics:        a.Metrics,
		Logger:         a.log,
	})
	a.Processor.RegisterHandlers(a.Receiver)
	return nil
}

// HTTPOptions builds the router options for this role.
func (a *App) HTTPOptions(log zerolog.Logger) httpserver.Options {
	return httpserver.Options{
		Cfg:            a.Config,
		Logger:         log,
		Metrics:        a.Metrics,
		Document:       a.Document,
		Receiver:       a.Receiver,
		Shopping:       a.Shopping,
		CredProvider:   a.CredProvider,
		Merchant:       a.Merchant,
		PaymentNetwork: a.PaymentNetwork,
	}
}

// Close releases every resource the app owns, in reverse order.
func (a *App) Close() error {
	return a.resources.Close()
}

type stopper interface{ Stop() }

func (a *App) registerStore(name string, s stopper) {
	a.resources.RegisterFunc(name, func() error {
		s.Stop()
		return nil
	})
}

// roleNeedsStore reports whether the role persists durable records.
func roleNeedsStore(role string) bool {
	return role == config.RoleCredentialsProvider || role == config.RolePaymentProcessor
}

// roleReceives reports whether the role accepts inbound A2A envelopes.
func roleReceives(role string) bool {
	return role == config.RoleMerchantAgent || role == config.RolePaymentProcessor
}

func identityAlgorithm(name string) (cryptoutil.Algorithm, error) {
	switch name {
	case "ecdsa-p256", "":
		return cryptoutil.AlgECDSAP256, nil
	case "ed25519":
		return cryptoutil.AlgEd25519, nil
	}
	return "", fmt.Errorf("ap2: unsupported identity algorithm %q", name)
}

// catalogProducts converts config catalog entries to merchant products.
func catalogProducts(entries []config.CatalogProduct) []merchant.Product {
	out := make([]merchant.Product, 0, len(entries))
	for _, e := range entries {
		out = append(out, merchant.Product{
			SKU:         e.SKU,
			Name:        e.Name,
			Description: e.Description,
			Price: mandate.PaymentCurrencyAmount{
				Currency: e.Currency,
				Value:    e.Price,
			},
			Stock:        e.Stock,
			Tags:         e.Tags,
			RefundPeriod: int64(e.RefundPeriod.Duration.Seconds()),
		})
	}
	return out
}
