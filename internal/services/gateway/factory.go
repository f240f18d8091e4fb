package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"cafa-ticket/models"
	"cafa-ticket/utils"
)

// Factory builds gateways from provider specific configuration.
type Factory struct {
	httpClient *http.Client
	now        func() time.Time
}

func NewFactory(timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Factory{httpClient: &http.Client{Timeout: timeout}, now: time.Now}
}

// Create builds the gateway for provider. cfg must be the provider's config type.
func (f *Factory) Create(provider models.Gateway, cfg any) (Gateway, error) {
	api := func() *apiClient {
		return &apiClient{http: f.httpClient, breaker: utils.NewCircuitBreaker(string(provider))}
	}

	switch provider {
	case models.GatewayPaystack:
		c, ok := cfg.(*PaystackConfig)
		if !ok {
			return nil, fmt.Errorf("invalid paystack config type, expected *gateway.PaystackConfig")
		}
		return NewPaystack(c, api()), nil

	case models.GatewayStripe:
		c, ok := cfg.(*StripeConfig)
		if !ok {
			return nil, fmt.Errorf("invalid stripe config type, expected *gateway.StripeConfig")
		}
		return NewStripe(c, api(), f.now), nil

	case models.GatewayFlutterwave:
		c, ok := cfg.(*FlutterwaveConfig)
		if !ok {
			return nil, fmt.Errorf("invalid flutterwave config type, expected *gateway.FlutterwaveConfig")
		}
		return NewFlutterwave(c, api()), nil

	case models.GatewayCash, models.GatewayBankTransfer:
		c, ok := cfg.(*ManualConfig)
		if !ok {
			return nil, fmt.Errorf("invalid %s config type, expected *gateway.ManualConfig", provider)
		}
		m, err := NewManual(provider, c)
		if err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported payment gateway: %s", provider)
	}
}

func (f *Factory) SupportedProviders() []models.Gateway {
	return []models.Gateway{
		models.GatewayPaystack,
		models.GatewayStripe,
		models.GatewayFlutterwave,
		models.GatewayCash,
		models.GatewayBankTransfer,
	}
}

// Registry holds the gateways enabled for this deployment.
type Registry struct {
	gateways map[models.Gateway]Gateway
	factory  *Factory
}

func NewRegistry(factory *Factory) *Registry {
	return &Registry{gateways: make(map[models.Gateway]Gateway), factory: factory}
}

// Register creates and enables a gateway.
func (r *Registry) Register(provider models.Gateway, cfg any) error {
	gw, err := r.factory.Create(provider, cfg)
	if err != nil {
		return fmt.Errorf("failed to create %s gateway: %w", provider, err)
	}
	r.gateways[provider] = gw
	return nil
}

// Add enables an already constructed gateway.
func (r *Registry) Add(gw Gateway) {
	r.gateways[gw.Provider()] = gw
}

func (r *Registry) Get(provider models.Gateway) (Gateway, error) {
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("payment gateway %s not enabled", provider)
	}
	return gw, nil
}

func (r *Registry) Enabled(provider models.Gateway) bool {
	_, ok := r.gateways[provider]
	return ok
}

func (r *Registry) Providers() []models.Gateway {
	out := make([]models.Gateway, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
