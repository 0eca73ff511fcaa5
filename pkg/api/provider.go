package api

import "context"

// ProviderRequest is an opaque request to a capability provider.
type ProviderRequest struct {
	// Operation names the capability being invoked (e.g. "complete",
	// "search"). Its meaning is private to the provider.
	Operation string
	Input     any
}

// ProviderResponse is the provider's reply plus resource accounting.
type ProviderResponse struct {
	Output any
	Usage  ResourceUsage
}

// Provider is an external computation the engine delegates to: a model
// completion, a search call. The wire format is the provider's business.
//
// Providers must self-classify failures: return errors wrapped with
// Transient for retryable conditions (rate limits, timeouts) and Fatal or
// plain errors for unrecoverable ones.
type Provider interface {
	ID() string
	Invoke(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

type providerFunc struct {
	id string
	fn func(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

func (p providerFunc) ID() string { return p.id }

func (p providerFunc) Invoke(ctx context.Context, req ProviderRequest) (ProviderResponse, error) {
	return p.fn(ctx, req)
}

// NewProvider adapts a plain function into a Provider with the given ID.
func NewProvider(id string, fn func(ctx context.Context, req ProviderRequest) (ProviderResponse, error)) Provider {
	return providerFunc{id: id, fn: fn}
}
