package recovery

import (
	"context"
	"log/slog"
)

// RecoverableFunc adapts a plain function to Recoverable.
type RecoverableFunc func(ctx context.Context) error

// RecoverState calls f.
func (f RecoverableFunc) RecoverState(ctx context.Context) error { return f(ctx) }

// ProviderInitializer is satisfied by messaging.Registry.
type ProviderInitializer interface {
	InitializeAll(ctx context.Context) error
}

// ProviderRecovery reconnects messaging providers. A provider that cannot start is
// disabled by the registry and logged here; the service still comes up with the rest.
func ProviderRecovery(p ProviderInitializer) Recoverable {
	return RecoverableFunc(func(ctx context.Context) error {
		if err := p.InitializeAll(ctx); err != nil {
			slog.Warn("recovery.ProviderRecovery: some providers disabled", "error", err)
		}
		return nil
	})
}
