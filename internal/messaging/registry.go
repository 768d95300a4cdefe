package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Initialization retry defaults.
const (
	DefaultInitAttempts     = 3
	DefaultInitialInitDelay = 500 * time.Millisecond
	initPoolSize            = 4
)

// Registry holds the configured providers keyed by platform id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	initAttempts uint64
	initDelay    time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:    make(map[string]Provider),
		initAttempts: DefaultInitAttempts,
		initDelay:    DefaultInitialInitDelay,
	}
}

// SetInitRetry overrides how often Initialize is attempted per provider.
func (r *Registry) SetInitRetry(attempts int, initialDelay time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	r.initAttempts = uint64(attempts)
	r.initDelay = initialDelay
}

// Register adds p, replacing a provider with the same platform id.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.PlatformID()]; exists {
		slog.Warn("Registry.Register: replacing provider", "platform", p.PlatformID())
	}
	r.providers[p.PlatformID()] = p
	slog.Debug("Registry.Register: provider registered", "platform", p.PlatformID(), "enabled", p.IsEnabled())
}

// Get returns the provider for platform, or models.ErrProviderNotFound.
func (r *Registry) Get(platform string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrProviderNotFound, platform)
	}
	return p, nil
}

// List returns all providers ordered by platform id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID() < out[j].PlatformID() })
	return out
}

// SetEnabled toggles a provider at runtime.
func (r *Registry) SetEnabled(platform string, enabled bool) error {
	p, err := r.Get(platform)
	if err != nil {
		return err
	}
	p.SetEnabled(enabled)
	slog.Info("Registry.SetEnabled: provider toggled", "platform", platform, "enabled", enabled)
	return nil
}

// InitializeAll initializes enabled providers concurrently, retrying each with
// exponential backoff. A provider that still fails is disabled and its error
// is included in the returned joined error; the others stay usable.
func (r *Registry) InitializeAll(ctx context.Context) error {
	providers := r.List()
	wp := workerpool.New(initPoolSize)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, p := range providers {
		if !p.IsEnabled() {
			continue
		}
		wp.Submit(func() {
			if err := r.initialize(ctx, p); err != nil {
				p.SetEnabled(false)
				slog.Error("Registry.InitializeAll: provider disabled after failed initialization",
					"platform", p.PlatformID(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.PlatformID(), err))
				mu.Unlock()
				return
			}
			slog.Info("Registry.InitializeAll: provider initialized", "platform", p.PlatformID())
		})
	}
	wp.StopWait()
	return errors.Join(errs...)
}

func (r *Registry) initialize(ctx context.Context, p Provider) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.initAttempts-1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := p.Initialize(ctx)
		if err != nil {
			slog.Warn("Registry.initialize: attempt failed", "platform", p.PlatformID(), "attempt", attempt, "error", err)
		}
		return err
	}, policy)
}

// ShutdownAll shuts every provider down and joins their errors.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	var errs []error
	for _, p := range r.List() {
		if err := p.Shutdown(ctx); err != nil {
			slog.Error("Registry.ShutdownAll: provider shutdown failed", "platform", p.PlatformID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.PlatformID(), err))
		}
	}
	return errors.Join(errs...)
}
