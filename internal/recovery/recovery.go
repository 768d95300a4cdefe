// Package recovery restores durable state when ChatPipe starts after a crash or restart.
//
// Components that hold state outside the process (queue claims, session rows,
// provider connections) register a Recoverable; the RecoveryManager runs them in
// registration order before the worker starts claiming messages.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultComponentTimeout bounds a single component's recovery.
const DefaultComponentTimeout = 30 * time.Second

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

type component struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	components []component
	timeout    time.Duration
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{timeout: DefaultComponentTimeout}
}

// SetComponentTimeout overrides the per-component deadline; zero disables it.
func (rm *RecoveryManager) SetComponentTimeout(d time.Duration) {
	rm.timeout = d
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	if name == "" {
		name = fmt.Sprintf("%T", r)
	}
	rm.components = append(rm.components, component{name: name, r: r})
}

// Components returns the registered component names in recovery order.
func (rm *RecoveryManager) Components() []string {
	names := make([]string, len(rm.components))
	for i, c := range rm.components {
		names[i] = c.name
	}
	return names
}

// RecoverAll performs recovery of all registered components.
// A failing component does not stop the others; all failures are returned joined.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.components))

	var errs []error
	recovered := 0
	for _, c := range rm.components {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("recovery aborted before %s: %w", c.name, err))
			break
		}
		if err := rm.recoverOne(ctx, c); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		recovered++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recovered, "errors", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w",
			len(errs), len(rm.components), errors.Join(errs...))
	}
	return nil
}

func (rm *RecoveryManager) recoverOne(ctx context.Context, c component) (err error) {
	if rm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rm.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during recovery: %v", p)
		}
	}()
	start := time.Now()
	err = c.r.RecoverState(ctx)
	slog.Debug("RecoveryManager.recoverOne: done", "component", c.name, "duration", time.Since(start), "ok", err == nil)
	return err
}
