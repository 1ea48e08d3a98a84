// Package configcore is the composition root: it owns the entry store, the
// secret broker, the change observer, and the lookup engine, and drives the
// refresh pipeline on a ticker.
package configcore

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/log"
	"github.com/cuemby/configcore/pkg/lookup"
	"github.com/cuemby/configcore/pkg/metrics"
	"github.com/cuemby/configcore/pkg/observer"
	"github.com/cuemby/configcore/pkg/provider"
	"github.com/cuemby/configcore/pkg/secretbroker"
	"github.com/cuemby/configcore/pkg/store"
	"github.com/rs/zerolog"
)

// DefaultRefreshPeriod is the background refresh cycle's default interval.
const DefaultRefreshPeriod = 30 * time.Second

// Options configures a Core at construction time.
type Options struct {
	Identity      identity.Static
	Providers     []provider.Provider
	SecretClient  secretbroker.Client
	SecretOptions []secretbroker.Option
	RefreshPeriod time.Duration
	SecretRefresh time.Duration // period of an extra broker-only Refresh() ticker when it differs from RefreshPeriod; every refresh cycle also refreshes the broker. Defaults to RefreshPeriod
}

// Core wires together the Entry Store, Secret Broker, Change Observer, and
// Lookup Engine, plus the provider-driven refresh pipeline that feeds them.
type Core struct {
	identity identity.Static
	store    *store.Store
	broker   *secretbroker.Broker
	observer *observer.Registry
	engine   *lookup.Engine
	logger   zerolog.Logger

	providers     []provider.Provider
	refreshPeriod time.Duration
	secretPeriod  time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Core from opts. It does not start the background refresh
// loop; call Start for that, or RefreshOnce/RefreshWithTimeout to drive
// cycles manually (e.g. from tests).
func New(opts Options) *Core {
	refreshPeriod := opts.RefreshPeriod
	if refreshPeriod <= 0 {
		refreshPeriod = DefaultRefreshPeriod
	}
	secretPeriod := opts.SecretRefresh
	if secretPeriod <= 0 {
		secretPeriod = refreshPeriod
	}

	broker := secretbroker.New(opts.SecretClient, opts.SecretOptions...)
	st := store.New()

	return &Core{
		identity:      opts.Identity,
		store:         st,
		broker:        broker,
		observer:      observer.New(),
		engine:        lookup.New(st, opts.Identity, broker),
		logger:        log.WithComponent("configcore"),
		providers:     opts.Providers,
		refreshPeriod: refreshPeriod,
		secretPeriod:  secretPeriod,
	}
}

// Store exposes the underlying entry store for inspection (e.g. the
// "inspect" CLI subcommand's debug dump).
func (c *Core) Store() *store.Store { return c.store }

// Broker exposes the underlying secret broker.
func (c *Core) Broker() *secretbroker.Broker { return c.broker }

// Observer exposes the Change Observer so callers can Watch named keys.
func (c *Core) Observer() *observer.Registry { return c.observer }

// Identity returns this process's static identity.
func (c *Core) Identity() identity.Static { return c.identity }

// Get resolves name to a decoded value of type T under ctx's ambient
// scoped state.
func Get[T any](ctx context.Context, c *Core, name string) (T, bool) {
	h, ok := lookup.Get[T](ctx, c.engine, name)
	outcome := "not_found"
	if ok {
		outcome = "hit"
	}
	metrics.LookupsTotal.WithLabelValues(outcome).Inc()
	if !ok {
		var zero T
		return zero, false
	}
	return h.Value, true
}

// GetOr resolves name like Get but falls back to def instead of reporting
// not-found.
func GetOr[T any](ctx context.Context, c *Core, name string, def T) T {
	v, ok := Get[T](ctx, c, name)
	if !ok {
		return def
	}
	return v
}

// Start begins the background refresh loop on a ticker of c.refreshPeriod.
// It is safe to call Start at most once per Core; calling it twice panics.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		panic("configcore: Core.Start called twice")
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, stopCh)
}

// Stop halts the background refresh loop and waits for it to exit.
func (c *Core) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	c.wg.Wait()
}

func (c *Core) run(ctx context.Context, stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.refreshPeriod)
	defer ticker.Stop()

	// The broker gets its own cadence only when it differs from the main
	// cycle's; otherwise RefreshOnce already covers it.
	var secretTick <-chan time.Time
	if c.secretPeriod != c.refreshPeriod {
		secretTicker := time.NewTicker(c.secretPeriod)
		defer secretTicker.Stop()
		secretTick = secretTicker.C
	}

	c.logger.Info().Dur("period", c.refreshPeriod).Msg("refresh loop started")

	if err := c.RefreshOnce(ctx); err != nil {
		c.logger.Error().Err(err).Msg("initial refresh failed")
	}

	for {
		select {
		case <-ticker.C:
			if err := c.RefreshOnce(ctx); err != nil {
				c.logger.Error().Err(err).Msg("refresh cycle failed")
			}
		case <-secretTick:
			if err := c.broker.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("secret broker refresh failed")
			}
			metrics.SecretBrokerVersion.Set(float64(c.broker.Version()))
		case <-stopCh:
			c.logger.Info().Msg("refresh loop stopped")
			return
		}
	}
}

// RefreshOnce runs a single refresh cycle to completion: loading every
// provider, merging into the store, refreshing the secret broker, and
// dispatching the change observer. Provider loads and plan compilation all
// run before the store is touched; the assembled plans then land under one
// writer-lock acquisition, so readers see either the pre-cycle table or the
// whole cycle's result, and a cancellation before the commit point leaves
// the store exactly as it was.
func (c *Core) RefreshOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RefreshDuration)

	plans := make([]*store.Plan, 0, len(c.providers))
	for _, p := range c.providers {
		if plan := c.loadProvider(ctx, p); plan != nil {
			plans = append(plans, plan)
		}
	}

	if err := ctx.Err(); err != nil {
		metrics.RefreshCyclesTotal.WithLabelValues("timeout").Inc()
		return coreerr.Wrap(coreerr.Timeout, "refresh cancelled before commit", err)
	}
	c.store.ApplyAll(plans)
	metrics.EntriesTotal.Set(float64(c.store.EntryCount()))

	if err := c.broker.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("secret broker refresh failed")
	}
	metrics.SecretBrokerVersion.Set(float64(c.broker.Version()))

	c.dispatchObservers()

	metrics.RefreshCyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

// RefreshWithTimeout runs RefreshOnce bounded by d; if the cycle does not
// complete in time it returns a coreerr.Timeout error. The cycle only
// commits its staged plans after every provider has loaded, so a timeout
// abandons the whole cycle — nothing partial ever reaches the store.
func (c *Core) RefreshWithTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.RefreshOnce(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Wait for the cycle goroutine to observe the cancellation and
		// bail before its commit point, so no cycle can land in the store
		// after a timeout has been reported.
		<-done
		return timeoutError(d)
	}
}

// loadProvider calls p's Load and compiles the result into a staged plan,
// or returns nil when the provider failed this cycle (its previous
// contributions stay in the store untouched).
func (c *Core) loadProvider(ctx context.Context, p provider.Provider) *store.Plan {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProviderLoadDuration, p.Name())

	lastVersion := c.store.ProviderVersion(p.Name())
	adds, dels, version, err := p.Load(ctx, lastVersion)
	if err != nil {
		metrics.ProviderLoadErrorsTotal.WithLabelValues(p.Name()).Inc()
		c.logger.Warn().Err(err).Str("provider", p.Name()).Msg("provider load failed, isolating to this cycle")
		return nil
	}

	return store.BuildPlan(p.Name(), version, adds, dels, c.identity)
}

// dispatchObservers recomputes the effective value for every watched name
// under an empty Per-Call Context (no request, no layers) and feeds it to
// the observer registry. See DESIGN.md for the scoping rationale.
func (c *Core) dispatchObservers() {
	for _, name := range c.observer.WatchedNames() {
		seq, ok := c.store.Sequence(name)
		if !ok {
			c.observer.Compare(name, nil)
			continue
		}
		c.observer.Compare(name, effectiveValue(seq, c.identity))
	}
}
