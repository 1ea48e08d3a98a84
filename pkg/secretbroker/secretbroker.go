// Package secretbroker caches resolved secret payloads keyed by vault path
// and exposes a synchronous get-by-(path,key) that internally drives an
// asynchronous fetch, bridging into the caller's goroutine without leaking
// unbounded concurrency. It also publishes a monotonically increasing
// version whenever a background refresh changes any cached payload, which
// the lookup engine uses to invalidate stale typed caches.
package secretbroker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/log"
	"github.com/cuemby/configcore/pkg/metrics"
)

// ErrNotFound is returned by a Client when no secret object exists at the
// requested path. Client implementations that don't distinguish "not
// found" from other failures may skip returning it; the broker maps any
// other error to coreerr.StoreError.
var ErrNotFound = errors.New("secretbroker: no secret at path")

// Lease describes a dynamic secret's renewal terms, when the underlying
// store issued one.
type Lease struct {
	ID        string
	Duration  time.Duration
	Renewable bool
}

// Metadata is the bookkeeping a Client returns alongside a secret's data.
type Metadata struct {
	Version      int
	CreatedTime  time.Time
	DeletionTime *time.Time
	Destroyed    bool
	Lease        *Lease
}

// Client reads a full KV-v2-style secret at an arbitrary path. Out of this
// module's scope: authentication, token renewal, and endpoint detection are
// the adapter's concern.
type Client interface {
	Read(ctx context.Context, path string) (data map[string]any, meta Metadata, err error)
}

type cacheEntry struct {
	payload   map[string]any
	fetchedAt time.Time
	lease     *Lease
}

// DefaultIntervals returns the two compiled-in static refresh intervals.
func DefaultIntervals() map[string]time.Duration {
	return map[string]time.Duration{
		"kafka-certificates": 600 * time.Second,
		"interservice-auth":  60 * time.Second,
	}
}

// Broker is the secret cache and sync-over-async bridge. The zero value is
// not usable; construct with New.
type Broker struct {
	client    Client
	intervals map[string]time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	version atomic.Uint64
	pool    *blockingPool
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithIntervals overrides the static refresh interval map used for
// non-lease secrets. Unset entries fall back to DefaultIntervals.
func WithIntervals(intervals map[string]time.Duration) Option {
	return func(b *Broker) {
		for k, v := range intervals {
			b.intervals[k] = v
		}
	}
}

// WithBlockingWorkers sets how many concurrent synchronous fetches GetSync
// may drive at once. A size of zero disables the bridge entirely: GetSync
// then reports a store error instead of hanging.
func WithBlockingWorkers(n int) Option {
	return func(b *Broker) { b.pool = newBlockingPool(n) }
}

// New creates a Broker backed by client. client may be nil: lookups that
// need a secret then fail with coreerr.SecretNoStore.
func New(client Client, opts ...Option) *Broker {
	b := &Broker{
		client:    client,
		intervals: DefaultIntervals(),
		cache:     make(map[string]*cacheEntry),
		pool:      newBlockingPool(8),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Version returns the current monotone secret-version counter.
func (b *Broker) Version() uint64 {
	return b.version.Load()
}

// GetSync returns the value of key within the secret cached at path,
// fetching synchronously on a cache miss.
func (b *Broker) GetSync(ctx context.Context, path, key string) (any, error) {
	if b.client == nil {
		return nil, coreerr.New(coreerr.SecretNoStore, "no secret store client configured")
	}

	entry := b.peek(path)
	if entry == nil {
		fetched, err := b.fetchBlocking(ctx, path)
		if err != nil {
			return nil, err
		}
		entry = fetched
	}

	v, ok := entry.payload[key]
	if !ok {
		return nil, coreerr.New(coreerr.SecretKeyNotFound, "key "+key+" not present at "+path)
	}
	return v, nil
}

func (b *Broker) peek(path string) *cacheEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache[path]
}

func (b *Broker) fetchBlocking(ctx context.Context, path string) (*cacheEntry, error) {
	var entry *cacheEntry
	var fetchErr error

	err := b.pool.run(ctx, func() {
		data, meta, err := b.client.Read(ctx, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				fetchErr = coreerr.Wrap(coreerr.SecretNotFound, "no secret at "+path, err)
			} else {
				fetchErr = coreerr.Wrap(coreerr.StoreError, "reading "+path, err)
			}
			return
		}
		entry = &cacheEntry{payload: data, fetchedAt: time.Now(), lease: meta.Lease}
	})
	if err != nil {
		metrics.SecretFetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if fetchErr != nil {
		metrics.SecretFetchesTotal.WithLabelValues("error").Inc()
		return nil, fetchErr
	}
	metrics.SecretFetchesTotal.WithLabelValues("ok").Inc()

	b.mu.Lock()
	b.cache[path] = entry
	b.mu.Unlock()
	return entry, nil
}

// Refresh walks the cache and re-fetches any entry due for it, bumping the
// version counter at most once for the whole cycle if anything changed.
// Per-secret fetch failures are logged and do not abort the cycle.
func (b *Broker) Refresh(ctx context.Context) error {
	if b.client == nil {
		return nil
	}

	b.mu.RLock()
	paths := make([]string, 0, len(b.cache))
	for p := range b.cache {
		paths = append(paths, p)
	}
	b.mu.RUnlock()

	changed := false
	now := time.Now()
	for _, path := range paths {
		entry := b.peek(path)
		if entry == nil || !b.dueForRefetch(path, entry, now) {
			continue
		}

		data, meta, err := b.client.Read(ctx, path)
		if err != nil {
			metrics.SecretFetchesTotal.WithLabelValues("error").Inc()
			l := log.WithPath(path)
			l.Warn().Err(err).Msg("secretbroker: refresh fetch failed")
			continue
		}
		metrics.SecretFetchesTotal.WithLabelValues("ok").Inc()

		if !payloadsEqual(entry.payload, data) {
			changed = true
		}
		b.mu.Lock()
		b.cache[path] = &cacheEntry{payload: data, fetchedAt: now, lease: meta.Lease}
		b.mu.Unlock()
	}

	if changed {
		b.version.Add(1)
	}
	return nil
}

func (b *Broker) dueForRefetch(path string, entry *cacheEntry, now time.Time) bool {
	if entry.lease != nil {
		if entry.lease.Duration <= 0 {
			return false
		}
		return now.Sub(entry.fetchedAt) >= time.Duration(0.75*float64(entry.lease.Duration))
	}
	interval, ok := matchInterval(b.intervals, path)
	if !ok {
		return false
	}
	return now.Sub(entry.fetchedAt) >= interval
}

func matchInterval(intervals map[string]time.Duration, path string) (time.Duration, bool) {
	for pattern, interval := range intervals {
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := filepath.Match(pattern, path); ok {
				return interval, true
			}
			continue
		}
		if strings.Contains(path, pattern) {
			return interval, true
		}
	}
	return 0, false
}

func payloadsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok {
			return false
		}
		if !scalarEqual(v, ov) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && payloadsEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !scalarEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// blockingPool bounds how many synchronous fetches run at once, so GetSync
// never spawns unbounded goroutines under load and cooperates with ctx
// cancellation instead of hanging forever. A zero-size pool rejects every
// call, the Go analog of "no blocking-capable worker available."
type blockingPool struct {
	sem chan struct{}
}

func newBlockingPool(size int) *blockingPool {
	if size <= 0 {
		return &blockingPool{}
	}
	return &blockingPool{sem: make(chan struct{}, size)}
}

func (p *blockingPool) run(ctx context.Context, fn func()) error {
	if p.sem == nil {
		return coreerr.New(coreerr.StoreError, "secretbroker: no blocking worker available for synchronous fetch")
	}
	if err := ctx.Err(); err != nil {
		return coreerr.Wrap(coreerr.Timeout, "synchronous secret fetch", err)
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return coreerr.Wrap(coreerr.Timeout, "waiting for a blocking worker", ctx.Err())
	}
	defer func() { <-p.sem }()

	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return coreerr.Wrap(coreerr.Timeout, "synchronous secret fetch", ctx.Err())
	}
}

// StaticClient is a Client test double backed by an in-memory map, for
// tests that need a broker without standing up a real secret store.
type StaticClient struct {
	mu   sync.Mutex
	data map[string]map[string]any
	meta map[string]Metadata
}

// NewStaticClient returns a StaticClient pre-populated with data: one entry
// per secret path, each holding the key/value pairs available under it.
func NewStaticClient(data map[string]map[string]any) *StaticClient {
	return &StaticClient{data: data, meta: map[string]Metadata{}}
}

// Set replaces the data (and optionally lease metadata) stored at path,
// for tests simulating a secret rotation between refresh cycles.
func (c *StaticClient) Set(path string, data map[string]any, meta Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string]map[string]any{}
	}
	c.data[path] = data
	c.meta[path] = meta
}

// Read implements Client.
func (c *StaticClient) Read(ctx context.Context, path string) (map[string]any, Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[path]
	if !ok {
		return nil, Metadata{}, ErrNotFound
	}
	return data, c.meta[path], nil
}
