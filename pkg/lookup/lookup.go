// Package lookup implements the public get path: resolving a configuration
// name to a typed, cached value by walking the entry store's descending-
// priority sequence, applying per-call predicates, and resolving secrets
// synchronously on a cache miss or after a secret-version change.
package lookup

import (
	"context"
	"encoding/json"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/log"
	"github.com/cuemby/configcore/pkg/predicate"
	"github.com/cuemby/configcore/pkg/scoped"
	"github.com/cuemby/configcore/pkg/secretref"
	"github.com/cuemby/configcore/pkg/store"
	"github.com/cuemby/configcore/pkg/typedcache"
)

// Store is the subset of *store.Store the engine reads.
type Store interface {
	Sequence(name string) ([]*store.Entry, bool)
}

// Broker is the subset of *secretbroker.Broker the engine needs to resolve
// secret-backed values.
type Broker interface {
	Version() uint64
	GetSync(ctx context.Context, path, key string) (any, error)
}

// Engine is the lookup component: it has no state of its own beyond
// references to the store, the static identity predicates are evaluated
// against, and the secret broker.
type Engine struct {
	store    Store
	identity identity.Static
	broker   Broker
}

// New builds a lookup Engine over s, id, and broker. broker may be nil if
// this process never resolves secret-backed values; a lookup that needs one
// without a broker configured fails with SecretNoStore.
func New(s Store, id identity.Static, broker Broker) *Engine {
	return &Engine{store: s, identity: id, broker: broker}
}

// candidate walks name's sequence under ctx's ambient scoped state and
// returns the first entry whose per-call predicates all pass.
func (e *Engine) candidate(ctx context.Context, name string) (*store.Entry, bool) {
	seq, ok := e.store.Sequence(name)
	if !ok {
		return nil, false
	}
	call := scoped.Resolve(ctx)
	evalCtx := predicate.EvalContext{Identity: e.identity, Call: call}
	for _, entry := range seq {
		if allPass(entry.CallPredicates, evalCtx) {
			return entry, true
		}
	}
	return nil, false
}

func allPass(preds []predicate.Predicate, ctx predicate.EvalContext) bool {
	for _, p := range preds {
		if !p.Evaluate(ctx) {
			return false
		}
	}
	return true
}

// brokerVersion returns the broker's current version, or 0 when this engine
// has no broker configured (an entry with no secret usages never consults
// it, so this is only observed by entries that do have usages, which then
// fail materialize with SecretNoStore anyway).
func (e *Engine) brokerVersion() uint64 {
	if e.broker == nil {
		return 0
	}
	return e.broker.Version()
}

// invalidateIfStale clears entry's typed cache when it carries secret
// usages and its recorded secret-version no longer matches the broker's
// current version.
func (e *Engine) invalidateIfStale(entry *store.Entry) {
	if !entry.HasSecretUsages() {
		return
	}
	cache := entry.TypedCache()
	current := e.brokerVersion()
	if v, known := cache.SecretVersion(); !known || v != current {
		cache.Clear(current)
	}
}

// materialize returns the effective value document for entry: the stored
// document unchanged if it has no secret usages, or a clone with every
// secret usage substituted from the broker otherwise.
func (e *Engine) materialize(ctx context.Context, entry *store.Entry) (any, error) {
	var doc any
	if err := json.Unmarshal(entry.Value, &doc); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decoding stored value document", err)
	}
	if !entry.HasSecretUsages() {
		return doc, nil
	}
	if e.broker == nil {
		return nil, coreerr.New(coreerr.SecretNoStore, "entry "+entry.Name+" needs a secret but no broker is configured")
	}
	for _, usage := range entry.SecretUsages {
		v, err := e.broker.GetSync(ctx, usage.Path, usage.Key)
		if err != nil {
			return nil, err
		}
		doc = secretref.Substitute(doc, usage, v)
	}
	return doc, nil
}

// decode round-trips doc through JSON into T, the type-erased "decode into
// the target type" step.
func decode[T any](doc any) (T, error) {
	var v T
	raw, err := json.Marshal(doc)
	if err != nil {
		return v, coreerr.Wrap(coreerr.Parse, "re-encoding materialized value", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, coreerr.Wrap(coreerr.Parse, "decoding value into target type", err)
	}
	return v, nil
}

// Get resolves name to a decoded value of type T under ctx's ambient scoped
// state: store read, per-call predicate walk, secret-version staleness
// check, typed-cache probe, materialize, decode, and cache insert. It
// reports false ("not found") when no entry exists for name, no entry's
// per-call predicates pass, or the candidate's value cannot be decoded or
// resolved into T.
func Get[T any](ctx context.Context, e *Engine, name string) (*typedcache.Handle[T], bool) {
	entry, ok := e.candidate(ctx, name)
	if !ok {
		return nil, false
	}

	e.invalidateIfStale(entry)

	cache := entry.TypedCache()
	if h, ok := typedcache.Get[T](cache); ok {
		return h, true
	}

	// Capture the version before materializing: a rotation that lands
	// mid-materialize then shows up as a mismatch on the next lookup and
	// forces a re-resolve, instead of being recorded as already-seen.
	version := e.brokerVersion()
	doc, err := e.materialize(ctx, entry)
	if err != nil {
		l := log.WithKey(name)
		l.Warn().Err(err).Msg("lookup: failed to materialize value")
		return nil, false
	}
	v, err := decode[T](doc)
	if err != nil {
		l := log.WithKey(name)
		l.Warn().Err(err).Msg("lookup: failed to decode value")
		return nil, false
	}

	h := typedcache.Insert[T](cache, v)
	if entry.HasSecretUsages() {
		cache.ObserveVersion(version)
	}
	return h, true
}

// GetOr resolves name like Get but returns def instead of reporting
// not-found. The cache is never populated by this fallback path.
func GetOr[T any](ctx context.Context, e *Engine, name string, def T) T {
	h, ok := Get[T](ctx, e, name)
	if !ok {
		return def
	}
	return h.Value
}
