// Package typedcache implements the per-entry typed value cache: a
// concurrently-safe map from a target decoded type to a shared, reference-
// counted handle over the decoded value. Go has no runtime type-token
// primitive, so reflect.Type (obtained once per call via generics) plays
// that role; Go's garbage collector makes explicit reference counting
// unnecessary — sharing a *Handle[T] pointer already shares ownership.
package typedcache

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Handle is the shared, immutable wrapper around a decoded value. Handing
// out the same *Handle[T] to every caller of a cache hit is the Go
// equivalent of "clone of the shared handle (O(1) reference count)."
type Handle[T any] struct {
	Value T
}

// tokenOf returns the runtime type-token for T.
func tokenOf[T any]() reflect.Type {
	var zero T
	return reflect.TypeOf(&zero).Elem()
}

// Cache is the interior-mutable cache living on a store entry. Its zero
// value is not usable; construct with New.
type Cache struct {
	m             sync.Map // reflect.Type -> any (*Handle[T])
	secretVersion atomic.Uint64
	// versioned is set once the cache has observed a secret broker version,
	// distinguishing "never populated" from "populated at version 0."
	versioned atomic.Bool
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

// Get returns the cached handle for T, if present.
func Get[T any](c *Cache) (*Handle[T], bool) {
	v, ok := c.m.Load(tokenOf[T]())
	if !ok {
		return nil, false
	}
	h, ok := v.(*Handle[T])
	return h, ok
}

// Insert stores value under T's token and returns the handle that won the
// race — idempotent under concurrent inserts for the same type, since a
// lost race simply discards the loser's (content-equivalent) handle and
// both callers observe the same shared value.
func Insert[T any](c *Cache, value T) *Handle[T] {
	h := &Handle[T]{Value: value}
	actual, _ := c.m.LoadOrStore(tokenOf[T](), h)
	return actual.(*Handle[T])
}

// SecretVersion returns the secret-broker version this cache was last
// populated under, and whether it has ever been populated at all.
func (c *Cache) SecretVersion() (version uint64, known bool) {
	return c.secretVersion.Load(), c.versioned.Load()
}

// ObserveVersion records that this cache's contents are valid as of
// version. Called after materializing a value under the broker's current
// version, or as a tombstone when the cache has just been cleared.
func (c *Cache) ObserveVersion(version uint64) {
	c.secretVersion.Store(version)
	c.versioned.Store(true)
}

// Clear evicts every cached typed handle and records tombstone as the
// observed version, so a subsequent hit check sees the cache as current
// for that version (avoiding re-entrant clears on every lookup until the
// version moves again).
func (c *Cache) Clear(tombstone uint64) {
	c.m.Range(func(k, _ any) bool {
		c.m.Delete(k)
		return true
	})
	c.ObserveVersion(tombstone)
}
