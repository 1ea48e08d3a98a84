// Package store holds the in-memory, concurrently-readable table of
// compiled configuration entries, and the refresh pipeline's merge
// discipline: every mutation is computed off-lock against a staged Plan and
// only then applied atomically, so a reader never observes a partial
// refresh and a failing provider never corrupts entries contributed by
// another one: one in-memory, priority-sorted slice per config name holds
// every entry contributed by every provider for that name.
package store

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/log"
	"github.com/cuemby/configcore/pkg/predicate"
	"github.com/cuemby/configcore/pkg/provider"
	"github.com/cuemby/configcore/pkg/secretref"
	"github.com/cuemby/configcore/pkg/typedcache"
)

// Key identifies an entry for deletion: a name's sequence is keyed by
// priority.
type Key = provider.Deletion

// Entry is one compiled, immutable configuration record. Everything but the
// typed cache is fixed at construction time; the typed cache is the only
// interior-mutable field, guarded internally by its own sync.Map.
type Entry struct {
	Name           string
	Priority       int64
	Value          json.RawMessage
	LoadPredicates []predicate.Predicate
	CallPredicates []predicate.Predicate
	SecretUsages   []secretref.Usage

	typedCache *typedcache.Cache
}

// NewEntry builds an Entry with a fresh, empty typed cache.
func NewEntry(name string, priority int64, value json.RawMessage, loadPreds, callPreds []predicate.Predicate, usages []secretref.Usage) *Entry {
	return &Entry{
		Name:           name,
		Priority:       priority,
		Value:          value,
		LoadPredicates: loadPreds,
		CallPredicates: callPreds,
		SecretUsages:   usages,
		typedCache:     typedcache.New(),
	}
}

// TypedCache returns this entry's typed value cache.
func (e *Entry) TypedCache() *typedcache.Cache {
	return e.typedCache
}

// HasSecretUsages reports whether materializing this entry's value requires
// resolving any secret references.
func (e *Entry) HasSecretUsages() bool {
	return len(e.SecretUsages) > 0
}

// Store is the entry table: one descending-by-priority sequence per config
// name, guarded by a single RWMutex. The zero value is not usable;
// construct with New.
type Store struct {
	mu               sync.RWMutex
	sequences        map[string][]*Entry
	providerVersions map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sequences:        make(map[string][]*Entry),
		providerVersions: make(map[string]string),
	}
}

// Sequence returns the current descending-priority sequence for name. The
// returned slice is a snapshot copy safe to range over without holding the
// lock; the *Entry pointers themselves are shared and immutable apart from
// their typed cache.
func (s *Store) Sequence(name string) ([]*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[name]
	if !ok {
		return nil, false
	}
	out := make([]*Entry, len(seq))
	copy(out, seq)
	return out, true
}

// Names returns every config name currently holding at least one entry.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sequences))
	for name := range s.sequences {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep-enough copy of the whole table for debugging
// dumps: per-name sequences copied, entries shared.
func (s *Store) Snapshot() map[string][]*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*Entry, len(s.sequences))
	for name, seq := range s.sequences {
		cp := make([]*Entry, len(seq))
		copy(cp, seq)
		out[name] = cp
	}
	return out
}

// ProviderVersion returns the version string this store last recorded for
// providerName, or "" if the provider has never successfully applied a
// plan.
func (s *Store) ProviderVersion(providerName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerVersions[providerName]
}

// EntryCount returns how many compiled entries the store currently holds
// across every name.
func (s *Store) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, seq := range s.sequences {
		n += len(seq)
	}
	return n
}

// Plan is a staged, off-lock set of changes for one provider's refresh
// contribution. Building a Plan never touches the store; only Apply and
// ApplyAll do, and they are the store's sole mutators.
type Plan struct {
	providerName string
	version      string
	adds         []*Entry
	dels         []Key
}

// NewPlan starts an empty plan for providerName's refresh at version.
func NewPlan(providerName, version string) *Plan {
	return &Plan{providerName: providerName, version: version}
}

// Add stages an entry to be merged in.
func (p *Plan) Add(e *Entry) {
	p.adds = append(p.adds, e)
}

// Delete stages a (name, priority) removal.
func (p *Plan) Delete(k Key) {
	p.dels = append(p.dels, k)
}

// CompileRecord runs the predicate compiler and secret-reference scan over
// a raw record, in preparation for staging it into a Plan. It reports
// applicable=false (with no error) when the record compiled fine but its
// load-time predicates reject this process's static identity: a not
// applicable, dropped record, which is not a failure.
func CompileRecord(rec provider.Record, id identity.Static) (entry *Entry, applicable bool, err error) {
	loadPreds, callPreds, err := predicate.Compile(rec.Filter)
	if err != nil {
		return nil, false, err
	}

	evalCtx := predicate.EvalContext{Identity: id}
	for _, p := range loadPreds {
		if !p.Evaluate(evalCtx) {
			return nil, false, nil
		}
	}

	var doc any
	if err := json.Unmarshal(rec.Value, &doc); err != nil {
		return nil, false, err
	}
	usages, err := secretref.Scan(doc)
	if err != nil {
		return nil, false, err
	}

	return NewEntry(rec.Name, rec.Priority, rec.Value, loadPreds, callPreds, usages), true, nil
}

// BuildPlan compiles every add record against id and stages the result into
// a Plan, dropping (and logging) any record whose compilation fails or
// whose load-time predicates reject it. It never touches the store —
// everything here runs off-lock, so a slow provider's compile work never
// holds up readers.
func BuildPlan(providerName, version string, adds []provider.Record, dels []provider.Deletion, id identity.Static) *Plan {
	plan := NewPlan(providerName, version)
	for _, rec := range adds {
		entry, applicable, err := CompileRecord(rec, id)
		if err != nil {
			l := log.WithProvider(providerName)
			l.Warn().Err(err).Str("name", rec.Name).Msg("store: dropping record, compile failed")
			continue
		}
		if !applicable {
			continue
		}
		plan.Add(entry)
	}
	for _, d := range dels {
		plan.Delete(d)
	}
	return plan
}

// Apply commits plan atomically: every staged add and delete lands under a
// single writer-lock acquisition, and the provider's recorded version only
// advances once its whole plan has been applied. Together with ApplyAll it
// is the store's only mutator — refresh failures never reach it, since
// BuildPlan already dropped anything that wouldn't compile.
func (s *Store) Apply(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(plan)
}

// ApplyAll commits every plan under one writer-lock acquisition, in order,
// so a reader observes either the pre-refresh table or the fully merged
// result of the whole cycle — never a state where one provider's plan has
// landed and another's hasn't.
func (s *Store) ApplyAll(plans []*Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, plan := range plans {
		s.applyLocked(plan)
	}
}

func (s *Store) applyLocked(plan *Plan) {
	for _, e := range plan.adds {
		s.sequences[e.Name] = mergeEntry(s.sequences[e.Name], e)
	}
	for _, k := range plan.dels {
		seq, ok := s.sequences[k.Name]
		if !ok {
			continue
		}
		seq = deleteEntry(seq, k.Priority)
		if len(seq) == 0 {
			delete(s.sequences, k.Name)
		} else {
			s.sequences[k.Name] = seq
		}
	}
	if plan.providerName != "" {
		s.providerVersions[plan.providerName] = plan.version
	}
}

// mergeEntry inserts e into seq preserving descending-priority order,
// replacing any existing entry at the same priority (last writer wins).
func mergeEntry(seq []*Entry, e *Entry) []*Entry {
	for i, existing := range seq {
		if existing.Priority == e.Priority {
			seq[i] = e
			return seq
		}
	}
	idx := sort.Search(len(seq), func(i int) bool { return seq[i].Priority < e.Priority })
	seq = append(seq, nil)
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = e
	return seq
}

// deleteEntry removes the entry at priority from seq, if present.
func deleteEntry(seq []*Entry, priority int64) []*Entry {
	for i, e := range seq {
		if e.Priority == priority {
			return append(seq[:i], seq[i+1:]...)
		}
	}
	return seq
}
