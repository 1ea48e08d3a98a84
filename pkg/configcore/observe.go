package configcore

import (
	"encoding/json"
	"time"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/predicate"
	"github.com/cuemby/configcore/pkg/scoped"
	"github.com/cuemby/configcore/pkg/store"
)

// effectiveValue picks the first entry in seq whose per-call predicates
// pass under an empty Per-Call Context (no request, no custom layers); the
// snapshot is taken under the empty scope so watched-value diffing never
// depends on any particular caller's ambient state. It returns the stored
// raw value document unchanged: secret references are not resolved here,
// since comparison is against the configured document, not a materialized
// one.
func effectiveValue(seq []*store.Entry, id identity.Static) json.RawMessage {
	evalCtx := predicate.EvalContext{Identity: id, Call: scoped.PerCallContext{}}
	for _, entry := range seq {
		if allCallPredicatesPass(entry, evalCtx) {
			return entry.Value
		}
	}
	return nil
}

func allCallPredicatesPass(entry *store.Entry, ctx predicate.EvalContext) bool {
	for _, p := range entry.CallPredicates {
		if !p.Evaluate(ctx) {
			return false
		}
	}
	return true
}

func timeoutError(d time.Duration) error {
	return coreerr.New(coreerr.Timeout, "refresh exceeded bound of "+d.String())
}
