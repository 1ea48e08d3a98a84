// Package predicate compiles a raw configuration record's filter map into
// two pre-bound predicate vectors — load-time and per-call — per the filter
// catalog in the design. Tier is decided purely by filter name; unknown
// filter names are dropped silently (forward-compat with newer remote
// configurations), while a malformed regex or library_version clause fails
// the whole record's compilation with a distinct error kind.
package predicate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/scoped"
)

// Tier distinguishes predicates evaluated against static process identity at
// refresh time from predicates evaluated against ambient scoped state at
// lookup time.
type Tier int

const (
	LoadTime Tier = iota
	PerCall
)

// EvalContext bundles the two sources a predicate may need: the static
// identity (for load-time predicates) and the flattened per-call context
// (for per-call predicates). A predicate only ever reads the half that
// matches its own Tier.
type EvalContext struct {
	Identity identity.Static
	Call     scoped.PerCallContext
}

// Predicate is the small, closed capability every compiled filter
// implements.
type Predicate interface {
	Tier() Tier
	Evaluate(ctx EvalContext) bool
}

// Compile translates a raw filter map into its load-time and per-call
// predicate vectors. Unknown filter names are ignored. A regex or
// library_version clause that fails to parse aborts the whole compilation;
// callers should drop the owning record and log the returned error.
func Compile(filters map[string]string) (loadTime []Predicate, perCall []Predicate, err error) {
	// Sorted iteration keeps compilation (and therefore any resulting error)
	// deterministic across runs for the same filter map.
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := filters[name]
		p, tier, ok, cerr := compileOne(name, value)
		if cerr != nil {
			return nil, nil, cerr
		}
		if !ok {
			continue // unknown filter name: forward-compat, silently dropped
		}
		switch tier {
		case LoadTime:
			loadTime = append(loadTime, p)
		case PerCall:
			perCall = append(perCall, p)
		}
	}
	return loadTime, perCall, nil
}

func compileOne(name, value string) (Predicate, Tier, bool, error) {
	switch name {
	case "application":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &applicationPredicate{re}, LoadTime, true, nil
	case "server":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &serverPredicate{re}, LoadTime, true, nil
	case "environment":
		pairs, err := compilePairs(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &environmentPredicate{pairs}, LoadTime, true, nil
	case "mcs_run_env":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &mcsRunEnvPredicate{re}, LoadTime, true, nil
	case "library_version":
		clauses, err := compileVersionClauses(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &libraryVersionPredicate{clauses}, LoadTime, true, nil
	case "url-path":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &urlPathPredicate{re}, PerCall, true, nil
	case "host":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &hostPredicate{re}, PerCall, true, nil
	case "email":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &headerRegexPredicate{header: "x-real-email", re: re}, PerCall, true, nil
	case "ip":
		re, err := compileAnchored(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &headerRegexPredicate{header: "x-real-ip", re: re}, PerCall, true, nil
	case "header":
		pairs, err := compilePairs(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &headerPredicate{pairs}, PerCall, true, nil
	case "context":
		pairs, err := compilePairs(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &contextPredicate{pairs}, PerCall, true, nil
	case "probability":
		p, err := parsePercentage(value)
		if err != nil {
			return nil, 0, false, err
		}
		return &probabilityPredicate{percent: p}, PerCall, true, nil
	default:
		return nil, 0, false, nil
	}
}

// compileAnchored wraps pattern as a case-insensitive, fully anchored regex
// so callers never need to anchor their own patterns.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(fmt.Sprintf("(?i)^(?:%s)$", pattern))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidRegex, fmt.Sprintf("invalid pattern %q", pattern), err)
	}
	return re, nil
}

// pair is one KEY=regex (or Name=regex) clause from a comma-separated list.
type pair struct {
	key string
	re  *regexp.Regexp
}

// compilePairs parses a comma-separated "key=regex,key2=regex2" list. Each
// regex is compiled with the same anchoring rule as standalone patterns.
func compilePairs(value string) ([]pair, error) {
	var pairs []pair
	for _, clause := range splitNonEmpty(value, ',') {
		k, v, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, coreerr.New(coreerr.InvalidRegex, fmt.Sprintf("malformed key=regex clause %q", clause))
		}
		re, err := compileAnchored(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{key: strings.TrimSpace(k), re: re})
	}
	return pairs, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	for _, part := range strings.Split(s, string(sep)) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- load-time predicates ---

type applicationPredicate struct{ re *regexp.Regexp }

func (p *applicationPredicate) Tier() Tier { return LoadTime }
func (p *applicationPredicate) Evaluate(ctx EvalContext) bool {
	return p.re.MatchString(ctx.Identity.AppName)
}

type serverPredicate struct{ re *regexp.Regexp }

func (p *serverPredicate) Tier() Tier { return LoadTime }
func (p *serverPredicate) Evaluate(ctx EvalContext) bool {
	return p.re.MatchString(ctx.Identity.Host)
}

type environmentPredicate struct{ pairs []pair }

func (p *environmentPredicate) Tier() Tier { return LoadTime }
func (p *environmentPredicate) Evaluate(ctx EvalContext) bool {
	for _, pr := range p.pairs {
		v, ok := ctx.Identity.Env[pr.key]
		if !ok || !pr.re.MatchString(v) {
			return false
		}
	}
	return true
}

type mcsRunEnvPredicate struct{ re *regexp.Regexp }

func (p *mcsRunEnvPredicate) Tier() Tier { return LoadTime }
func (p *mcsRunEnvPredicate) Evaluate(ctx EvalContext) bool {
	if ctx.Identity.RunEnv == nil {
		return false // fail-closed: absence of the label is never a match
	}
	return p.re.MatchString(*ctx.Identity.RunEnv)
}

// versionClause is one parsed name<op>version requirement. ver carries the
// "v"-prefixed canonical form golang.org/x/mod/semver compares on.
type versionClause struct {
	name string
	op   string
	ver  string
}

func compileVersionClauses(value string) ([]versionClause, error) {
	var clauses []versionClause
	for _, raw := range splitNonEmpty(value, ',') {
		clause, err := parseVersionClause(raw)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

var versionOps = []string{">=", "<=", "=", ">", "<"} // longest operators first

func parseVersionClause(raw string) (versionClause, error) {
	for _, op := range versionOps {
		if idx := strings.Index(raw, op); idx > 0 {
			name := raw[:idx]
			ver := "v" + raw[idx+len(op):]
			// semver.IsValid accepts truncated forms like "v1.2"; require
			// the full major.minor.patch triple the filter grammar names.
			if !semver.IsValid(ver) || semver.Canonical(ver) != ver {
				return versionClause{}, coreerr.New(coreerr.InvalidVersionClause, fmt.Sprintf("invalid library_version clause %q, want name<op>major.minor.patch", raw))
			}
			return versionClause{name: name, op: op, ver: ver}, nil
		}
	}
	return versionClause{}, coreerr.New(coreerr.InvalidVersionClause, fmt.Sprintf("invalid library_version clause %q", raw))
}

type libraryVersionPredicate struct{ clauses []versionClause }

func (p *libraryVersionPredicate) Tier() Tier { return LoadTime }
func (p *libraryVersionPredicate) Evaluate(ctx EvalContext) bool {
	for _, c := range p.clauses {
		declared, ok := ctx.Identity.Libraries[c.name]
		if !ok {
			return false
		}
		cmp := semver.Compare("v"+declared.String(), c.ver)
		var pass bool
		switch c.op {
		case "=":
			pass = cmp == 0
		case ">":
			pass = cmp > 0
		case "<":
			pass = cmp < 0
		case ">=":
			pass = cmp >= 0
		case "<=":
			pass = cmp <= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

// --- per-call predicates ---

type urlPathPredicate struct{ re *regexp.Regexp }

func (p *urlPathPredicate) Tier() Tier { return PerCall }
func (p *urlPathPredicate) Evaluate(ctx EvalContext) bool {
	if !ctx.Call.HasRequest {
		return true // no request in scope: not applicable, do not reject
	}
	return p.re.MatchString(ctx.Call.Request.Path)
}

type hostPredicate struct{ re *regexp.Regexp }

func (p *hostPredicate) Tier() Tier { return PerCall }
func (p *hostPredicate) Evaluate(ctx EvalContext) bool {
	if !ctx.Call.HasRequest {
		return true
	}
	v, ok := ctx.Call.Request.Header("host")
	if !ok {
		return false
	}
	return p.re.MatchString(v)
}

// headerRegexPredicate backs both "email" (x-real-email) and "ip"
// (x-real-ip), which share identical semantics against a fixed header name.
type headerRegexPredicate struct {
	header string
	re     *regexp.Regexp
}

func (p *headerRegexPredicate) Tier() Tier { return PerCall }
func (p *headerRegexPredicate) Evaluate(ctx EvalContext) bool {
	if !ctx.Call.HasRequest {
		return true
	}
	v, ok := ctx.Call.Request.Header(p.header)
	if !ok {
		return false
	}
	return p.re.MatchString(v)
}

type headerPredicate struct{ pairs []pair }

func (p *headerPredicate) Tier() Tier { return PerCall }
func (p *headerPredicate) Evaluate(ctx EvalContext) bool {
	if !ctx.Call.HasRequest {
		return true
	}
	for _, pr := range p.pairs {
		v, ok := ctx.Call.Request.Header(pr.key)
		if !ok || !pr.re.MatchString(v) {
			return false
		}
	}
	return true
}

type contextPredicate struct{ pairs []pair }

func (p *contextPredicate) Tier() Tier { return PerCall }
func (p *contextPredicate) Evaluate(ctx EvalContext) bool {
	for _, pr := range p.pairs {
		v, ok := ctx.Call.Layers.Get(pr.key)
		if !ok || !pr.re.MatchString(v) {
			return false
		}
	}
	return true
}

type probabilityPredicate struct{ percent float64 }

func parsePercentage(value string) (float64, error) {
	p, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.InvalidRegex, fmt.Sprintf("invalid probability %q", value), err)
	}
	if p < 0 || p > 100 {
		return 0, coreerr.New(coreerr.InvalidRegex, fmt.Sprintf("probability %q out of [0,100]", value))
	}
	return p, nil
}

func (p *probabilityPredicate) Tier() Tier { return PerCall }
func (p *probabilityPredicate) Evaluate(ctx EvalContext) bool {
	if p.percent <= 0 {
		return false
	}
	if p.percent >= 100 {
		return true
	}
	return randomPercent() < p.percent
}
