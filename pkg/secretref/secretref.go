// Package secretref scans a decoded configuration value document for secret
// references — single-entry JSON objects of the form {"$secret":
// "path:key"} — and records where in the document tree each one lives so
// the lookup engine can substitute the resolved scalar back in later.
package secretref

import (
	"fmt"
	"strings"

	"github.com/cuemby/configcore/pkg/coreerr"
)

// sentinelField is the reserved marker naming a secret reference.
const sentinelField = "$secret"

// Step is one hop in a json-location path: either a map field name or an
// array index. Exactly one of the two applies; IsIndex selects which.
type Step struct {
	Field   string
	Index   int
	IsIndex bool
}

func fieldStep(name string) Step { return Step{Field: name} }
func indexStep(i int) Step       { return Step{Index: i, IsIndex: true} }

// Usage records a single secret reference found in a value document: the
// vault path and key to resolve, and the location in the tree where the
// resolved scalar must be substituted. A nil Location means the document's
// root IS the reference.
type Usage struct {
	Path     string
	Key      string
	Location []Step
}

// Scan walks doc (the result of unmarshaling a value document's JSON into
// Go's generic any representation: map[string]any, []any, or a scalar) and
// returns every secret reference found, depth first. A malformed "$secret"
// payload — one not of the form "path:key" — fails the whole scan with a
// coreerr.InvalidSecretRef error, dropping the owning record at compile
// time per the design.
func Scan(doc any) ([]Usage, error) {
	var usages []Usage
	if err := scan(doc, nil, &usages); err != nil {
		return nil, err
	}
	return usages, nil
}

func scan(node any, path []Step, out *[]Usage) error {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v[sentinelField]; ok && len(v) == 1 {
			s, ok := ref.(string)
			if !ok {
				return coreerr.New(coreerr.InvalidSecretRef, "$secret payload must be a string")
			}
			parsed, err := parseRef(s)
			if err != nil {
				return err
			}
			parsed.Location = append([]Step(nil), path...)
			*out = append(*out, parsed)
			return nil
		}
		for k, child := range v {
			if err := scan(child, append(path, fieldStep(k)), out); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range v {
			if err := scan(child, append(path, indexStep(i)), out); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseRef(payload string) (Usage, error) {
	idx := strings.IndexByte(payload, ':')
	if idx <= 0 || idx == len(payload)-1 {
		return Usage{}, coreerr.New(coreerr.InvalidSecretRef, fmt.Sprintf("malformed secret reference %q, want path:key", payload))
	}
	return Usage{Path: payload[:idx], Key: payload[idx+1:]}, nil
}

// Substitute returns a copy of doc with the scalar at usage.Location
// replaced by value. The original doc is left untouched, matching the
// lookup engine's requirement to clone the stored document before
// substituting resolved secrets into it.
func Substitute(doc any, usage Usage, value any) any {
	if len(usage.Location) == 0 {
		return value
	}
	return substitute(deepCopy(doc), usage.Location, value)
}

func substitute(node any, path []Step, value any) any {
	if len(path) == 0 {
		return value
	}
	step := path[0]
	switch v := node.(type) {
	case map[string]any:
		if step.IsIndex {
			return node
		}
		v[step.Field] = substitute(v[step.Field], path[1:], value)
		return v
	case []any:
		if !step.IsIndex || step.Index < 0 || step.Index >= len(v) {
			return node
		}
		v[step.Index] = substitute(v[step.Index], path[1:], value)
		return v
	default:
		return node
	}
}

func deepCopy(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
