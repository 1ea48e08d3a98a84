package provider

import (
	"context"
	"encoding/json"
	"os"
	"strings"
)

// EnvironmentPriority is the default priority for records contributed by
// the environment-snapshot provider: the lowest-priority provider by
// convention, so any file- or remote-sourced record with the same name
// wins at lookup time unless it, too, loses on a lower per-record priority.
const EnvironmentPriority int64 = -1_000_000_000_000_000_000

// EnvironmentProvider turns process environment variables matching a
// configured prefix into one record per variable: CONFIGCORE_DB_HOST
// becomes a record named "db_host" with a plain string value. It has no
// notion of deletion or incremental delta — every Load call returns the
// full current snapshot and no deletions, so the store merges it over this
// provider's earlier contributions: a variable that has disappeared from
// the environment keeps its previously loaded record.
type EnvironmentProvider struct {
	prefix string
}

// NewEnvironmentProvider returns a provider that reads os.Environ(),
// stripping prefix (e.g. "CONFIGCORE_") and lower-casing what remains to
// form each record's name.
func NewEnvironmentProvider(prefix string) *EnvironmentProvider {
	return &EnvironmentProvider{prefix: prefix}
}

// Name implements Provider.
func (p *EnvironmentProvider) Name() string { return "environment" }

// DefaultPriority implements Provider.
func (p *EnvironmentProvider) DefaultPriority() int64 { return EnvironmentPriority }

// Load implements Provider. lastVersion is ignored: the environment
// snapshot is taken fresh every cycle and is cheap enough that there is no
// incremental form worth maintaining.
func (p *EnvironmentProvider) Load(ctx context.Context, lastVersion string) ([]Record, []Deletion, string, error) {
	var adds []Record
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, p.prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, p.prefix))
		if name == "" {
			continue
		}
		value, err := json.Marshal(v)
		if err != nil {
			continue
		}
		adds = append(adds, Record{
			Name:     name,
			Priority: p.DefaultPriority(),
			Value:    value,
		})
	}
	return adds, nil, "snapshot", nil
}
