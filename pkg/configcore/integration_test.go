package configcore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/provider"
	"github.com/cuemby/configcore/pkg/scoped"
	"github.com/cuemby/configcore/pkg/secretbroker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(name string, priority int64, filter map[string]string, value string) provider.Record {
	return provider.Record{Name: name, Priority: priority, Filter: filter, Value: json.RawMessage(value)}
}

func call(adds ...provider.Record) provider.StaticCall {
	return provider.StaticCall{Adds: adds, Version: "v"}
}

// Scenario 1: priority wins across providers.
func TestScenarioPriorityWinsAcrossProviders(t *testing.T) {
	id := identity.New("svc-one", "host-a", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			provider.NewStaticProvider("environment", provider.EnvironmentPriority,
				call(rec("A", provider.EnvironmentPriority, nil, `"env"`))),
			provider.NewStaticProvider("file", provider.FilePriority,
				call(rec("A", provider.FilePriority, nil, `"file"`))),
			provider.NewStaticProvider("remote", 500,
				call(rec("A", 500, nil, `"remote"`))),
		},
	})

	require.NoError(t, c.RefreshOnce(context.Background()))

	v, ok := Get[string](context.Background(), c, "A")
	require.True(t, ok)
	assert.Equal(t, "file", v)
}

// Scenario 2: filter gate on application.
func TestScenarioFilterGateOnApplication(t *testing.T) {
	build := func(app string) *Core {
		id := identity.New(app, "host", nil, nil, nil)
		c := New(Options{
			Identity: id,
			Providers: []provider.Provider{
				provider.NewStaticProvider("file", provider.FilePriority,
					call(rec("F", 100, map[string]string{"application": "svc-.*"}, `true`))),
			},
		})
		require.NoError(t, c.RefreshOnce(context.Background()))
		return c
	}

	cMatch := build("svc-one")
	v, ok := Get[bool](context.Background(), cMatch, "F")
	require.True(t, ok)
	assert.True(t, v)

	cOther := build("other")
	_, ok = Get[bool](context.Background(), cOther, "F")
	assert.False(t, ok)
}

// Scenario 3: per-call predicate with no request in scope.
func TestScenarioPerCallPredicateNoRequest(t *testing.T) {
	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			provider.NewStaticProvider("file", provider.FilePriority,
				call(rec("U", 100, map[string]string{"url-path": "^/api/.*"}, `42`))),
		},
	})
	require.NoError(t, c.RefreshOnce(context.Background()))

	v, ok := Get[int](context.Background(), c, "U")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	ctx := scoped.WithRequest(context.Background(), scoped.NewRequest("GET", "/web/index", nil))
	_, ok = Get[int](ctx, c, "U")
	assert.False(t, ok)
}

// Scenario 4: custom-layer shadowing.
func TestScenarioCustomLayerShadowing(t *testing.T) {
	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			provider.NewStaticProvider("file", provider.FilePriority,
				call(rec("C", 0, map[string]string{"context": "tenant=beta"}, `"x"`))),
		},
	})
	require.NoError(t, c.RefreshOnce(context.Background()))

	ctx := context.Background()
	ctx = scoped.WithLayer(ctx, scoped.Layer{"tenant": "acme"})
	inner := scoped.WithLayer(ctx, scoped.Layer{"tenant": "beta", "role": "admin"})

	v, ok := Get[string](inner, c, "C")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = Get[string](ctx, c, "C")
	assert.False(t, ok)
}

type dbConfig struct {
	Host string `json:"host"`
	PW   string `json:"pw"`
}

// Scenario 5: secret substitution and re-resolution after a broker refresh.
func TestScenarioSecretSubstitutionAndRotation(t *testing.T) {
	client := secretbroker.NewStaticClient(map[string]map[string]any{})
	client.Set("kv/db", map[string]any{"password": "p1"}, secretbroker.Metadata{})

	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity:      id,
		SecretClient:  client,
		SecretOptions: []secretbroker.Option{secretbroker.WithIntervals(map[string]time.Duration{"kv/db": 0})},
		Providers: []provider.Provider{
			provider.NewStaticProvider("file", provider.FilePriority,
				call(rec("DB", 1, nil, `{"host":"h","pw":{"$secret":"kv/db:password"}}`))),
		},
	})
	require.NoError(t, c.RefreshOnce(context.Background()))

	v, ok := Get[dbConfig](context.Background(), c, "DB")
	require.True(t, ok)
	assert.Equal(t, dbConfig{Host: "h", PW: "p1"}, v)

	client.Set("kv/db", map[string]any{"password": "p2"}, secretbroker.Metadata{})
	require.NoError(t, c.Broker().Refresh(context.Background()))

	v2, ok := Get[dbConfig](context.Background(), c, "DB")
	require.True(t, ok)
	assert.Equal(t, "p2", v2.PW)
}

// Scenario 6: watcher fires exactly once on a real change, not on a re-load
// of the same value.
func TestScenarioWatcherFiresOnceOnChange(t *testing.T) {
	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			provider.NewStaticProvider("file", provider.FilePriority,
				call(rec("K", 0, nil, `1`)),
				call(rec("K", 0, nil, `2`)),
				call(rec("K", 0, nil, `2`)),
			),
		},
	})

	fired := 0
	var lastOld, lastNew json.RawMessage
	c.Observer().Watch("K", func(old, new json.RawMessage) {
		fired++
		lastOld, lastNew = old, new
	})

	require.NoError(t, c.RefreshOnce(context.Background()))
	assert.Equal(t, 0, fired)

	require.NoError(t, c.RefreshOnce(context.Background()))
	require.Equal(t, 1, fired)
	assert.JSONEq(t, "1", string(lastOld))
	assert.JSONEq(t, "2", string(lastNew))

	require.NoError(t, c.RefreshOnce(context.Background()))
	assert.Equal(t, 1, fired)
}

func TestRefreshIsolatesProviderFailures(t *testing.T) {
	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			provider.NewStaticProvider("good", provider.FilePriority, call(rec("G", 0, nil, `1`))),
			provider.NewStaticProvider("bad", provider.RemotePriority, provider.StaticCall{Err: errBoom}),
		},
	})
	require.NoError(t, c.RefreshOnce(context.Background()))

	v, ok := Get[int](context.Background(), c, "G")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRefreshWithTimeoutLeavesStoreUntouched(t *testing.T) {
	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			&slowProvider{delay: time.Second, record: rec("S", 1, nil, `1`)},
		},
	})

	err := c.RefreshWithTimeout(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.Timeout))

	_, ok := Get[int](context.Background(), c, "S")
	assert.False(t, ok, "a timed-out cycle must not have committed anything")
}

func TestRefreshWithTimeoutCompletesWhenFastEnough(t *testing.T) {
	id := identity.New("svc-one", "host", nil, nil, nil)
	c := New(Options{
		Identity: id,
		Providers: []provider.Provider{
			provider.NewStaticProvider("file", provider.FilePriority, call(rec("S", 1, nil, `1`))),
		},
	})

	require.NoError(t, c.RefreshWithTimeout(context.Background(), time.Second))
	v, ok := Get[int](context.Background(), c, "S")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

// slowProvider blocks in Load until ctx is cancelled or delay elapses,
// simulating a hung upstream inside a bounded refresh cycle.
type slowProvider struct {
	delay  time.Duration
	record provider.Record
}

func (p *slowProvider) Name() string           { return "slow" }
func (p *slowProvider) DefaultPriority() int64 { return 0 }

func (p *slowProvider) Load(ctx context.Context, lastVersion string) ([]provider.Record, []provider.Deletion, string, error) {
	select {
	case <-time.After(p.delay):
		return []provider.Record{p.record}, nil, "v1", nil
	case <-ctx.Done():
		return nil, nil, "", ctx.Err()
	}
}

var errBoom = errorString("boom")

type errorString string

func (e errorString) Error() string { return string(e) }
