package predicate

import (
	"context"
	"testing"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/cuemby/configcore/pkg/identity"
	"github.com/cuemby/configcore/pkg/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticIdentity() identity.Static {
	runEnv := "prod"
	return identity.New("svc-one", "host-1", map[string]string{"REGION": "us-east"},
		map[string]identity.Version{"grpc": {Major: 1, Minor: 2, Patch: 3}}, &runEnv)
}

func evalCtx(id identity.Static, ctx context.Context) EvalContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return EvalContext{Identity: id, Call: scoped.Resolve(ctx)}
}

func TestApplicationFilterAnchoredCaseInsensitive(t *testing.T) {
	load, _, err := Compile(map[string]string{"application": "SVC-.*"})
	require.NoError(t, err)
	require.Len(t, load, 1)
	assert.True(t, load[0].Evaluate(evalCtx(staticIdentity(), nil)))

	load, _, err = Compile(map[string]string{"application": "other"})
	require.NoError(t, err)
	assert.False(t, load[0].Evaluate(evalCtx(staticIdentity(), nil)))
}

func TestEnvironmentFilterAllPairsMustHold(t *testing.T) {
	load, _, err := Compile(map[string]string{"environment": "REGION=us-.*"})
	require.NoError(t, err)
	assert.True(t, load[0].Evaluate(evalCtx(staticIdentity(), nil)))

	load, _, err = Compile(map[string]string{"environment": "REGION=us-.*,MISSING=x"})
	require.NoError(t, err)
	assert.False(t, load[0].Evaluate(evalCtx(staticIdentity(), nil)))
}

func TestMcsRunEnvFailsClosedWhenAbsent(t *testing.T) {
	load, _, err := Compile(map[string]string{"mcs_run_env": "prod"})
	require.NoError(t, err)

	id := staticIdentity()
	assert.True(t, load[0].Evaluate(evalCtx(id, nil)))

	id.RunEnv = nil
	assert.False(t, load[0].Evaluate(evalCtx(id, nil)))
}

func TestLibraryVersionClauses(t *testing.T) {
	tests := []struct {
		clause string
		want   bool
	}{
		{"grpc=1.2.3", true},
		{"grpc>1.0.0", true},
		{"grpc<1.0.0", false},
		{"grpc>=1.2.3", true},
		{"grpc<=1.2.2", false},
		{"missing=1.0.0", false},
	}
	for _, tt := range tests {
		load, _, err := Compile(map[string]string{"library_version": tt.clause})
		require.NoError(t, err, tt.clause)
		assert.Equal(t, tt.want, load[0].Evaluate(evalCtx(staticIdentity(), nil)), tt.clause)
	}
}

func TestInvalidRegexFailsCompilation(t *testing.T) {
	_, _, err := Compile(map[string]string{"application": "("})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.InvalidRegex))
}

func TestInvalidVersionClauseFailsCompilation(t *testing.T) {
	for _, clause := range []string{
		"grpc~1.0.0", // unknown operator
		"grpc>=1.2",  // truncated, want a full major.minor.patch triple
		"grpc>=x.y.z",
	} {
		_, _, err := Compile(map[string]string{"library_version": clause})
		require.Error(t, err, clause)
		assert.True(t, coreerr.Is(err, coreerr.InvalidVersionClause), clause)
	}
}

func TestUnknownFilterSilentlyDropped(t *testing.T) {
	load, call, err := Compile(map[string]string{"totally-unknown": "whatever"})
	require.NoError(t, err)
	assert.Empty(t, load)
	assert.Empty(t, call)
}

func TestPerCallPassesWhenNoRequestInScope(t *testing.T) {
	_, call, err := Compile(map[string]string{"url-path": "^/api/.*"})
	require.NoError(t, err)
	assert.True(t, call[0].Evaluate(evalCtx(staticIdentity(), context.Background())))
}

func TestPerCallFailsWhenRequestPresentButFieldMissing(t *testing.T) {
	_, call, err := Compile(map[string]string{"host": "example.com"})
	require.NoError(t, err)

	ctx := scoped.WithRequest(context.Background(), scoped.NewRequest("GET", "/x", nil))
	assert.False(t, call[0].Evaluate(evalCtx(staticIdentity(), ctx)))
}

func TestUrlPathMatchesWithRequest(t *testing.T) {
	_, call, err := Compile(map[string]string{"url-path": "^/api/.*"})
	require.NoError(t, err)

	ctx := scoped.WithRequest(context.Background(), scoped.NewRequest("GET", "/api/widgets", nil))
	assert.True(t, call[0].Evaluate(evalCtx(staticIdentity(), ctx)))

	ctx = scoped.WithRequest(context.Background(), scoped.NewRequest("GET", "/web/index", nil))
	assert.False(t, call[0].Evaluate(evalCtx(staticIdentity(), ctx)))
}

func TestHeaderFilterCaseInsensitiveNames(t *testing.T) {
	_, call, err := Compile(map[string]string{"header": "X-Tenant=acme"})
	require.NoError(t, err)

	ctx := scoped.WithRequest(context.Background(), scoped.NewRequest("GET", "/", map[string]string{"x-tenant": "acme"}))
	assert.True(t, call[0].Evaluate(evalCtx(staticIdentity(), ctx)))
}

func TestContextFilterLayerShadowing(t *testing.T) {
	_, call, err := Compile(map[string]string{"context": "tenant=beta"})
	require.NoError(t, err)

	ctx := context.Background()
	ctx = scoped.WithLayer(ctx, scoped.Layer{"tenant": "acme"})
	ctx = scoped.WithLayer(ctx, scoped.Layer{"tenant": "beta", "role": "admin"})
	assert.True(t, call[0].Evaluate(evalCtx(staticIdentity(), ctx)))

	// Absent key fails the pair even with no request/layers at all.
	_, call2, err := Compile(map[string]string{"context": "missing=x"})
	require.NoError(t, err)
	assert.False(t, call2[0].Evaluate(evalCtx(staticIdentity(), context.Background())))
}

func TestProbabilityBoundaries(t *testing.T) {
	_, call, err := Compile(map[string]string{"probability": "0"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.False(t, call[0].Evaluate(evalCtx(staticIdentity(), nil)))
	}

	_, call, err = Compile(map[string]string{"probability": "100"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.True(t, call[0].Evaluate(evalCtx(staticIdentity(), nil)))
	}
}

func TestProbabilityOutOfRangeFailsCompilation(t *testing.T) {
	_, _, err := Compile(map[string]string{"probability": "150"})
	require.Error(t, err)
}
