package scoped

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHeaderCaseInsensitive(t *testing.T) {
	req := NewRequest("GET", "/api/x", map[string]string{"X-Real-IP": "1.2.3.4"})
	v, ok := req.Header("x-real-ip")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", v)

	_, ok = req.Header("missing")
	assert.False(t, ok)
}

func TestNilRequestHeader(t *testing.T) {
	var req *Request
	_, ok := req.Header("anything")
	assert.False(t, ok)
}

func TestLayerStackShadowing(t *testing.T) {
	ctx := context.Background()
	ctx = WithLayer(ctx, Layer{"tenant": "acme"})
	ctx = WithLayer(ctx, Layer{"tenant": "beta", "role": "admin"})

	pcc := Resolve(ctx)
	v, ok := pcc.Layers.Get("tenant")
	require.True(t, ok)
	assert.Equal(t, "beta", v)

	v, ok = pcc.Layers.Get("role")
	require.True(t, ok)
	assert.Equal(t, "admin", v)

	_, ok = pcc.Layers.Get("nope")
	assert.False(t, ok)
}

func TestLayerStackKeysDeduplicated(t *testing.T) {
	s := LayerStack{layers: []Layer{
		{"a": "1", "b": "2"},
		{"b": "ignored", "c": "3"},
	}}
	keys := s.Keys()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}

func TestTaskBoundShadowsThreadBound(t *testing.T) {
	guard := PushGlobalRequest(NewRequest("GET", "/global", nil))
	defer guard.Release()

	// No context-bound request: global fallback applies.
	pcc := Resolve(context.Background())
	require.True(t, pcc.HasRequest)
	assert.Equal(t, "/global", pcc.Request.Path)

	// Context-bound request shadows the global one.
	ctx := WithRequest(context.Background(), NewRequest("POST", "/task", nil))
	pcc = Resolve(ctx)
	require.True(t, pcc.HasRequest)
	assert.Equal(t, "/task", pcc.Request.Path)
}

func TestResolveWithNoScopedStateAtAll(t *testing.T) {
	pcc := Resolve(context.Background())
	assert.False(t, pcc.HasRequest)
	assert.Nil(t, pcc.Request)
	_, ok := pcc.Layers.Get("anything")
	assert.False(t, ok)
}

func TestGlobalLayerGuardReverseOrder(t *testing.T) {
	g1 := PushGlobalLayer(Layer{"a": "1"})
	g2 := PushGlobalLayer(Layer{"b": "2"})

	pcc := Resolve(context.Background())
	v, ok := pcc.Layers.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	g2.Release()
	g1.Release()

	pcc = Resolve(context.Background())
	_, ok = pcc.Layers.Get("a")
	assert.False(t, ok)
}

func TestGlobalLayerGuardMisnestingPanics(t *testing.T) {
	g1 := PushGlobalLayer(Layer{"a": "1"})
	g2 := PushGlobalLayer(Layer{"b": "2"})
	defer g1.Release()
	defer g2.Release()

	assert.Panics(t, func() {
		g1.Release()
	})
}

func TestRequestGuardRestoresPrevious(t *testing.T) {
	outer := PushGlobalRequest(NewRequest("GET", "/outer", nil))
	inner := PushGlobalRequest(NewRequest("GET", "/inner", nil))

	pcc := Resolve(context.Background())
	assert.Equal(t, "/inner", pcc.Request.Path)

	inner.Release()
	pcc = Resolve(context.Background())
	assert.Equal(t, "/outer", pcc.Request.Path)

	outer.Release()
	pcc = Resolve(context.Background())
	assert.False(t, pcc.HasRequest)
}
