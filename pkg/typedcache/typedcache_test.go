package typedcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dbConfig struct {
	Host string
	Port int
}

func TestInsertAndGet(t *testing.T) {
	c := New()
	_, ok := Get[dbConfig](c)
	require.False(t, ok)

	h := Insert(c, dbConfig{Host: "h", Port: 5432})
	assert.Equal(t, "h", h.Value.Host)

	got, ok := Get[dbConfig](c)
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestDistinctTypesDoNotCollide(t *testing.T) {
	c := New()
	Insert(c, dbConfig{Host: "a"})
	Insert(c, "a string value")

	dbHandle, ok := Get[dbConfig](c)
	require.True(t, ok)
	assert.Equal(t, "a", dbHandle.Value.Host)

	strHandle, ok := Get[string](c)
	require.True(t, ok)
	assert.Equal(t, "a string value", strHandle.Value)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	results := make([]*Handle[dbConfig], 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Insert(c, dbConfig{Host: "h", Port: 1})
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, dbConfig{Host: "h", Port: 1}, r.Value)
	}
}

func TestClearEvictsAndRecordsVersion(t *testing.T) {
	c := New()
	Insert(c, dbConfig{Host: "h"})
	c.ObserveVersion(1)

	v, known := c.SecretVersion()
	require.True(t, known)
	assert.Equal(t, uint64(1), v)

	c.Clear(2)
	_, ok := Get[dbConfig](c)
	assert.False(t, ok)

	v, known = c.SecretVersion()
	require.True(t, known)
	assert.Equal(t, uint64(2), v)
}

func TestNeverPopulatedVersionUnknown(t *testing.T) {
	c := New()
	_, known := c.SecretVersion()
	assert.False(t, known)
}
