package extract

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestCache_GetSet(t *testing.T) {
	c := NewCache(2)
	if v, ok := c.Get([]byte("a")); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set([]byte("a"), []float32{1, 2, 3})
	v, ok := c.Get([]byte("a"))
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set([]byte("b"), []float32{4, 5})
	c.Get([]byte("a"))               // a is now most recent
	c.Set([]byte("c"), []float32{6}) // evicts b
	if _, ok := c.Get([]byte("b")); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get([]byte("a")); !ok {
		t.Error("expected a to remain")
	}
	if _, ok := c.Get([]byte("c")); !ok {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(1)
	in := []float32{1, 2}
	c.Set([]byte("x"), in)
	in[0] = 9
	v, _ := c.Get([]byte("x"))
	v[1] = 9
	again, _ := c.Get([]byte("x"))
	if again[0] != 1 || again[1] != 2 {
		t.Errorf("cached value was mutated: %v", again)
	}
}

func TestCache_ZeroCapacity(t *testing.T) {
	c := NewCache(0)
	c.Set([]byte("x"), []float32{1})
	if _, ok := c.Get([]byte("x")); ok {
		t.Error("zero-capacity cache should not store")
	}
}

type countingExtractor struct {
	*MockExtractor
	calls atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	c.calls.Add(1)
	return c.MockExtractor.Extract(ctx, data)
}

func TestWithCache(t *testing.T) {
	inner := &countingExtractor{MockExtractor: NewMockExtractor(8)}
	cache := NewCache(10)
	ext := WithCache(inner, cache)

	first, err := ext.Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := ext.Extract(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached embedding differs")
		}
	}
	if _, err := ext.Extract(context.Background(), nil); err == nil {
		t.Error("expected error for empty image")
	}
	if cache.Len() != 1 {
		t.Errorf("failed extraction should not be cached, len = %d", cache.Len())
	}
	if ext.Dimensions() != 8 {
		t.Errorf("Dimensions = %d", ext.Dimensions())
	}

	if WithCache(inner, nil) != Extractor(inner) {
		t.Error("nil cache should return the extractor unchanged")
	}
}
