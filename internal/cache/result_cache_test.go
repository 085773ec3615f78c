package cache

import (
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestResultCacheExpiresEntries(t *testing.T) {
	fake := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	cache := NewResultCache(Config{TTL: time.Minute, Now: fake.Now})

	cache.Set("key", Entry{Value: []byte(`["note"]`), Source: "notes"})
	if _, ok := cache.Get("key"); !ok {
		t.Fatalf("expected cache hit")
	}

	fake.now = fake.now.Add(2 * time.Minute)
	if _, ok := cache.Get("key"); ok {
		t.Fatalf("expected entry to expire")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected expired entry to be removed, len=%d", cache.Len())
	}
}

func TestResultCacheEvictsOldest(t *testing.T) {
	fake := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	cache := NewResultCache(Config{TTL: time.Hour, MaxEntries: 2, Now: fake.Now})

	cache.Set("a", Entry{Value: []byte(`1`)})
	fake.now = fake.now.Add(time.Second)
	cache.Set("b", Entry{Value: []byte(`2`)})
	fake.now = fake.now.Add(time.Second)
	cache.Set("c", Entry{Value: []byte(`3`)})

	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if _, ok := cache.Get("c"); !ok {
		t.Fatalf("expected newest entry to be kept")
	}
}

func TestResultCacheReturnsCopies(t *testing.T) {
	cache := NewResultCache(Config{})
	cache.Set("key", Entry{Value: []byte(`"abc"`)})

	first, _ := cache.Get("key")
	first.Value[1] = 'z'
	second, _ := cache.Get("key")
	if string(second.Value) != `"abc"` {
		t.Fatalf("expected cached value to be unchanged, got %s", second.Value)
	}
}

func TestBuildSignatureNormalizesInput(t *testing.T) {
	if BuildSignature("  Roman   Roads ", "5") != BuildSignature("roman roads", "5") {
		t.Fatalf("expected normalized signatures to match")
	}
	if BuildSignature("roman roads", "5") == BuildSignature("roman roads", "6") {
		t.Fatalf("expected different parts to change the signature")
	}
}
