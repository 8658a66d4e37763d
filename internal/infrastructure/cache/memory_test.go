package cache

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alexacart/backend/internal/domain"
)

func newTestCache(t *testing.T, ttl time.Duration, onEvict func(string)) (*SessionCache, *time.Time) {
	t.Helper()
	cache := NewSessionCache(ttl, time.Hour, onEvict)
	t.Cleanup(cache.Close)

	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	return cache, &now
}

func TestSessionCache_PutAndGet(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour, nil)

	session := domain.NewOrderSession("s1", time.Now())
	cache.Put(session)

	got, ok := cache.Get("s1")
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got != session {
		t.Errorf("Get() returned a different session")
	}

	if _, ok := cache.Get("missing"); ok {
		t.Errorf("Get(missing) ok = true, want false")
	}
}

func TestSessionCache_Expiration(t *testing.T) {
	cache, now := newTestCache(t, time.Hour, nil)
	cache.Put(domain.NewOrderSession("s1", time.Now()))

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{"within ttl", 30 * time.Minute, true},
		// the previous Get refreshed the entry
		{"refreshed by get", 50 * time.Minute, true},
		{"expired", 61 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*now = now.Add(tt.advance)
			if _, ok := cache.Get("s1"); ok != tt.want {
				t.Errorf("Get() ok = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestSessionCache_Delete(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour, nil)
	cache.Put(domain.NewOrderSession("s1", time.Now()))

	cache.Delete("s1")

	if _, ok := cache.Get("s1"); ok {
		t.Errorf("Get() after delete ok = true, want false")
	}
	if size := cache.Size(); size != 0 {
		t.Errorf("Size() = %d, want 0 after delete", size)
	}
}

func TestSessionCache_SweepCallsOnEvict(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	cache, now := newTestCache(t, time.Hour, func(id string) {
		mu.Lock()
		evicted = append(evicted, id)
		mu.Unlock()
	})

	cache.Put(domain.NewOrderSession("old-1", time.Now()))
	cache.Put(domain.NewOrderSession("old-2", time.Now()))
	*now = now.Add(45 * time.Minute)
	cache.Put(domain.NewOrderSession("fresh", time.Now()))
	*now = now.Add(30 * time.Minute)

	swept := cache.Sweep()
	sort.Strings(swept)

	if len(swept) != 2 || swept[0] != "old-1" || swept[1] != "old-2" {
		t.Errorf("Sweep() = %v, want [old-1 old-2]", swept)
	}
	mu.Lock()
	if len(evicted) != 2 {
		t.Errorf("onEvict called %d times, want 2", len(evicted))
	}
	mu.Unlock()
	if size := cache.Size(); size != 1 {
		t.Errorf("Size() = %d, want 1", size)
	}
}

func TestSessionCache_Concurrent(t *testing.T) {
	cache := NewSessionCache(time.Minute, time.Millisecond, nil)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("s%d", id)
			cache.Put(domain.NewOrderSession(key, time.Now()))
			if _, ok := cache.Get(key); !ok {
				t.Errorf("Concurrent Get(%s) ok = false", key)
			}
		}(i)
	}
	wg.Wait()

	if size := cache.Size(); size != 10 {
		t.Errorf("Size() = %d, want 10", size)
	}
}

func TestSessionCache_CloseIsIdempotent(t *testing.T) {
	cache := NewSessionCache(time.Minute, time.Hour, nil)
	cache.Close()
	cache.Close()
}
