package cache

import (
	"sync"
	"time"

	"github.com/alexacart/backend/internal/domain"
)

// sessionEntry represents a single session in the cache with expiration
type sessionEntry struct {
	Session    *domain.OrderSession
	Expiration time.Time
}

// SessionCache is a thread-safe in-memory session registry with TTL support.
// Every Put or Get refreshes the entry's expiration.
type SessionCache struct {
	data    map[string]sessionEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	onEvict func(id string)
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionCache creates a registry whose sessions expire ttl after last use.
// Expired sessions are swept every interval; onEvict, when set, is called
// with the id of every session removed by the sweep.
func NewSessionCache(ttl, interval time.Duration, onEvict func(id string)) *SessionCache {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	cache := &SessionCache{
		data:    make(map[string]sessionEntry),
		ttl:     ttl,
		onEvict: onEvict,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go cache.cleanupExpired(interval)

	return cache
}

// Put stores or refreshes a session
func (c *SessionCache) Put(session *domain.OrderSession) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[session.ID()] = sessionEntry{
		Session:    session,
		Expiration: c.now().Add(c.ttl),
	}
}

// Get retrieves a live session and refreshes its expiration
func (c *SessionCache) Get(id string) (*domain.OrderSession, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.data[id]
	if !exists {
		return nil, false
	}

	// Check if expired
	now := c.now()
	if now.After(entry.Expiration) {
		return nil, false
	}

	entry.Expiration = now.Add(c.ttl)
	c.data[id] = entry
	return entry.Session, true
}

// Delete removes a session
func (c *SessionCache) Delete(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.data, id)
}

// Sweep removes expired sessions and returns their ids
func (c *SessionCache) Sweep() []string {
	c.mutex.Lock()
	now := c.now()
	var evicted []string
	for id, entry := range c.data {
		if now.After(entry.Expiration) {
			delete(c.data, id)
			evicted = append(evicted, id)
		}
	}
	c.mutex.Unlock()

	if c.onEvict != nil {
		for _, id := range evicted {
			c.onEvict(id)
		}
	}
	return evicted
}

// cleanupExpired sweeps the cache periodically until Close
func (c *SessionCache) cleanupExpired(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (c *SessionCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Size returns the current number of sessions in the cache (for debugging/monitoring)
func (c *SessionCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}
