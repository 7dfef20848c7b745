package cache

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process mutex set used when no redis is configured.
// It only prevents overlap inside a single process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]time.Time{}, nowFn: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, ErrLockHeld
	}
	until := now.Add(ttl)
	l.held[name] = until
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[name].Equal(until) {
			delete(l.held, name)
		}
	}, nil
}

// LocalReplayGuard remembers keys in memory for their ttl. Single-process
// fallback for FirstSeen when no redis is configured.
type LocalReplayGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	nowFn func() time.Time
}

func NewLocalReplayGuard() *LocalReplayGuard {
	return &LocalReplayGuard{seen: map[string]time.Time{}, nowFn: time.Now}
}

func (g *LocalReplayGuard) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	for k, until := range g.seen {
		if !now.Before(until) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

func (g *LocalReplayGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}
