package limiter

import (
	"context"
	"sync"
	"time"
)

type attempt struct {
	fails        int
	last         time.Time
	blockedUntil time.Time
}

// Memory is the in-process counterpart of PG used by the memory store mode.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
	attempts map[string]*attempt
}

// NewMemory constructs an in-process login limiter with PG's semantics.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		attempts: make(map[string]*attempt),
	}
}

func key(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[key(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if wait := a.blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success clears the counters of (username, ip).
func (l *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key(username, ipHash))
	return nil
}

// Failure counts a failed attempt and blocks the pair once maxFails is reached.
func (l *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := key(username, ipHash)
	a, ok := l.attempts[k]
	if !ok || now.Sub(a.last) > l.window {
		a = &attempt{}
		l.attempts[k] = a
	}
	a.fails++
	a.last = now
	if a.fails < l.maxFails {
		return false, 0, nil
	}
	a.blockedUntil = now.Add(l.blockFor)
	return true, l.blockFor, nil
}
