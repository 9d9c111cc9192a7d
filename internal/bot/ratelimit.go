package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleLimiterAge = 3 * time.Minute

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// userLimiter keeps one token bucket per user. Buckets idle for a few
// minutes are dropped on the next lookup after a sweep interval.
type userLimiter struct {
	mu        sync.Mutex
	clients   map[int64]*client
	r         rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		clients: make(map[int64]*client),
		r:       rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether userID may issue another update now.
func (l *userLimiter) Allow(userID int64) bool {
	if l.r <= 0 {
		return true
	}
	return l.get(userID).AllowN(l.now(), 1)
}

func (l *userLimiter) get(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for id, c := range l.clients {
			if now.Sub(c.seen) > staleLimiterAge {
				delete(l.clients, id)
			}
		}
		l.lastSweep = now
	}

	if c, ok := l.clients[userID]; ok {
		c.seen = now
		return c.lim
	}
	lim := rate.NewLimiter(l.r, l.burst)
	l.clients[userID] = &client{lim: lim, seen: now}
	return lim
}

// dedup remembers callback ids for a while so redelivered taps are dropped.
type dedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	ids  map[string]time.Time
	now  func() time.Time
	next time.Time
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{ttl: ttl, ids: make(map[string]time.Time), now: time.Now}
}

// Seen records id and reports whether it was already recorded within the ttl.
func (d *dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.After(d.next) {
		for k, exp := range d.ids {
			if now.After(exp) {
				delete(d.ids, k)
			}
		}
		d.next = now.Add(d.ttl)
	}

	if exp, ok := d.ids[id]; ok && !now.After(exp) {
		return true
	}
	d.ids[id] = now.Add(d.ttl)
	return false
}
