package limiter

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/time/rate"
)

// sweepAt is the bucket count above which full buckets are dropped.
const sweepAt = 4096

// Ops is a per-user token bucket for log writes. One call consumes one token
// regardless of how many operations it carries.
type Ops struct {
	mu      sync.Mutex
	burst   int
	refill  rate.Limit
	now     func() time.Time
	buckets map[uuid.UUID]*rate.Limiter
}

// NewOps returns a limiter that allows burst calls back to back and then
// refill calls per second.
func NewOps(burst int, refill float64) *Ops {
	return &Ops{
		burst:   burst,
		refill:  rate.Limit(refill),
		now:     time.Now,
		buckets: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Allow takes a token from the user's bucket.
func (o *Ops) Allow(userID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	b, ok := o.buckets[userID]
	if !ok {
		if len(o.buckets) >= sweepAt {
			o.sweep(now)
		}
		b = rate.NewLimiter(o.refill, o.burst)
		o.buckets[userID] = b
	}
	return b.AllowN(now, 1)
}

// sweep drops buckets that have refilled completely; a new bucket starts full
// so forgetting them changes nothing.
func (o *Ops) sweep(now time.Time) {
	for id, b := range o.buckets {
		if b.TokensAt(now) >= float64(o.burst) {
			delete(o.buckets, id)
		}
	}
}
