package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BackpressurePolicy bounds request throughput per actor at the HTTP edge.
type BackpressurePolicy struct {
	RPM   int
	Burst int
}

// BackpressureStore abstracts the storage for HTTP-layer buckets so a
// single-node deployment can use memory and a fronted deployment Redis.
type BackpressureStore interface {
	// Allow reports whether the actor may proceed with an action of the
	// given cost.
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error)
}

// InMemoryBackpressure keeps one rate.Limiter per actor.
type InMemoryBackpressure struct {
	mu       sync.Mutex
	limiters map[string]*actorLimiter
}

type actorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInMemoryBackpressure creates the store and starts a cleanup loop that
// drops actors idle for more than three minutes.
func NewInMemoryBackpressure() *InMemoryBackpressure {
	s := &InMemoryBackpressure{limiters: make(map[string]*actorLimiter)}
	go s.cleanup()
	return s
}

func (s *InMemoryBackpressure) Allow(_ context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	al, ok := s.limiters[actorID]
	if !ok {
		rps := rate.Limit(float64(policy.RPM) / 60.0)
		if rps <= 0 {
			rps = 1
		}
		al = &actorLimiter{limiter: rate.NewLimiter(rps, policy.Burst)}
		s.limiters[actorID] = al
	}
	al.lastSeen = time.Now()
	return al.limiter.AllowN(time.Now(), cost), nil
}

func (s *InMemoryBackpressure) cleanup() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for id, al := range s.limiters {
			if time.Since(al.lastSeen) > 3*time.Minute {
				delete(s.limiters, id)
			}
		}
		s.mu.Unlock()
	}
}
