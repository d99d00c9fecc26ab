package cooldown

import (
	"context"
	"sync"
	"time"
)

// Store persists the last accepted write per user. A record whose ttl has
// elapsed may be reported as absent or returned as is; the Limiter compares
// timestamps either way.
type Store interface {
	Last(ctx context.Context, userID string) (at time.Time, ok bool, err error)
	Put(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
}

type record struct {
	at      time.Time
	expires time.Time
}

// MemoryStore keeps records in process. Expired records are ignored on
// read and reaped by Run.
type MemoryStore struct {
	records sync.Map // string -> record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Last(_ context.Context, userID string) (time.Time, bool, error) {
	v, ok := s.records.Load(userID)
	if !ok {
		return time.Time{}, false, nil
	}
	r := v.(record)
	if !s.now().Before(r.expires) {
		return time.Time{}, false, nil
	}
	return r.at, true, nil
}

func (s *MemoryStore) Put(_ context.Context, userID string, at time.Time, ttl time.Duration) error {
	s.records.Store(userID, record{at: at, expires: s.now().Add(ttl)})
	return nil
}

// Sweep deletes expired records and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	s.records.Range(func(key, value any) bool {
		if !now.Before(value.(record).expires) {
			s.records.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Run sweeps expired records every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
