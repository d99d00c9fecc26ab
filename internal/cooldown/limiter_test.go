package cooldown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the first failures calls to each method.
type flakyStore struct {
	Store
	failures int32
	puts     atomic.Int32
	lastErr  error
}

func (s *flakyStore) Put(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	if s.puts.Add(1) <= s.failures {
		return errors.New("connection reset")
	}
	return s.Store.Put(ctx, userID, at, ttl)
}

func (s *flakyStore) Last(ctx context.Context, userID string) (time.Time, bool, error) {
	if s.lastErr != nil {
		return time.Time{}, false, s.lastErr
	}
	return s.Store.Last(ctx, userID)
}

func TestCooldownLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(NewMemoryStore(), time.Minute, WithClock(clock.Now))

	assert.True(t, l.CanWrite(ctx, "alice"), "no record yet")

	l.RecordWrite(ctx, "alice")
	assert.False(t, l.CanWrite(ctx, "alice"), "just wrote")
	assert.True(t, l.CanWrite(ctx, "bob"), "other users unaffected")

	clock.Advance(59 * time.Second)
	assert.False(t, l.CanWrite(ctx, "alice"))

	clock.Advance(time.Second)
	assert.True(t, l.CanWrite(ctx, "alice"), "window elapsed")
}

func TestSetCooldownAppliesToLaterCalls(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(NewMemoryStore(), time.Minute, WithClock(clock.Now))

	l.RecordWrite(ctx, "alice")
	clock.Advance(10 * time.Second)
	assert.False(t, l.CanWrite(ctx, "alice"))

	l.SetCooldownDuration(5)
	assert.Equal(t, 5*time.Second, l.Cooldown())
	assert.True(t, l.CanWrite(ctx, "alice"))

	l.RecordWrite(ctx, "alice")
	clock.Advance(4 * time.Second)
	assert.False(t, l.CanWrite(ctx, "alice"))
}

func TestZeroCooldownDisablesLimiter(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore()}
	l := New(store, 0)

	l.RecordWrite(ctx, "alice")
	assert.True(t, l.CanWrite(ctx, "alice"))
	assert.Equal(t, int32(0), store.puts.Load(), "no record written")

	l.SetCooldown(-time.Second)
	assert.Equal(t, time.Duration(0), l.Cooldown())
}

func TestCanWriteFailsOpen(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore(), lastErr: errors.New("store down")}
	l := New(store, time.Minute)

	l.RecordWrite(ctx, "alice")
	assert.True(t, l.CanWrite(ctx, "alice"))
}

func TestRecordWriteRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore(), failures: 2}
	l := New(store, time.Minute, WithRetry(3, time.Millisecond))

	l.RecordWrite(ctx, "alice")
	assert.Equal(t, int32(3), store.puts.Load())
	assert.False(t, l.CanWrite(ctx, "alice"))
}

func TestRecordWriteGivesUpQuietly(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore(), failures: 100}
	l := New(store, time.Minute, WithRetry(3, time.Millisecond))

	require.NotPanics(t, func() { l.RecordWrite(ctx, "alice") })
	assert.Equal(t, int32(3), store.puts.Load())
	assert.True(t, l.CanWrite(ctx, "alice"), "missed record allows one extra write")
}
