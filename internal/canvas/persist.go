package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKey is the Redis key the packed canvas is checkpointed under.
const DefaultKey = "canvas:bitfield"

type byteUpdate struct {
	offset int
	b      byte
}

// Persister mirrors a canvas into a Redis string. Single byte updates are
// applied with SETRANGE as they happen; a full SET checkpoint is written
// periodically whenever an update could not be mirrored, and once more on
// shutdown. Failures are logged and never reach the write path.
type Persister struct {
	rdb      redis.Cmdable
	key      string
	interval time.Duration
	logger   *slog.Logger

	updates chan byteUpdate
	dirty   atomic.Bool
}

// NewPersister creates a persister writing to key. A queueSize of zero
// uses a default of 4096 pending byte updates.
func NewPersister(rdb redis.Cmdable, key string, interval time.Duration, queueSize int, logger *slog.Logger) *Persister {
	if key == "" {
		key = DefaultKey
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		rdb:      rdb,
		key:      key,
		interval: interval,
		logger:   logger.With("component", "canvas-persister"),
		updates:  make(chan byteUpdate, queueSize),
	}
}

// Load reads the last checkpoint. A missing key yields a zero buffer of
// size bytes; a short value is zero padded, which matches how SETRANGE
// grows the key. A longer value means the geometry changed and is an error.
func (p *Persister) Load(ctx context.Context, size int) ([]byte, error) {
	data, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return make([]byte, size), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading canvas from %q: %w", p.key, err)
	}
	if len(data) > size {
		return nil, fmt.Errorf("%w: stored canvas has %d bytes, want %d", ErrInvalidGeometry, len(data), size)
	}
	buf := make([]byte, size)
	copy(buf, data)
	return buf, nil
}

// Observe queues a byte update. It never blocks: when the queue is full the
// update is dropped and the next checkpoint rewrites the whole canvas.
// Its signature matches WithObserver.
func (p *Persister) Observe(offset int, b byte) {
	select {
	case p.updates <- byteUpdate{offset: offset, b: b}:
	default:
		p.dirty.Store(true)
	}
}

// Checkpoint overwrites the stored canvas with buf.
func (p *Persister) Checkpoint(ctx context.Context, buf []byte) error {
	if err := p.rdb.Set(ctx, p.key, buf, 0).Err(); err != nil {
		return fmt.Errorf("checkpointing canvas to %q: %w", p.key, err)
	}
	return nil
}

// Run applies queued updates until ctx is cancelled, then writes a final
// checkpoint taken from snapshot.
func (p *Persister) Run(ctx context.Context, snapshot func() []byte) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Checkpoint(final, snapshot()); err != nil {
				p.logger.Warn("final canvas checkpoint failed", "error", err)
			} else {
				p.logger.Info("canvas checkpoint written", "key", p.key)
			}
			cancel()
			return

		case u := <-p.updates:
			err := p.rdb.SetRange(ctx, p.key, int64(u.offset), string([]byte{u.b})).Err()
			if err != nil {
				p.logger.Warn("mirroring pixel to redis failed", "offset", u.offset, "error", err)
				p.dirty.Store(true)
			}

		case <-ticker.C:
			if !p.dirty.Swap(false) {
				continue
			}
			if err := p.checkpointQueued(ctx, snapshot); err != nil {
				p.logger.Warn("canvas checkpoint failed", "error", err)
				p.dirty.Store(true)
			}
		}
	}
}

// checkpointQueued discards every queued update before taking the
// snapshot. Those updates are already in the snapshot, and applying one
// after the checkpoint would overwrite a newer byte with an older value.
func (p *Persister) checkpointQueued(ctx context.Context, snapshot func() []byte) error {
drain:
	for {
		select {
		case <-p.updates:
		default:
			break drain
		}
	}
	return p.Checkpoint(ctx, snapshot())
}
