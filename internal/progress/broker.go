package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSubBuffer = 16
	dropLogInterval  = 5 * time.Second
)

// Broker fans events out to per-job subscribers. Publish never blocks: when a
// subscriber's buffer is full the event is dropped and the drop is logged at
// a rate-limited cadence. Subscribers that miss events recover from the next
// snapshot, so drops cost latency, not correctness.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[int64]chan Event
	nextID int64
	buffer int

	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
}

// NewBroker builds a Broker. A nil logger disables drop warnings.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		topics:      make(map[string]map[int64]chan Event),
		buffer:      defaultSubBuffer,
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Subscribe registers a listener for one job's events. The returned cancel
// function unregisters the listener and closes the channel; it is safe to
// call more than once.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	subs, ok := b.topics[jobID]
	if !ok {
		subs = make(map[int64]chan Event)
		b.topics[jobID] = subs
	}
	subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.topics[jobID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, jobID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber of evt.JobID without blocking.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.topics[evt.JobID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("progress events dropped due to backpressure",
					zap.Int64("dropped", count),
					zap.String("job_id", evt.JobID))
			}
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount reports the number of active listeners for a job.
func (b *Broker) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[jobID])
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
