// Package feed publishes per-pair decision and status records. Records are
// sequenced, retained in a bounded ring for replay, fanned out to in-process
// subscribers and optionally forwarded to NATS or Kafka.
package feed

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/netopt/pkg/domain"
)

// DefaultCapacity is the number of records retained for replay.
const DefaultCapacity = 1024

// Feed is the in-process status feed. It is safe for concurrent use.
type Feed struct {
	ring   *ringBuffer
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	seq    uint64
	latest map[string]domain.StatusRecord
	subs   map[string]*Subscription
}

// Subscription receives every record published after it was created. Slow
// consumers lose records rather than blocking publishers.
type Subscription struct {
	ID      string
	C       <-chan domain.StatusRecord
	ch      chan domain.StatusRecord
	dropped atomic.Uint64
}

// Dropped reports how many records were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// New creates a feed retaining capacity records.
func New(capacity int, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		ring:   newRingBuffer(capacity),
		logger: logger,
		now:    time.Now,
		latest: make(map[string]domain.StatusRecord),
		subs:   make(map[string]*Subscription),
	}
}

// Publish sequences rec, stores it and fans it out without blocking. The
// stored record is returned.
func (f *Feed) Publish(rec domain.StatusRecord) domain.StatusRecord {
	f.mu.Lock()
	f.seq++
	rec.Sequence = f.seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = f.now().UTC()
	}
	rec = cloneRecord(rec)
	f.latest[rec.Pair] = rec
	f.ring.add(rec)

	for _, sub := range f.subs {
		select {
		case sub.ch <- cloneRecord(rec):
		default:
			if sub.dropped.Add(1) == 1 {
				f.logger.Warn("status subscriber falling behind", "subscriber", sub.ID)
			}
		}
	}
	f.mu.Unlock()
	return cloneRecord(rec)
}

// Latest returns the newest record per pair ordered by pair key.
func (f *Feed) Latest() []domain.StatusRecord {
	f.mu.RLock()
	out := make([]domain.StatusRecord, 0, len(f.latest))
	for _, rec := range f.latest {
		out = append(out, cloneRecord(rec))
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// LatestFor returns the newest record for pair.
func (f *Feed) LatestFor(pair string) (domain.StatusRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.latest[pair]
	return cloneRecord(rec), ok
}

// Since returns retained records with a sequence greater than after.
func (f *Feed) Since(after uint64) []domain.StatusRecord {
	return f.ring.fromSequence(after)
}

// Sequence returns the last assigned sequence number.
func (f *Feed) Sequence() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seq
}

// Subscribe registers a subscriber with the given channel buffer.
func (f *Feed) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.StatusRecord, buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	f.mu.Lock()
	f.subs[sub.ID] = sub
	f.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (f *Feed) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; !ok {
		return
	}
	delete(f.subs, sub.ID)
	close(sub.ch)
}

// Close removes every subscriber.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}
