package feed

import (
	"sync"

	"github.com/polisai/netopt/pkg/domain"
)

// ringBuffer is a fixed-size circular buffer of status records with
// oldest-first eviction.
type ringBuffer struct {
	records  []domain.StatusRecord
	head     int // index of oldest element
	tail     int // index where next element will be inserted
	size     int
	capacity int
	mu       sync.RWMutex
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ringBuffer{
		records:  make([]domain.StatusRecord, capacity),
		capacity: capacity,
	}
}

// add inserts a record, evicting the oldest one when full.
func (rb *ringBuffer) add(rec domain.StatusRecord) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.records[rb.tail] = rec
	rb.tail = (rb.tail + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
		return
	}
	rb.head = (rb.head + 1) % rb.capacity
}

// fromSequence returns records with Sequence > after, oldest first.
func (rb *ringBuffer) fromSequence(after uint64) []domain.StatusRecord {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []domain.StatusRecord
	for i := 0; i < rb.size; i++ {
		rec := rb.records[(rb.head+i)%rb.capacity]
		if rec.Sequence > after {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func cloneRecord(rec domain.StatusRecord) domain.StatusRecord {
	if rec.LastIntent != nil {
		intent := rec.LastIntent.Clone()
		rec.LastIntent = &intent
	}
	return rec
}
