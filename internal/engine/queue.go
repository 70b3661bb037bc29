package engine

import (
	"sync"
	"time"
)

// QueueStats reports the live state of the processing queue.
type QueueStats struct {
	Size       int   `json:"size"`
	MaxSize    int   `json:"max_size"`
	OldestAge  int64 `json:"oldest_age_ms"`
	AverageAge int64 `json:"average_age_ms"`
}

// processingQueue tracks orders currently in flight. Admission is bounded
// and entries are force-evicted after the timeout so a stuck caller cannot
// pin capacity. Eviction only drops the tracking entry; booked orders and
// their matches stand.
type processingQueue struct {
	mu      sync.Mutex
	entries map[string]queueEntry
	maxSize int
	timeout time.Duration
}

type queueEntry struct {
	admitted time.Time
	eviction *time.Timer
}

func newProcessingQueue(maxSize int, timeout time.Duration) *processingQueue {
	return &processingQueue{
		entries: make(map[string]queueEntry),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// admit adds an order to the queue, returning false when at capacity.
func (q *processingQueue) admit(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return false
	}
	q.entries[orderID] = queueEntry{
		admitted: time.Now(),
		eviction: time.AfterFunc(q.timeout, func() {
			q.release(orderID)
		}),
	}
	return true
}

func (q *processingQueue) release(orderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[orderID]; ok {
		entry.eviction.Stop()
		delete(q.entries, orderID)
	}
}

func (q *processingQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Size:    len(q.entries),
		MaxSize: q.maxSize,
	}
	if len(q.entries) == 0 {
		return stats
	}

	now := time.Now()
	var total int64
	for _, entry := range q.entries {
		age := now.Sub(entry.admitted).Milliseconds()
		total += age
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	stats.AverageAge = total / int64(len(q.entries))
	return stats
}

// eventLocks serializes all mutating work per event identifier. Locks for
// different events are independent and never held together.
type eventLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newEventLocks() *eventLocks {
	return &eventLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *eventLocks) get(eventID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[eventID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[eventID] = lock
	}
	return lock
}
