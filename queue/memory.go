package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	message     Message
	availableAt time.Time
	leasedUntil time.Time
	leaseToken  string
}

// MemoryQueue is a process local backend used by tests and single-node runs.
type MemoryQueue struct {
	Lease time.Duration
	Now   func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		Lease:   30 * time.Second,
		entries: map[string]*memoryEntry{},
	}
}

func (q *MemoryQueue) Send(_ context.Context, topic string, payload []byte, delay time.Duration) error {
	if q == nil {
		return fmt.Errorf("queue: memory queue is nil")
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	now := q.now()
	if delay < 0 {
		delay = 0
	}
	entry := &memoryEntry{
		message: Message{
			ID:         uuid.NewString(),
			Topic:      strings.TrimSpace(topic),
			Payload:    append([]byte(nil), payload...),
			EnqueuedAt: now,
		},
		availableAt: now.Add(delay),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries == nil {
		q.entries = map[string]*memoryEntry{}
	}
	q.entries[entry.message.ID] = entry
	return nil
}

func (q *MemoryQueue) Receive(_ context.Context, topic string, max int) ([]Delivery, error) {
	if q == nil {
		return nil, fmt.Errorf("queue: memory queue is nil")
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	topic = strings.TrimSpace(topic)
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	ready := make([]*memoryEntry, 0)
	for _, entry := range q.entries {
		if entry.message.Topic != topic || entry.availableAt.After(now) {
			continue
		}
		if !entry.leasedUntil.IsZero() && entry.leasedUntil.After(now) {
			continue
		}
		ready = append(ready, entry)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].availableAt.Equal(ready[j].availableAt) {
			return ready[i].message.EnqueuedAt.Before(ready[j].message.EnqueuedAt)
		}
		return ready[i].availableAt.Before(ready[j].availableAt)
	})
	if len(ready) > max {
		ready = ready[:max]
	}
	out := make([]Delivery, 0, len(ready))
	for _, entry := range ready {
		entry.leasedUntil = now.Add(q.lease())
		entry.leaseToken = uuid.NewString()
		msg := entry.message
		msg.Payload = append([]byte(nil), entry.message.Payload...)
		out = append(out, &memoryDelivery{queue: q, message: msg, token: entry.leaseToken})
	}
	return out, nil
}

// Len counts messages on topic, leased or not.
func (q *MemoryQueue) Len(topic string) int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, entry := range q.entries {
		if entry.message.Topic == strings.TrimSpace(topic) {
			count++
		}
	}
	return count
}

// Messages returns a snapshot of the messages on topic.
func (q *MemoryQueue) Messages(topic string) []Message {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0)
	for _, entry := range q.entries {
		if entry.message.Topic == strings.TrimSpace(topic) {
			out = append(out, entry.message)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func (q *MemoryQueue) settle(token string, id string, apply func(entry *memoryEntry) bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok || entry.leaseToken != token {
		return fmt.Errorf("queue: lease for message %s is no longer held", id)
	}
	if remove := apply(entry); remove {
		delete(q.entries, id)
		return nil
	}
	entry.leaseToken = ""
	entry.leasedUntil = time.Time{}
	return nil
}

func (q *MemoryQueue) lease() time.Duration {
	if q != nil && q.Lease > 0 {
		return q.Lease
	}
	return 30 * time.Second
}

func (q *MemoryQueue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

type memoryDelivery struct {
	queue   *MemoryQueue
	message Message
	token   string
}

func (d *memoryDelivery) Message() Message {
	return d.message
}

func (d *memoryDelivery) Ack(context.Context) error {
	return d.queue.settle(d.token, d.message.ID, func(*memoryEntry) bool {
		return true
	})
}

func (d *memoryDelivery) Retry(_ context.Context, delay time.Duration, cause error) error {
	if delay < 0 {
		delay = 0
	}
	availableAt := d.queue.now().Add(delay)
	return d.queue.settle(d.token, d.message.ID, func(entry *memoryEntry) bool {
		entry.message.Attempts++
		entry.message.LastError = errorText(cause)
		entry.availableAt = availableAt
		return false
	})
}

func (d *memoryDelivery) DeadLetter(_ context.Context, cause error) error {
	now := d.queue.now()
	return d.queue.settle(d.token, d.message.ID, func(entry *memoryEntry) bool {
		entry.message.Attempts++
		entry.message.LastError = errorText(cause)
		entry.message.Topic = DeadLetterTopic(entry.message.Topic)
		entry.availableAt = now
		return false
	})
}

var _ Backend = (*MemoryQueue)(nil)
