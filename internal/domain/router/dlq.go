package router

import (
	"sync"
	"time"

	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
)

// DefaultMaxDLQSize bounds the dead-letter queue when no explicit size is
// configured.
const DefaultMaxDLQSize = 1000

// DeadLetterEntry holds a message that could not be delivered to a handler,
// along with enough context to diagnose and retry it. Entries are keyed by
// the message control ID (MSH-10): a second failure for the same control ID
// updates the existing entry instead of duplicating it.
type DeadLetterEntry struct {
	ControlID   string         `json:"controlId"`
	MessageType string         `json:"messageType"`
	Reason      string         `json:"reason"`
	LastError   string         `json:"lastError,omitempty"`
	Attempts    int            `json:"attempts"`
	AddedAt     time.Time      `json:"addedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Message     *hl7v2.Message `json:"-"`
}

// deadLetterQueue is a bounded FIFO of failed messages. When full, the oldest
// entry is evicted to make room for a new one.
type deadLetterQueue struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*DeadLetterEntry
	order   []string // control IDs, oldest first
	now     func() time.Time
}

func newDeadLetterQueue(maxSize int) *deadLetterQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxDLQSize
	}
	return &deadLetterQueue{
		maxSize: maxSize,
		entries: make(map[string]*DeadLetterEntry),
		now:     time.Now,
	}
}

// add inserts or updates the entry for msg's control ID. It returns the
// stored entry and whether an older entry was evicted to make room.
func (q *deadLetterQueue) add(msg *hl7v2.Message, reason, lastError string) (*DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	controlID := msg.Header.ControlID
	now := q.now()

	if existing, ok := q.entries[controlID]; ok {
		existing.Attempts++
		existing.Reason = reason
		existing.LastError = lastError
		existing.UpdatedAt = now
		return existing, false
	}

	evicted := false
	if len(q.order) >= q.maxSize {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.entries, oldest)
		evicted = true
	}

	entry := &DeadLetterEntry{
		ControlID:   controlID,
		MessageType: msg.Header.MessageType,
		Reason:      reason,
		LastError:   lastError,
		Attempts:    1,
		AddedAt:     now,
		UpdatedAt:   now,
		Message:     msg,
	}
	q.entries[controlID] = entry
	q.order = append(q.order, controlID)
	return entry, evicted
}

// take removes and returns the entry for controlID.
func (q *deadLetterQueue) take(controlID string) (*DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[controlID]
	if !ok {
		return nil, false
	}
	delete(q.entries, controlID)
	for i, id := range q.order {
		if id == controlID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return entry, true
}

// bumpAttempts folds a prior attempt count into the current entry for
// controlID, if one exists. Used after a retry fails so the history of the
// original failures is not lost.
func (q *deadLetterQueue) bumpAttempts(controlID string, prior int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[controlID]; ok {
		entry.Attempts += prior
	}
}

// list returns a snapshot of all entries, oldest first.
func (q *deadLetterQueue) list() []*DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*DeadLetterEntry, 0, len(q.order))
	for _, id := range q.order {
		if entry, ok := q.entries[id]; ok {
			copied := *entry
			out = append(out, &copied)
		}
	}
	return out
}

func (q *deadLetterQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// clear empties the queue and returns how many entries were dropped.
func (q *deadLetterQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	q.entries = make(map[string]*DeadLetterEntry)
	q.order = nil
	return n
}
