// Package stream fans circulation events out to live dashboard subscribers.
package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind names a circulation state change.
type EventKind string

const (
	KindCopyRegistered EventKind = "copy.registered"
	KindCopyWithdrawn  EventKind = "copy.withdrawn"
	KindLoanIssued     EventKind = "loan.issued"
	KindLoanRenewed    EventKind = "loan.renewed"
	KindLoanReturned   EventKind = "loan.returned"
	KindFineAssessed   EventKind = "fine.assessed"
	KindFinePaid       EventKind = "fine.paid"
	KindFineWaived     EventKind = "fine.waived"
)

// Event describes one circulation state change for the dashboard feed.
type Event struct {
	Tenant    string    `json:"tenant"`
	Kind      EventKind `json:"kind"`
	CopyID    string    `json:"copy_id,omitempty"`
	LoanID    string    `json:"loan_id,omitempty"`
	MemberID  string    `json:"member_id,omitempty"`
	FineID    string    `json:"fine_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Overdue   bool      `json:"overdue,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	tenant string
	ch     chan Event
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber scoped to one tenant and returns a channel
// which will receive that tenant's events. The channel is closed when the
// provided context ends.
func (s *Stream) Subscribe(ctx context.Context, tenant string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{tenant: tenant, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to the subscribers of its tenant.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.tenant != evt.Tenant {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
