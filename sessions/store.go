package sessions

import "sync"

// Namespace identifies one of the isolated credential buckets. The three
// namespaces never alias each other: reading one can never observe a value
// written to another.
type Namespace string

const (
	NamespaceUser          Namespace = "user"
	NamespaceAdmin         Namespace = "admin"
	NamespaceImpersonation Namespace = "impersonation"
)

// Op is the kind of mutation that produced an Event.
type Op string

const (
	OpSet   Op = "set"
	OpClear Op = "clear"
)

// Event describes a credential mutation. Events carry only the namespace and
// operation, never token material; observers re-read the store.
type Event struct {
	Namespace Namespace
	Op        Op
}

// Store is the single mutable resource for credential state. All session
// writers (auth client, impersonation broker) go through this interface; no
// component touches the underlying storage medium directly.
//
// Getters return (nil, nil) when the namespace is empty. Setters and clears
// are synchronous: by the time they return, local subscribers have been
// notified and a cross-process change signal has been published.
type Store interface {
	// User namespace.
	Session() (*Session, error)
	SetSession(s *Session) error
	ClearSession() error

	// Admin namespace.
	AdminSession() (*AdminSession, error)
	SetAdminSession(s *AdminSession) error
	ClearAdminSession() error

	// Impersonation namespace. The record and the original admin token are
	// committed as one atomic pair; one can never exist without the other.
	Impersonation() (*ImpersonationRecord, string, error)
	SetImpersonation(rec *ImpersonationRecord, originalAdminToken string) error
	ClearImpersonation() error

	// ClearAll empties every namespace.
	ClearAll() error

	// Subscribe registers fn for mutation events, including mutations made by
	// other store instances sharing a Broadcaster. The returned function
	// removes the subscription.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Broadcaster propagates change signals between store instances that share
// the same underlying credentials (other tabs, other processes). Delivery is
// best-effort and eventually consistent; no correctness property depends on
// propagation latency. The sender ID lets instances suppress their own
// echoes.
type Broadcaster interface {
	Publish(senderID string, ev Event)
	Subscribe(fn func(senderID string, ev Event)) (unsubscribe func())
}

// LoopbackBroadcaster is an in-process Broadcaster. It stands in for the host
// environment's cross-process primitive in tests and single-process
// deployments.
type LoopbackBroadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(senderID string, ev Event)
}

// NewLoopbackBroadcaster creates an empty in-process broadcaster.
func NewLoopbackBroadcaster() *LoopbackBroadcaster {
	return &LoopbackBroadcaster{subs: map[int]func(string, Event){}}
}

// Publish delivers ev to every subscriber, including the sender's own
// subscription; receivers filter on senderID.
func (b *LoopbackBroadcaster) Publish(senderID string, ev Event) {
	b.mu.Lock()
	fns := make([]func(string, Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(senderID, ev)
	}
}

// Subscribe registers fn and returns its removal function.
func (b *LoopbackBroadcaster) Subscribe(fn func(senderID string, ev Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// subscribers is the shared local-notification bookkeeping for store
// implementations.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func newSubscribers() *subscribers {
	return &subscribers{subs: map[int]func(Event){}}
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify invokes every subscriber outside the registration lock.
func (s *subscribers) notify(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
