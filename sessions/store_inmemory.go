package sessions

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu sync.RWMutex

	session            *Session
	admin              *AdminSession
	impersonation      *ImpersonationRecord
	originalAdminToken string

	id          string
	subs        *subscribers
	broadcaster Broadcaster
	unsubCast   func()
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryBroadcaster attaches a cross-instance change signal channel.
func WithMemoryBroadcaster(b Broadcaster) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.broadcaster = b
	}
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		id:   uuid.NewString(),
		subs: newSubscribers(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.broadcaster != nil {
		s.unsubCast = s.broadcaster.Subscribe(func(senderID string, ev Event) {
			if senderID == s.id {
				return
			}
			s.subs.notify(ev)
		})
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// Close detaches the store from its broadcaster.
func (s *MemoryStore) Close() {
	if s.unsubCast != nil {
		s.unsubCast()
		s.unsubCast = nil
	}
}

func (s *MemoryStore) Session() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.session), nil
}

func (s *MemoryStore) SetSession(session *Session) error {
	s.mu.Lock()
	s.session = copySession(session)
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceUser, Op: OpSet})
	return nil
}

func (s *MemoryStore) ClearSession() error {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceUser, Op: OpClear})
	return nil
}

func (s *MemoryStore) AdminSession() (*AdminSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAdminSession(s.admin), nil
}

func (s *MemoryStore) SetAdminSession(session *AdminSession) error {
	s.mu.Lock()
	s.admin = copyAdminSession(session)
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceAdmin, Op: OpSet})
	return nil
}

func (s *MemoryStore) ClearAdminSession() error {
	s.mu.Lock()
	s.admin = nil
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceAdmin, Op: OpClear})
	return nil
}

func (s *MemoryStore) Impersonation() (*ImpersonationRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecord(s.impersonation), s.originalAdminToken, nil
}

// SetImpersonation commits the record and the original admin token under one
// lock hold so observers can never see one without the other.
func (s *MemoryStore) SetImpersonation(rec *ImpersonationRecord, originalAdminToken string) error {
	s.mu.Lock()
	s.impersonation = copyRecord(rec)
	s.originalAdminToken = originalAdminToken
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceImpersonation, Op: OpSet})
	return nil
}

func (s *MemoryStore) ClearImpersonation() error {
	s.mu.Lock()
	s.impersonation = nil
	s.originalAdminToken = ""
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceImpersonation, Op: OpClear})
	return nil
}

func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	s.session = nil
	s.admin = nil
	s.impersonation = nil
	s.originalAdminToken = ""
	s.mu.Unlock()
	s.publish(Event{Namespace: NamespaceUser, Op: OpClear})
	s.publish(Event{Namespace: NamespaceAdmin, Op: OpClear})
	s.publish(Event{Namespace: NamespaceImpersonation, Op: OpClear})
	return nil
}

func (s *MemoryStore) Subscribe(fn func(Event)) func() {
	return s.subs.add(fn)
}

func (s *MemoryStore) publish(ev Event) {
	s.subs.notify(ev)
	if s.broadcaster != nil {
		s.broadcaster.Publish(s.id, ev)
	}
}

// Copies keep callers from mutating stored state through shared pointers.

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyAdminSession(s *AdminSession) *AdminSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyRecord(r *ImpersonationRecord) *ImpersonationRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
