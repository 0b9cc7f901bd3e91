package sessions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Bucket per namespace keeps the namespaces physically separate; keys in one
// bucket can never be read through another.
var (
	bucketUser          = []byte("user")
	bucketAdmin         = []byte("admin")
	bucketImpersonation = []byte("impersonation")
)

var (
	keySession            = []byte("session")
	keyRecord             = []byte("record")
	keyOriginalAdminToken = []byte("original_admin_token")
)

// BoltStore is a durable Store backed by a bbolt database file. Multi-key
// writes (the impersonation pair, ClearAll) commit in a single transaction.
type BoltStore struct {
	db *bbolt.DB

	id          string
	subs        *subscribers
	broadcaster Broadcaster
	unsubCast   func()
}

// BoltStoreOption configures a BoltStore.
type BoltStoreOption func(*BoltStore)

// WithBoltBroadcaster attaches a cross-instance change signal channel.
func WithBoltBroadcaster(b Broadcaster) BoltStoreOption {
	return func(s *BoltStore) {
		s.broadcaster = b
	}
}

// NewBoltStore opens (or creates) the credential database at path.
func NewBoltStore(path string, options ...BoltStoreOption) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUser, bucketAdmin, bucketImpersonation} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:   db,
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
	return s, nil
}

var _ Store = (*BoltStore)(nil)

// Close detaches the broadcaster subscription and closes the database.
func (s *BoltStore) Close() error {
	if s.unsubCast != nil {
		s.unsubCast()
		s.unsubCast = nil
	}
	return s.db.Close()
}

func (s *BoltStore) Session() (*Session, error) {
	var out *Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketUser), keySession, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SetSession(session *Session) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketUser), keySession, session)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceUser, Op: OpSet})
	return nil
}

func (s *BoltStore) ClearSession() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUser).Delete(keySession)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceUser, Op: OpClear})
	return nil
}

func (s *BoltStore) AdminSession() (*AdminSession, error) {
	var out *AdminSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketAdmin), keySession, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SetAdminSession(session *AdminSession) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketAdmin), keySession, session)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceAdmin, Op: OpSet})
	return nil
}

func (s *BoltStore) ClearAdminSession() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAdmin).Delete(keySession)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceAdmin, Op: OpClear})
	return nil
}

func (s *BoltStore) Impersonation() (*ImpersonationRecord, string, error) {
	var (
		rec   *ImpersonationRecord
		token string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketImpersonation)
		if err := getJSON(b, keyRecord, &rec); err != nil {
			return err
		}
		token = string(b.Get(keyOriginalAdminToken))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return rec, token, nil
}

// SetImpersonation writes the record and the original admin token in one
// transaction: a crash can never leave one without the other.
func (s *BoltStore) SetImpersonation(rec *ImpersonationRecord, originalAdminToken string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketImpersonation)
		if err := putJSON(b, keyRecord, rec); err != nil {
			return err
		}
		return b.Put(keyOriginalAdminToken, []byte(originalAdminToken))
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceImpersonation, Op: OpSet})
	return nil
}

func (s *BoltStore) ClearImpersonation() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketImpersonation)
		if err := b.Delete(keyRecord); err != nil {
			return err
		}
		return b.Delete(keyOriginalAdminToken)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceImpersonation, Op: OpClear})
	return nil
}

func (s *BoltStore) ClearAll() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketUser).Delete(keySession); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAdmin).Delete(keySession); err != nil {
			return err
		}
		b := tx.Bucket(bucketImpersonation)
		if err := b.Delete(keyRecord); err != nil {
			return err
		}
		return b.Delete(keyOriginalAdminToken)
	})
	if err != nil {
		return err
	}
	s.publish(Event{Namespace: NamespaceUser, Op: OpClear})
	s.publish(Event{Namespace: NamespaceAdmin, Op: OpClear})
	s.publish(Event{Namespace: NamespaceImpersonation, Op: OpClear})
	return nil
}

func (s *BoltStore) Subscribe(fn func(Event)) func() {
	return s.subs.add(fn)
}

func (s *BoltStore) publish(ev Event) {
	s.subs.notify(ev)
	if s.broadcaster != nil {
		s.broadcaster.Publish(s.id, ev)
	}
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.Put(key, data)
}

// getJSON decodes the value at key into out, leaving out nil when the key is
// absent. out must be a pointer to a pointer type.
func getJSON(b *bbolt.Bucket, key []byte, out any) error {
	data := b.Get(key)
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}
