// Package store is the durable on-device session store: the session set,
// the pending-change queue, the saved auth identity, and per-domain
// auto-saves. It is the single owner of this state; the engine and the
// synchronizer mutate it only through these operations.
package store

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v4"

	"github.com/quickswitch/quickswitch/internal/shared/types"
)

var (
	sessionPrefix  = []byte("session/")
	pendingPrefix  = []byte("pending/")
	autosavePrefix = []byte("autosave/")
	identityKey    = []byte("auth/identity")
)

// Store wraps a badger database. All mutations run inside single
// transactions, so readers never observe a half-written session set.
type Store struct {
	db *badger.DB

	// pendingSeq orders queue entries FIFO across restarts.
	mu         sync.Mutex
	pendingSeq uint64
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadPendingSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAll returns every stored session.
func (s *Store) GetAll() ([]types.Session, error) {
	sessions := []types.Session{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sess types.Session
				if err := sonic.Unmarshal(val, &sess); err != nil {
					return err
				}
				sess.Normalize()
				sessions = append(sessions, sess)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

// Get returns one session by ID.
func (s *Store) Get(sessionID string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return sonic.Unmarshal(val, &sess)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.Normalize()
	return &sess, nil
}

// Upsert writes a session, inserting or overwriting by ID.
func (s *Store) Upsert(session *types.Session) error {
	session.Normalize()
	data, err := sonic.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.ID), data)
	})
}

// Delete removes a session by ID. Deleting an absent session is a no-op.
func (s *Store) Delete(sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
}

// ReplaceAll swaps the whole session set in one transaction. Used by the
// synchronizer to persist a merge result.
func (s *Store) ReplaceAll(sessions []types.Session) error {
	encoded := make(map[string][]byte, len(sessions))
	for i := range sessions {
		sessions[i].Normalize()
		data, err := sonic.Marshal(&sessions[i])
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", sessions[i].ID, err)
		}
		encoded[sessions[i].ID] = data
	}

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for id, data := range encoded {
			if err := txn.Set(sessionKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnqueuePendingChange appends a change to the sync queue.
func (s *Store) EnqueuePendingChange(change types.PendingChange) error {
	data, err := sonic.Marshal(&change)
	if err != nil {
		return fmt.Errorf("failed to encode pending change: %w", err)
	}

	s.mu.Lock()
	s.pendingSeq++
	seq := s.pendingSeq
	s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(seq), data)
	})
}

// DrainPendingChanges returns the queue in FIFO order and clears it
// atomically. The caller must re-enqueue any change it fails to apply.
func (s *Store) DrainPendingChanges() ([]types.PendingChange, error) {
	changes := []types.PendingChange{}
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			var change types.PendingChange
			err := it.Item().Value(func(val []byte) error {
				return sonic.Unmarshal(val, &change)
			})
			if err != nil {
				return err
			}
			changes = append(changes, change)
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending changes: %w", err)
	}
	return changes, nil
}

// PendingCount returns the queue depth.
func (s *Store) PendingCount() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// SetIdentity stores the authenticated identity.
func (s *Store) SetIdentity(identity *types.AuthIdentity) error {
	data, err := sonic.Marshal(identity)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey, data)
	})
}

// Identity returns the stored identity, or nil when logged out.
func (s *Store) Identity() (*types.AuthIdentity, error) {
	var identity types.AuthIdentity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return sonic.Unmarshal(val, &identity)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ClearIdentity removes the stored identity (logout).
func (s *Store) ClearIdentity() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(identityKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// SetAutoSave records the latest automatic capture for a domain.
func (s *Store) SetAutoSave(domain string, session *types.Session) error {
	session.Normalize()
	data, err := sonic.Marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(autosaveKey(domain), data)
	})
}

// AutoSave returns the automatic capture for a domain, or nil.
func (s *Store) AutoSave(domain string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(autosaveKey(domain))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return sonic.Unmarshal(val, &sess)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Normalize()
	return &sess, nil
}

// loadPendingSeq recovers the queue sequence counter after a restart.
func (s *Store) loadPendingSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the prefix range first.
		it.Seek(append(bytes.Clone(pendingPrefix), 0xff))
		if it.ValidForPrefix(pendingPrefix) {
			key := it.Item().Key()
			var seq uint64
			fmt.Sscanf(string(key[len(pendingPrefix):]), "%020d", &seq)
			s.pendingSeq = seq
		}
		return nil
	})
}

func sessionKey(id string) []byte {
	return append(bytes.Clone(sessionPrefix), id...)
}

func pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", pendingPrefix, seq))
}

func autosaveKey(domain string) []byte {
	return append(bytes.Clone(autosavePrefix), domain...)
}
