// Package vault stores each user's sessions on the sync backend. Payload
// fields (cookies and both storage snapshots) are encrypted at rest with a
// per-user key; the descriptive fields stay plaintext for listing.
package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v4"

	"github.com/quickswitch/quickswitch/internal/crypt"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// record is the at-rest shape of a session: plaintext metadata plus one
// sealed blob holding the sensitive payload.
type record struct {
	ID         string    `json:"sessionId"`
	Name       string    `json:"sessionName"`
	Domain     string    `json:"domain"`
	Origin     string    `json:"origin"`
	FaviconURL string    `json:"faviconUrl,omitempty"`
	Payload    string    `json:"payload"` // sealed payload JSON
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// payload carries the encrypted part of a session.
type payload struct {
	Cookies            []types.Cookie    `json:"cookies"`
	LocalStorageData   map[string]string `json:"localStorageData"`
	SessionStorageData map[string]string `json:"sessionStorageData"`
}

// Vault is the per-user session store.
type Vault struct {
	db  *badger.DB
	box *crypt.Box
}

// New creates a vault over the given database.
func New(db *badger.DB, box *crypt.Box) *Vault {
	return &Vault{db: db, box: box}
}

// List returns all of a user's sessions, decrypted.
func (v *Vault) List(userID string) ([]types.Session, error) {
	sessions := []types.Session{}
	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(userID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			err := it.Item().Value(func(val []byte) error {
				return sonic.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			sess, err := v.open(&rec, userID)
			if err != nil {
				return err
			}
			sessions = append(sessions, *sess)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Get returns one session, decrypted.
func (v *Vault) Get(userID, sessionID string) (*types.Session, error) {
	var rec record
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(userID, sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return sonic.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return v.open(&rec, userID)
}

// Upsert writes a session, keeping last-write-wins semantics: an incoming
// record older than the stored one is ignored.
func (v *Vault) Upsert(userID string, session *types.Session) error {
	session.Normalize()

	existing, err := v.Get(userID, session.ID)
	if err == nil && existing.UpdatedAt.After(session.UpdatedAt) {
		return nil
	}

	rec, err := v.seal(session, userID)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	return v.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(userID, session.ID), data)
	})
}

// Delete removes a session. Missing sessions yield ErrNotFound.
func (v *Vault) Delete(userID, sessionID string) error {
	return v.db.Update(func(txn *badger.Txn) error {
		key := sessionKey(userID, sessionID)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// ApplySync applies an offline change set and returns the authoritative
// post-sync session list.
func (v *Vault) ApplySync(userID string, changes types.ChangeSet) ([]types.Session, error) {
	for i := range changes.Created {
		if err := v.Upsert(userID, &changes.Created[i]); err != nil {
			return nil, err
		}
	}
	for i := range changes.Updated {
		if err := v.Upsert(userID, &changes.Updated[i]); err != nil {
			return nil, err
		}
	}
	for _, sessionID := range changes.Deleted {
		if err := v.Delete(userID, sessionID); err != nil && !isNotFound(err) {
			return nil, err
		}
	}
	return v.List(userID)
}

// Count returns the number of sessions stored for the user.
func (v *Vault) Count(userID string) (int, error) {
	count := 0
	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(userID)
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

func (v *Vault) seal(session *types.Session, userID string) (*record, error) {
	plain, err := sonic.Marshal(&payload{
		Cookies:            session.Cookies,
		LocalStorageData:   session.LocalStorageData,
		SessionStorageData: session.SessionStorageData,
	})
	if err != nil {
		return nil, err
	}

	sealed, err := v.box.Seal(plain, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt session payload: %w", err)
	}

	return &record{
		ID:         session.ID,
		Name:       session.Name,
		Domain:     session.Domain,
		Origin:     session.Origin,
		FaviconURL: session.FaviconURL,
		Payload:    sealed,
		CreatedAt:  session.CreatedAt,
		UpdatedAt:  session.UpdatedAt,
	}, nil
}

func (v *Vault) open(rec *record, userID string) (*types.Session, error) {
	plain, err := v.box.Open(rec.Payload, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session %s: %w", rec.ID, err)
	}

	var p payload
	if err := sonic.Unmarshal(plain, &p); err != nil {
		return nil, err
	}

	sess := &types.Session{
		ID:                 rec.ID,
		Name:               rec.Name,
		Domain:             rec.Domain,
		Origin:             rec.Origin,
		FaviconURL:         rec.FaviconURL,
		Cookies:            p.Cookies,
		LocalStorageData:   p.LocalStorageData,
		SessionStorageData: p.SessionStorageData,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	sess.Normalize()
	return sess, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound) || errors.Is(err, badger.ErrKeyNotFound)
}

func sessionPrefix(userID string) []byte {
	return []byte("vault/" + userID + "/")
}

func sessionKey(userID, sessionID string) []byte {
	return []byte("vault/" + userID + "/" + sessionID)
}
