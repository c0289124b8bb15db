// Package account manages user accounts and bearer tokens for the sync
// backend. Passwords are bcrypt-hashed; tokens are opaque random strings
// with a TTL, stored alongside the accounts.
package account

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/quickswitch/quickswitch/internal/shared/types"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const minPasswordLength = 8

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// token is a stored bearer credential.
type token struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager performs registration, login, and token verification.
type Manager struct {
	db       *badger.DB
	tokenTTL time.Duration
}

// NewManager creates a manager over the given database.
func NewManager(db *badger.DB, tokenTTL time.Duration) *Manager {
	return &Manager{db: db, tokenTTL: tokenTTL}
}

// Register creates an account and returns the user with a fresh token.
func (m *Manager) Register(email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, "", fmt.Errorf("invalid email address: %w", types.ErrValidation)
	}
	if len(password) < minPasswordLength {
		return nil, "", fmt.Errorf("password must be at least %d characters: %w",
			minPasswordLength, types.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}

	data, err := sonic.Marshal(user)
	if err != nil {
		return nil, "", err
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		key := userKey(email)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("email already registered: %w", types.ErrValidation)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, "", err
	}

	tok, err := m.issueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, tok, nil
}

// Login checks credentials and returns the user with a fresh token.
func (m *Manager) Login(email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := m.userByEmail(email)
	if err != nil {
		return nil, "", fmt.Errorf("invalid credentials: %w", types.ErrUnauthenticated)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", fmt.Errorf("invalid credentials: %w", types.ErrUnauthenticated)
	}

	tok, err := m.issueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, tok, nil
}

// Verify resolves a bearer token to its user ID.
func (m *Manager) Verify(tok string) (string, error) {
	var stored token
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(tok))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return sonic.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return "", types.ErrUnauthenticated
	}
	if time.Now().After(stored.ExpiresAt) {
		return "", types.ErrUnauthenticated
	}
	return stored.UserID, nil
}

// Get returns a user by ID.
func (m *Manager) Get(userID string) (*User, error) {
	var user *User
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("user/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var u User
			err := it.Item().Value(func(val []byte) error {
				return sonic.Unmarshal(val, &u)
			})
			if err != nil {
				return err
			}
			if u.ID == userID {
				user = &u
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	return user, nil
}

func (m *Manager) userByEmail(email string) (*User, error) {
	var user User
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(email))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return sonic.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (m *Manager) issueToken(userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(raw)

	data, err := sonic.Marshal(&token{
		UserID:    userID,
		ExpiresAt: time.Now().Add(m.tokenTTL),
	})
	if err != nil {
		return "", err
	}

	// The badger TTL purges the record once it lapses; the in-record
	// ExpiresAt check in Verify covers badger's second-level granularity.
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(tokenKey(tok), data).WithTTL(m.tokenTTL))
	})
	if err != nil {
		return "", err
	}
	return tok, nil
}

func userKey(email string) []byte {
	return []byte("user/" + email)
}

func tokenKey(tok string) []byte {
	return []byte("token/" + tok)
}
