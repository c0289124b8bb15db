package types

import "time"

// Cookie is a single browser cookie captured for a session.
//
// Value is a pointer because http-only cookies cannot be read back by the
// capturing side: they are recorded with a nil Value for reference and are
// skipped on restore.
type Cookie struct {
	Name           string   `json:"name"`
	Value          *string  `json:"value"`
	Domain         string   `json:"domain"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	HTTPOnly       bool     `json:"httpOnly"`
	SameSite       string   `json:"sameSite,omitempty"`
	ExpirationDate *float64 `json:"expirationDate,omitempty"`
}

// Replayable reports whether the cookie can be written back to a browser.
func (c *Cookie) Replayable() bool {
	return c.Value != nil
}

// Session is a named capture of a site's authentication state: cookies plus
// full snapshots of localStorage and sessionStorage.
//
// ID is immutable once assigned and is the merge key across devices.
// UpdatedAt is the sole tie-breaker for sync conflicts and must advance on
// every content change.
type Session struct {
	ID                 string            `json:"sessionId"`
	Name               string            `json:"sessionName"`
	Domain             string            `json:"domain"`
	Origin             string            `json:"origin"`
	FaviconURL         string            `json:"faviconUrl,omitempty"`
	Cookies            []Cookie          `json:"cookies"`
	LocalStorageData   map[string]string `json:"localStorageData"`
	SessionStorageData map[string]string `json:"sessionStorageData"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Normalize replaces nil collections with empty ones so that a restore of
// the session always clears state it does not specify.
func (s *Session) Normalize() {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	if s.LocalStorageData == nil {
		s.LocalStorageData = map[string]string{}
	}
	if s.SessionStorageData == nil {
		s.SessionStorageData = map[string]string{}
	}
}

// Touch advances UpdatedAt, keeping it monotone even against clock skew.
func (s *Session) Touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	} else {
		s.UpdatedAt = s.UpdatedAt.Add(time.Millisecond)
	}
}

// ChangeKind discriminates pending change variants.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// PendingChange is a local mutation not yet confirmed by the remote store.
// Created/Updated carry the full session; Deleted carries only the ID.
type PendingChange struct {
	Kind      ChangeKind `json:"kind"`
	Session   *Session   `json:"session,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// ID returns the session ID the change refers to, regardless of kind.
func (p *PendingChange) ID() string {
	if p.Session != nil {
		return p.Session.ID
	}
	return p.SessionID
}

// ChangeSet groups offline changes for the bulk sync endpoint.
type ChangeSet struct {
	Created []Session `json:"created"`
	Updated []Session `json:"updated"`
	Deleted []string  `json:"deleted"`
}

// Empty reports whether the change set carries no work.
func (c *ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// AuthIdentity is the opaque capability needed to reach the remote store.
type AuthIdentity struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Token  string `json:"token"`
}

// Valid reports whether the identity can authenticate remote calls.
func (a *AuthIdentity) Valid() bool {
	return a != nil && a.Token != ""
}
