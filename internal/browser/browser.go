// Package browser reads and writes live browser state: cookies and the two
// page storage areas. The production implementation speaks the Chrome
// DevTools Protocol; tests use an in-memory fake.
package browser

import (
	"context"

	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// Storage holds full snapshots of both page storage areas for one tab.
type Storage struct {
	Local   map[string]string `json:"local"`
	Session map[string]string `json:"session"`
}

// State is the contract the capture/restore engine depends on.
//
// WriteCookie failures are per-item: the browser may reject individual
// cookies over attribute conflicts, and callers are expected to log and
// continue with the rest. ClearCookies must complete before new cookies
// are written so no stale cookie from a previous identity survives.
// WriteStorage clears both areas before writing: keys absent from the
// given snapshots must not leak from the prior page state.
type State interface {
	ReadCookies(ctx context.Context, domain string) ([]types.Cookie, error)
	WriteCookie(ctx context.Context, cookie types.Cookie) error
	ClearCookies(ctx context.Context, domain string) error
	ReadStorage(ctx context.Context, tabID string) (*Storage, error)
	WriteStorage(ctx context.Context, tabID string, local, session map[string]string) error
}
