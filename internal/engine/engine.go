// Package engine implements session capture and restore: snapshotting
// cookies plus both storage areas into a Session record, and replaying a
// record back into the browser.
//
// Local persistence is the durability boundary: a capture succeeds once the
// local store has it. Remote writes are best-effort; failures land in the
// pending queue for the synchronizer.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quickswitch/quickswitch/internal/browser"
	"github.com/quickswitch/quickswitch/internal/infrastructure/logging"
	"github.com/quickswitch/quickswitch/internal/shared/id"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// LocalStore is the slice of the local store the engine mutates.
type LocalStore interface {
	Get(sessionID string) (*types.Session, error)
	Upsert(session *types.Session) error
	Delete(sessionID string) error
	EnqueuePendingChange(change types.PendingChange) error
	Identity() (*types.AuthIdentity, error)
}

// RemoteStore is the slice of the remote client the engine uses for
// best-effort writes.
type RemoteStore interface {
	Create(ctx context.Context, session *types.Session) error
	Update(ctx context.Context, session *types.Session) error
	Delete(ctx context.Context, sessionID string) error
}

// RestoreReport summarizes a restore's per-cookie outcomes.
type RestoreReport struct {
	CookiesWritten int `json:"cookiesWritten"`
	CookiesSkipped int `json:"cookiesSkipped"` // http-only, no readable value
	CookiesFailed  int `json:"cookiesFailed"`  // rejected by the browser
}

// RestoreOptions tunes a single restore call.
type RestoreOptions struct {
	// SnapshotFirst captures the current state as a new session before any
	// mutation, so the restore is reversible.
	SnapshotFirst bool
}

// Engine coordinates browser state, the local store, and best-effort
// remote writes.
type Engine struct {
	browser browser.State
	store   LocalStore
	remote  RemoteStore
	logger  *logging.Logger
	now     func() time.Time

	// tabs serializes capture/restore per tab: a restore in flight blocks
	// any new capture or restore on the same tab.
	mu   sync.Mutex
	tabs map[string]*sync.Mutex
}

// New creates an engine.
func New(state browser.State, store LocalStore, remote RemoteStore, logger *logging.Logger) *Engine {
	return &Engine{
		browser: state,
		store:   store,
		remote:  remote,
		logger:  logger,
		now:     time.Now,
		tabs:    make(map[string]*sync.Mutex),
	}
}

// Capture snapshots the page at pageURL (shown in tabID) into a new named
// session and persists it locally, then best-effort remotely.
func (e *Engine) Capture(ctx context.Context, pageURL, tabID, name string) (*types.Session, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%q: %w", pageURL, types.ErrInvalidDomain)
	}
	domain := u.Hostname()

	unlock := e.lockTab(tabID)
	defer unlock()

	session, err := e.snapshot(ctx, domain, u.Scheme+"://"+u.Host, tabID, name)
	if err != nil {
		return nil, err
	}

	if err := e.store.Upsert(session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	e.pushCreate(ctx, session)

	e.logger.Info("Captured session",
		zap.String("session_id", session.ID),
		zap.String("domain", domain),
		zap.Int("cookies", len(session.Cookies)),
	)
	return session, nil
}

// Restore replays a session into the tab. The domain guard runs before any
// browser mutation: on mismatch nothing is touched.
func (e *Engine) Restore(ctx context.Context, session *types.Session, tabID, currentDomain string, opts RestoreOptions) (*RestoreReport, error) {
	if currentDomain != session.Domain {
		return nil, fmt.Errorf("current %q vs session %q: %w",
			currentDomain, session.Domain, types.ErrDomainMismatch)
	}
	session.Normalize()

	unlock := e.lockTab(tabID)
	defer unlock()

	if opts.SnapshotFirst {
		preName := fmt.Sprintf("Pre-Restore %s %s", session.Domain, e.now().Format("2006-01-02 15:04"))
		pre, err := e.snapshot(ctx, session.Domain, session.Origin, tabID, preName)
		if err != nil {
			return nil, fmt.Errorf("failed to capture pre-restore snapshot: %w", err)
		}
		if err := e.store.Upsert(pre); err != nil {
			return nil, fmt.Errorf("failed to persist pre-restore snapshot: %w", err)
		}
		e.pushCreate(ctx, pre)
	}

	if err := e.browser.ClearCookies(ctx, session.Domain); err != nil {
		return nil, fmt.Errorf("failed to clear cookies: %w", err)
	}

	report := &RestoreReport{}
	for i := range session.Cookies {
		cookie := &session.Cookies[i]
		if !cookie.Replayable() {
			report.CookiesSkipped++
			e.logger.Debug("Skipping unreadable cookie",
				zap.String("name", cookie.Name),
				zap.String("domain", cookie.Domain),
			)
			continue
		}
		if err := e.browser.WriteCookie(ctx, *cookie); err != nil {
			// Individual rejections never abort the restore.
			report.CookiesFailed++
			e.logger.Warn("Cookie rejected during restore",
				zap.String("name", cookie.Name),
				zap.Error(err),
			)
			continue
		}
		report.CookiesWritten++
	}

	err := e.browser.WriteStorage(ctx, tabID, session.LocalStorageData, session.SessionStorageData)
	if err != nil {
		return report, fmt.Errorf("failed to restore storage: %w", err)
	}

	e.logger.Info("Restored session",
		zap.String("session_id", session.ID),
		zap.String("domain", session.Domain),
		zap.Int("cookies_written", report.CookiesWritten),
		zap.Int("cookies_skipped", report.CookiesSkipped),
		zap.Int("cookies_failed", report.CookiesFailed),
	)
	return report, nil
}

// Rename changes a session's user-facing label.
func (e *Engine) Rename(ctx context.Context, sessionID, name string) (*types.Session, error) {
	session, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	session.Name = name
	session.Touch(e.now())
	if err := e.store.Upsert(session); err != nil {
		return nil, err
	}

	ident, _ := e.store.Identity()
	if !ident.Valid() {
		e.enqueue(types.PendingChange{Kind: types.ChangeUpdated, Session: session})
		return session, nil
	}
	if err := e.remote.Update(ctx, session); err != nil {
		e.logger.Warn("Remote update failed, queued for retry", zap.Error(err))
		e.enqueue(types.PendingChange{Kind: types.ChangeUpdated, Session: session})
	}
	return session, nil
}

// Delete removes a session locally and best-effort remotely.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	if _, err := e.store.Get(sessionID); err != nil {
		return err
	}
	if err := e.store.Delete(sessionID); err != nil {
		return err
	}

	ident, _ := e.store.Identity()
	if !ident.Valid() {
		e.enqueue(types.PendingChange{Kind: types.ChangeDeleted, SessionID: sessionID})
		return nil
	}
	if err := e.remote.Delete(ctx, sessionID); err != nil {
		e.logger.Warn("Remote delete failed, queued for retry", zap.Error(err))
		e.enqueue(types.PendingChange{Kind: types.ChangeDeleted, SessionID: sessionID})
	}
	return nil
}

// AutoCapture snapshots without naming or remote sync, for the per-domain
// auto-save slot.
func (e *Engine) AutoCapture(ctx context.Context, pageURL, tabID string) (*types.Session, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%q: %w", pageURL, types.ErrInvalidDomain)
	}

	unlock := e.lockTab(tabID)
	defer unlock()

	return e.snapshot(ctx, u.Hostname(), u.Scheme+"://"+u.Host, tabID, "Auto-save "+u.Hostname())
}

// snapshot reads browser state and assembles a fresh Session record.
func (e *Engine) snapshot(ctx context.Context, domain, origin, tabID, name string) (*types.Session, error) {
	cookies, err := e.browser.ReadCookies(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	storage, err := e.browser.ReadStorage(ctx, tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage: %w", err)
	}

	now := e.now()
	session := &types.Session{
		ID:                 id.Session(),
		Name:               name,
		Domain:             domain,
		Origin:             origin,
		FaviconURL:         fmt.Sprintf("https://www.google.com/s2/favicons?domain=%s&sz=32", domain),
		Cookies:            cookies,
		LocalStorageData:   storage.Local,
		SessionStorageData: storage.Session,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	session.Normalize()
	return session, nil
}

// pushCreate sends a new session to the remote store, queueing it when
// offline or unauthenticated. Never fails the surrounding operation.
func (e *Engine) pushCreate(ctx context.Context, session *types.Session) {
	ident, _ := e.store.Identity()
	if !ident.Valid() {
		e.enqueue(types.PendingChange{Kind: types.ChangeCreated, Session: session})
		return
	}
	if err := e.remote.Create(ctx, session); err != nil {
		e.logger.Warn("Remote create failed, queued for retry",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		e.enqueue(types.PendingChange{Kind: types.ChangeCreated, Session: session})
	}
}

func (e *Engine) enqueue(change types.PendingChange) {
	if err := e.store.EnqueuePendingChange(change); err != nil {
		e.logger.Error("Failed to enqueue pending change", zap.Error(err))
	}
}

func (e *Engine) lockTab(tabID string) func() {
	e.mu.Lock()
	lock, ok := e.tabs[tabID]
	if !ok {
		lock = &sync.Mutex{}
		e.tabs[tabID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
