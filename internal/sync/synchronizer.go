// Package sync reconciles the local session store with the remote one.
//
// A cycle walks Idle → Draining → Pulling → Merging → Idle. Remote
// failures park work in the pending queue and transition through Failed;
// local data is never discarded because a cycle went wrong. Merging is
// last-write-wins on UpdatedAt with ties kept local, which makes a repeat
// run with no intervening writes a no-op.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quickswitch/quickswitch/internal/infrastructure/logging"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// State is the synchronizer's externally visible phase.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StatePulling
	StateMerging
	StateFailed
)

// String returns the state name for logs and status endpoints.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StatePulling:
		return "pulling"
	case StateMerging:
		return "merging"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LocalStore is the slice of the local store the synchronizer drives.
type LocalStore interface {
	GetAll() ([]types.Session, error)
	ReplaceAll(sessions []types.Session) error
	EnqueuePendingChange(change types.PendingChange) error
	DrainPendingChanges() ([]types.PendingChange, error)
	Identity() (*types.AuthIdentity, error)
}

// RemoteStore is the slice of the remote client the synchronizer drives.
type RemoteStore interface {
	Create(ctx context.Context, session *types.Session) error
	Update(ctx context.Context, session *types.Session) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]types.Session, error)
	BulkSync(ctx context.Context, changes types.ChangeSet) ([]types.Session, error)
}

// Result summarizes one sync cycle.
type Result struct {
	Skipped     bool      `json:"skipped"` // unauthenticated or already running
	Drained     int       `json:"drained"`
	Requeued    int       `json:"requeued"`
	RemoteCount int       `json:"remoteCount"`
	MergedCount int       `json:"mergedCount"`
	CompletedAt time.Time `json:"completedAt"`
}

// Synchronizer serializes sync cycles over the two stores.
type Synchronizer struct {
	local  LocalStore
	remote RemoteStore
	logger *logging.Logger

	state   atomic.Int32
	running sync.Mutex

	lastResult sync.Mutex
	last       *Result
}

// New creates a synchronizer.
func New(local LocalStore, remote RemoteStore, logger *logging.Logger) *Synchronizer {
	return &Synchronizer{local: local, remote: remote, logger: logger}
}

// State returns the current phase.
func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

// LastResult returns the most recent completed cycle, or nil.
func (s *Synchronizer) LastResult() *Result {
	s.lastResult.Lock()
	defer s.lastResult.Unlock()
	return s.last
}

// Run executes one sync cycle. A trigger arriving while a cycle is in
// flight is dropped, which keeps cycles serialized.
func (s *Synchronizer) Run(ctx context.Context) (*Result, error) {
	if !s.running.TryLock() {
		s.logger.Debug("Sync already in flight, dropping trigger")
		return &Result{Skipped: true}, nil
	}
	defer s.running.Unlock()

	result, err := s.cycle(ctx)

	s.lastResult.Lock()
	s.last = result
	s.lastResult.Unlock()

	return result, err
}

func (s *Synchronizer) cycle(ctx context.Context) (*Result, error) {
	result := &Result{CompletedAt: time.Now()}

	// Local-only mode is a valid terminal state, not an error.
	ident, err := s.local.Identity()
	if err != nil {
		return nil, err
	}
	if !ident.Valid() {
		result.Skipped = true
		s.state.Store(int32(StateIdle))
		return result, nil
	}

	s.state.Store(int32(StateDraining))

	deleted, remote, err := s.drain(ctx, result)
	if err != nil {
		s.fail("drain", err)
		return result, err
	}

	s.state.Store(int32(StatePulling))
	if remote == nil {
		remote, err = s.remote.List(ctx)
		if err != nil {
			if errors.Is(err, types.ErrUnauthenticated) {
				// Token went stale mid-cycle: fall back to local-only.
				result.Skipped = true
				s.state.Store(int32(StateIdle))
				return result, nil
			}
			s.fail("pull", err)
			return result, err
		}
	}
	result.RemoteCount = len(remote)

	s.state.Store(int32(StateMerging))
	local, err := s.local.GetAll()
	if err != nil {
		s.fail("merge", err)
		return result, err
	}

	merged := Merge(local, remote, deleted)
	if err := s.local.ReplaceAll(merged); err != nil {
		s.fail("merge", err)
		return result, err
	}
	result.MergedCount = len(merged)
	s.state.Store(int32(StateIdle))

	s.logger.Info("Sync cycle complete",
		zap.Int("drained", result.Drained),
		zap.Int("requeued", result.Requeued),
		zap.Int("remote", result.RemoteCount),
		zap.Int("merged", result.MergedCount),
	)

	result.CompletedAt = time.Now()
	return result, nil
}

// drain applies all pending changes against the remote store. Failures are
// re-enqueued in their original relative order for the next cycle. The
// returned set holds the IDs of deletions the client itself issued, so the
// merge will not resurrect them from the remote list.
//
// Multi-entry queues go through the bulk endpoint in one round trip; its
// response is the authoritative session list and replaces the pull. A batch
// the backend rejects outright falls back to per-item application so a
// single poison entry cannot wedge the rest.
func (s *Synchronizer) drain(ctx context.Context, result *Result) (map[string]bool, []types.Session, error) {
	changes, err := s.local.DrainPendingChanges()
	if err != nil {
		return nil, nil, err
	}

	deleted := make(map[string]bool)

	if len(changes) > 1 {
		set := changeSet(changes)
		authoritative, err := s.remote.BulkSync(ctx, set)
		switch {
		case err == nil:
			result.Drained += len(changes)
			for _, sessionID := range set.Deleted {
				deleted[sessionID] = true
			}
			if authoritative == nil {
				authoritative = []types.Session{}
			}
			return deleted, authoritative, nil
		case errors.Is(err, types.ErrUnauthenticated) || types.IsRetryable(err):
			result.Requeued += len(changes)
			for _, change := range changes {
				if qerr := s.local.EnqueuePendingChange(change); qerr != nil {
					return nil, nil, qerr
				}
			}
			return deleted, nil, nil
		default:
			s.logger.Warn("Bulk drain rejected, retrying per item", zap.Error(err))
		}
	}

	for _, change := range changes {
		if err := s.apply(ctx, change); err != nil {
			if errors.Is(err, types.ErrUnauthenticated) || types.IsRetryable(err) {
				result.Requeued++
				if qerr := s.local.EnqueuePendingChange(change); qerr != nil {
					return nil, nil, qerr
				}
				continue
			}
			// Non-retryable rejections (validation, not-found) are dropped:
			// retrying them forever would wedge the queue.
			s.logger.Warn("Dropping unretryable pending change",
				zap.String("kind", string(change.Kind)),
				zap.String("session_id", change.ID()),
				zap.Error(err),
			)
			continue
		}
		result.Drained++
		if change.Kind == types.ChangeDeleted {
			deleted[change.SessionID] = true
		}
	}
	return deleted, nil, nil
}

// changeSet groups pending changes for the bulk endpoint, keeping each
// entry under its original kind.
func changeSet(changes []types.PendingChange) types.ChangeSet {
	var set types.ChangeSet
	for _, change := range changes {
		switch change.Kind {
		case types.ChangeCreated:
			set.Created = append(set.Created, *change.Session)
		case types.ChangeUpdated:
			set.Updated = append(set.Updated, *change.Session)
		case types.ChangeDeleted:
			set.Deleted = append(set.Deleted, change.SessionID)
		}
	}
	return set
}

func (s *Synchronizer) apply(ctx context.Context, change types.PendingChange) error {
	switch change.Kind {
	case types.ChangeCreated:
		return s.remote.Create(ctx, change.Session)
	case types.ChangeUpdated:
		return s.remote.Update(ctx, change.Session)
	case types.ChangeDeleted:
		err := s.remote.Delete(ctx, change.SessionID)
		if errors.Is(err, types.ErrNotFound) {
			return nil // already gone remotely
		}
		return err
	default:
		return nil
	}
}

// fail records the Failed state. It stays visible to status readers until
// the next cycle starts, so a failed manual sync is observable after the
// fact.
func (s *Synchronizer) fail(phase string, err error) {
	s.state.Store(int32(StateFailed))
	s.logger.Warn("Sync cycle failed, local data untouched",
		zap.String("phase", phase),
		zap.Error(err),
	)
}

// Merge reconciles the two session sets by last-write-wins on UpdatedAt.
//
// Remote sessions unknown locally are adopted. For shared IDs the strictly
// newer record wins; ties keep the local one to avoid overwrite churn.
// Local-only sessions survive: absence from the remote list means
// not-yet-synced, not remotely deleted - except for IDs in clientDeleted,
// which this client removed itself during the drain phase.
//
// The result is deterministic and idempotent: Merge(Merge(L,R),R) equals
// Merge(L,R).
func Merge(local, remote []types.Session, clientDeleted map[string]bool) []types.Session {
	byID := make(map[string]types.Session, len(local))
	order := make([]string, 0, len(local)+len(remote))

	for _, sess := range local {
		if clientDeleted[sess.ID] {
			continue
		}
		byID[sess.ID] = sess
		order = append(order, sess.ID)
	}

	for _, sess := range remote {
		if clientDeleted[sess.ID] {
			continue
		}
		existing, ok := byID[sess.ID]
		if !ok {
			byID[sess.ID] = sess
			order = append(order, sess.ID)
			continue
		}
		if sess.UpdatedAt.After(existing.UpdatedAt) {
			byID[sess.ID] = sess
		}
	}

	merged := make([]types.Session, 0, len(order))
	for _, sessionID := range order {
		sess := byID[sessionID]
		sess.Normalize()
		merged = append(merged, sess)
	}
	return merged
}
