package server

import (
	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionRegistry is the process-wide map from identity to its single live
// session.
type SessionRegistry interface {
	Stop()
	Count() int
	// Get retrieves a session by its session ID.
	Get(sessionID uuid.UUID) Session
	// Lookup retrieves the live session for an identity, if any.
	Lookup(identity string) Session
	// Register installs session as the identity's live session and returns
	// the previous session if one was still registered. Registration is
	// atomic with respect to Lookup, which is what makes the single-session
	// invariant race free; the caller force-disconnects the evicted session.
	// Registration is refused when a session with a newer generation already
	// holds the identity, so two racing connects cannot end with the older
	// one installed, or with none at all.
	Register(session Session) (evicted Session, registered bool)
	// Remove drops the registration only if sessionID still matches the
	// identity's current session. A stale disconnect handler racing a fast
	// reconnect must not remove the newer session.
	Remove(identity string, sessionID uuid.UUID)
	// NextGeneration advances and returns the identity's session generation.
	// Called once per new session before it registers.
	NextGeneration(identity string) int64
	// Generation returns the identity's current session generation. Work
	// started under an older generation must discard its results.
	Generation(identity string) int64
	Range(fn func(session Session) bool)
}

// LocalSessionRegistry keeps all sessions in process memory.
type LocalSessionRegistry struct {
	logger  *zap.Logger
	metrics Metrics

	sessionsByIdentity *MapOf[string, Session]
	sessionsByID       *MapOf[uuid.UUID, Session]
	generations        *MapOf[string, *atomic.Int64]
	sessionCount       *atomic.Int32
}

func NewLocalSessionRegistry(logger *zap.Logger, metrics Metrics) SessionRegistry {
	return &LocalSessionRegistry{
		logger:  logger,
		metrics: metrics,

		sessionsByIdentity: &MapOf[string, Session]{},
		sessionsByID:       &MapOf[uuid.UUID, Session]{},
		generations:        &MapOf[string, *atomic.Int64]{},
		sessionCount:       atomic.NewInt32(0),
	}
}

// Stop force-disconnects every live session as part of server shutdown.
func (r *LocalSessionRegistry) Stop() {
	r.Range(func(session Session) bool {
		session.Close("server shutting down")
		return true
	})
}

func (r *LocalSessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessionsByID.Load(sessionID)
	if !ok {
		return nil
	}
	return session
}

func (r *LocalSessionRegistry) Lookup(identity string) Session {
	session, ok := r.sessionsByIdentity.Load(identity)
	if !ok {
		return nil
	}
	return session
}

func (r *LocalSessionRegistry) NextGeneration(identity string) int64 {
	gen, _ := r.generations.LoadOrStore(identity, atomic.NewInt64(0))
	return gen.Inc()
}

func (r *LocalSessionRegistry) Generation(identity string) int64 {
	gen, ok := r.generations.Load(identity)
	if !ok {
		return 0
	}
	return gen.Load()
}

func (r *LocalSessionRegistry) Register(session Session) (Session, bool) {
	identity := session.Identity()

	var evicted Session
	for {
		current, ok := r.sessionsByIdentity.Load(identity)
		if ok && current.Generation() > session.Generation() {
			// A newer connection already won the identity.
			r.logger.Debug("Refused stale session registration",
				zap.String("sid", session.ID().String()),
				zap.String("identity", identity),
				zap.Int64("generation", session.Generation()))
			return nil, false
		}
		if !ok {
			if _, loaded := r.sessionsByIdentity.LoadOrStore(identity, session); !loaded {
				break
			}
			continue
		}
		if r.sessionsByIdentity.CompareAndSwap(identity, current, session) {
			if current.ID() != session.ID() {
				evicted = current
			}
			break
		}
	}

	r.sessionsByID.Store(session.ID(), session)

	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))

	r.logger.Debug("Session registered",
		zap.String("sid", session.ID().String()),
		zap.String("identity", identity),
		zap.Int64("generation", session.Generation()))

	if evicted != nil {
		r.metrics.CountSessionsEvicted(1)
	}
	return evicted, true
}

func (r *LocalSessionRegistry) Remove(identity string, sessionID uuid.UUID) {
	r.sessionsByID.Delete(sessionID)

	if current, ok := r.sessionsByIdentity.Load(identity); ok && current.ID() == sessionID {
		r.sessionsByIdentity.CompareAndDelete(identity, current)
	}

	count := r.sessionCount.Dec()
	r.metrics.GaugeSessions(float64(count))

	r.logger.Debug("Session removed",
		zap.String("sid", sessionID.String()),
		zap.String("identity", identity))
}

func (r *LocalSessionRegistry) Range(fn func(session Session) bool) {
	r.sessionsByID.Range(func(id uuid.UUID, session Session) bool {
		return fn(session)
	})
}
