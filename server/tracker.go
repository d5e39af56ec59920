package server

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TrackerOp pairs a stream with the presence fields to record in it.
type TrackerOp struct {
	Stream   PresenceStream
	Username string
}

// Tracker maintains which sessions belong to which broadcast streams. It is
// the in-memory, derived view of room membership; durable timestamps remain
// the source of truth.
type Tracker interface {
	Stop()
	Count() int

	// Track adds the session to a stream. Tracking a StreamModeChannel
	// stream first drops any other active-channel membership the session
	// holds, so a session views at most one channel at a time.
	Track(sessionID uuid.UUID, stream PresenceStream, identity, username string) bool
	TrackMulti(sessionID uuid.UUID, ops []*TrackerOp, identity, username string)
	Untrack(sessionID uuid.UUID, stream PresenceStream)
	// UntrackByMode removes the session from every stream with one of the
	// given modes.
	UntrackByMode(sessionID uuid.UUID, modes ...uint8)
	UntrackAll(sessionID uuid.UUID)
	// ClearStream removes every presence from the stream and returns them.
	ClearStream(stream PresenceStream) []*Presence

	IsTracked(sessionID uuid.UUID, stream PresenceStream) bool
	ListByStream(stream PresenceStream) []*Presence
	// ListSessionStreams returns every stream the session is a member of.
	ListSessionStreams(sessionID uuid.UUID) []PresenceStream
	CountByStream(stream PresenceStream) int
}

// LocalTracker keeps stream membership in process memory guarded by a single
// RWMutex; every mutation is a map operation, never a suspension point.
type LocalTracker struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics Metrics

	presencesByStream  map[uint8]map[PresenceStream]map[uuid.UUID]*Presence
	presencesBySession map[uuid.UUID]map[PresenceStream]*Presence
	count              *atomic.Int64

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func StartLocalTracker(logger *zap.Logger, metrics Metrics) Tracker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	t := &LocalTracker{
		logger:  logger,
		metrics: metrics,

		presencesByStream:  make(map[uint8]map[PresenceStream]map[uuid.UUID]*Presence),
		presencesBySession: make(map[uuid.UUID]map[PresenceStream]*Presence),
		count:              atomic.NewInt64(0),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	go t.reportGauges()

	return t
}

func (t *LocalTracker) reportGauges() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.metrics.GaugePresences(float64(t.count.Load()))
		}
	}
}

func (t *LocalTracker) Stop() {
	t.ctxCancelFn()
}

func (t *LocalTracker) Count() int {
	return int(t.count.Load())
}

func (t *LocalTracker) Track(sessionID uuid.UUID, stream PresenceStream, identity, username string) bool {
	t.Lock()
	defer t.Unlock()
	return t.trackLocked(sessionID, stream, identity, username)
}

func (t *LocalTracker) TrackMulti(sessionID uuid.UUID, ops []*TrackerOp, identity, username string) {
	t.Lock()
	defer t.Unlock()
	for _, op := range ops {
		name := op.Username
		if name == "" {
			name = username
		}
		t.trackLocked(sessionID, op.Stream, identity, name)
	}
}

func (t *LocalTracker) trackLocked(sessionID uuid.UUID, stream PresenceStream, identity, username string) bool {
	if stream.Mode == StreamModeChannel {
		// One on-screen channel per session. Drop any prior active-channel
		// membership before installing the new one.
		for existing := range t.presencesBySession[sessionID] {
			if existing.Mode == StreamModeChannel && existing != stream {
				t.untrackLocked(sessionID, existing)
			}
		}
	}

	bySession, ok := t.presencesBySession[sessionID]
	if !ok {
		bySession = make(map[PresenceStream]*Presence)
		t.presencesBySession[sessionID] = bySession
	}
	if _, exists := bySession[stream]; exists {
		return false
	}

	p := &Presence{
		SessionID: sessionID,
		Identity:  identity,
		Username:  username,
		Stream:    stream,
	}
	bySession[stream] = p

	byStreamMode, ok := t.presencesByStream[stream.Mode]
	if !ok {
		byStreamMode = make(map[PresenceStream]map[uuid.UUID]*Presence)
		t.presencesByStream[stream.Mode] = byStreamMode
	}
	byStream, ok := byStreamMode[stream]
	if !ok {
		byStream = make(map[uuid.UUID]*Presence)
		byStreamMode[stream] = byStream
	}
	byStream[sessionID] = p
	t.count.Inc()
	return true
}

func (t *LocalTracker) Untrack(sessionID uuid.UUID, stream PresenceStream) {
	t.Lock()
	defer t.Unlock()
	t.untrackLocked(sessionID, stream)
}

func (t *LocalTracker) untrackLocked(sessionID uuid.UUID, stream PresenceStream) {
	bySession, ok := t.presencesBySession[sessionID]
	if !ok {
		return
	}
	if _, exists := bySession[stream]; !exists {
		return
	}
	delete(bySession, stream)
	if len(bySession) == 0 {
		delete(t.presencesBySession, sessionID)
	}

	byStreamMode := t.presencesByStream[stream.Mode]
	byStream := byStreamMode[stream]
	delete(byStream, sessionID)
	if len(byStream) == 0 {
		delete(byStreamMode, stream)
		if len(byStreamMode) == 0 {
			delete(t.presencesByStream, stream.Mode)
		}
	}
	t.count.Dec()
}

func (t *LocalTracker) UntrackByMode(sessionID uuid.UUID, modes ...uint8) {
	t.Lock()
	defer t.Unlock()
	for stream := range t.presencesBySession[sessionID] {
		for _, mode := range modes {
			if stream.Mode == mode {
				t.untrackLocked(sessionID, stream)
				break
			}
		}
	}
}

func (t *LocalTracker) UntrackAll(sessionID uuid.UUID) {
	t.Lock()
	defer t.Unlock()
	for stream := range t.presencesBySession[sessionID] {
		t.untrackLocked(sessionID, stream)
	}
}

func (t *LocalTracker) ClearStream(stream PresenceStream) []*Presence {
	t.Lock()
	defer t.Unlock()

	byStream, ok := t.presencesByStream[stream.Mode][stream]
	if !ok {
		return nil
	}
	removed := make([]*Presence, 0, len(byStream))
	for sessionID, p := range byStream {
		removed = append(removed, p)
		t.untrackLocked(sessionID, stream)
	}
	return removed
}

func (t *LocalTracker) IsTracked(sessionID uuid.UUID, stream PresenceStream) bool {
	t.RLock()
	defer t.RUnlock()
	_, ok := t.presencesBySession[sessionID][stream]
	return ok
}

func (t *LocalTracker) ListByStream(stream PresenceStream) []*Presence {
	t.RLock()
	defer t.RUnlock()
	byStream := t.presencesByStream[stream.Mode][stream]
	presences := make([]*Presence, 0, len(byStream))
	for _, p := range byStream {
		presences = append(presences, p)
	}
	return presences
}

func (t *LocalTracker) ListSessionStreams(sessionID uuid.UUID) []PresenceStream {
	t.RLock()
	defer t.RUnlock()
	bySession := t.presencesBySession[sessionID]
	streams := make([]PresenceStream, 0, len(bySession))
	for stream := range bySession {
		streams = append(streams, stream)
	}
	return streams
}

func (t *LocalTracker) CountByStream(stream PresenceStream) int {
	t.RLock()
	defer t.RUnlock()
	return len(t.presencesByStream[stream.Mode][stream])
}
