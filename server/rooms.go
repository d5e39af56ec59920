package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RoomManager computes and applies the set of streams a session belongs to:
// one domain stream per domain membership, at most one active-channel stream,
// and zero or more inactive-fresh channel streams. Durable timestamps are the
// source of truth; tracker membership is a derived, live-room optimization.
type RoomManager struct {
	logger          *zap.Logger
	sessionRegistry SessionRegistry
	tracker         Tracker
	appStates       AppStateStore
	channels        ChannelStore
	authorizer      Authorizer
}

func NewRoomManager(logger *zap.Logger, sessionRegistry SessionRegistry, tracker Tracker, appStates AppStateStore, channels ChannelStore, authorizer Authorizer) *RoomManager {
	return &RoomManager{
		logger:          logger,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		appStates:       appStates,
		channels:        channels,
		authorizer:      authorizer,
	}
}

// isCaughtUp is the staleness predicate: an identity's view of a channel is
// fresh when a last-accessed timestamp exists and is not older than the
// channel's last event. A timestamp comparison keeps the predicate
// commutative under interleaved switches and broadcasts.
func isCaughtUp(lastAccessed time.Time, ok bool, lastEvent time.Time) bool {
	return ok && !lastAccessed.Before(lastEvent)
}

// freshChannels computes the inactive-fresh set for one domain, excluding the
// channel currently on screen.
func (r *RoomManager) freshChannels(ctx context.Context, identity, domainID, activeChannelID string) ([]string, error) {
	access, err := r.appStates.ListChannelAccess(ctx, identity, domainID)
	if err != nil {
		return nil, err
	}
	// O(channels in domain) scan; an indexed last_event <= last_accessed
	// query would be needed at larger channel counts.
	channels, err := r.channels.GetDomainChannels(ctx, domainID)
	if err != nil {
		return nil, err
	}
	fresh := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch.ID == activeChannelID {
			continue
		}
		accessed, ok := access[ch.ID]
		if isCaughtUp(accessed, ok, ch.LastEvent) {
			fresh = append(fresh, ch.ID)
		}
	}
	return fresh, nil
}

// committed reports whether the session is still the identity's live session.
// Store reads and permission checks suspend; work resumed under an evicted
// session must not apply membership changes over the newer session's state.
func (r *RoomManager) committed(session Session) bool {
	return session.Generation() == r.sessionRegistry.Generation(session.Identity())
}

// TrackInitial reconstructs the session's stream memberships from persisted
// state at connect time and returns the restored app state.
func (r *RoomManager) TrackInitial(ctx context.Context, session Session) (*AppState, error) {
	identity := session.Identity()

	state, err := r.appStates.GetAppState(ctx, identity)
	if err != nil {
		return nil, err
	}

	domainID, channelID := "", ""
	var fresh []string
	if state != nil {
		domainID, channelID = state.CurrentDomain, state.CurrentChannel
		if domainID != "" {
			if fresh, err = r.freshChannels(ctx, identity, domainID, channelID); err != nil {
				return nil, err
			}
		}
	}

	if !r.committed(session) {
		return nil, ErrSessionSuperseded
	}

	ops := make([]*TrackerOp, 0, len(session.Domains())+len(fresh)+1)
	for memberDomainID := range session.Domains() {
		ops = append(ops, &TrackerOp{Stream: PresenceStream{Mode: StreamModeDomain, Subject: memberDomainID}})
	}
	for _, freshChannelID := range fresh {
		ops = append(ops, &TrackerOp{Stream: PresenceStream{Mode: StreamModeChannelIdle, Subject: freshChannelID}})
	}
	if channelID != "" {
		ops = append(ops, &TrackerOp{Stream: PresenceStream{Mode: StreamModeChannel, Subject: channelID}})
	}
	r.tracker.TrackMulti(session.ID(), ops, identity, session.Username())

	session.SetCurrentRoom(domainID, channelID)
	return state, nil
}

// SwitchRoom makes (domainID, channelID) the session's current room. The
// switch resolves and authorizes the target first, persists second, and only
// then rewrites stream membership; a failure at any suspension point leaves
// membership untouched.
func (r *RoomManager) SwitchRoom(ctx context.Context, session Session, domainID, channelID string) error {
	identity := session.Identity()
	oldDomainID, oldChannelID := session.CurrentRoom()

	if domainID == oldDomainID && channelID == oldChannelID {
		// Re-selecting the current room would only churn join/leave pairs
		// that race with themselves.
		return nil
	}

	if channelID != "" {
		channel, err := r.channels.GetChannel(ctx, channelID)
		if err != nil {
			return err
		}
		if channel.DomainID != domainID {
			return NewAPIError(ErrorCodeBadRequest, "channel %v is not in domain %v", channelID, domainID)
		}
		allowed, err := r.authorizer.HasPermission(ctx, identity, channelID, "can_view", domainID)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: channel %v", ErrPermissionDenied, channelID)
		}
	}

	// Leaving the active channel marks it observed up to now, which is what
	// makes it eligible for the inactive-fresh set afterwards.
	now := time.Now().UTC()
	if oldChannelID != "" {
		if err := r.appStates.TouchChannelAccess(ctx, identity, oldDomainID, oldChannelID, now); err != nil {
			return err
		}
	}
	if err := r.appStates.SetCurrentRoom(ctx, identity, domainID, channelID); err != nil {
		return err
	}

	domainChanged := domainID != oldDomainID
	var fresh []string
	if domainChanged && domainID != "" {
		var err error
		if fresh, err = r.freshChannels(ctx, identity, domainID, channelID); err != nil {
			return err
		}
	}

	if !r.committed(session) {
		return ErrSessionSuperseded
	}

	sessionID := session.ID()
	if domainChanged {
		// Leave the old domain stream, the old active channel, and every
		// inactive-fresh stream, then rebuild for the new domain.
		r.tracker.UntrackByMode(sessionID, StreamModeChannel, StreamModeChannelIdle)
		if oldDomainID != "" {
			r.tracker.Untrack(sessionID, PresenceStream{Mode: StreamModeDomain, Subject: oldDomainID})
		}

		ops := make([]*TrackerOp, 0, len(fresh)+2)
		if domainID != "" {
			ops = append(ops, &TrackerOp{Stream: PresenceStream{Mode: StreamModeDomain, Subject: domainID}})
		}
		for _, freshChannelID := range fresh {
			ops = append(ops, &TrackerOp{Stream: PresenceStream{Mode: StreamModeChannelIdle, Subject: freshChannelID}})
		}
		if channelID != "" {
			ops = append(ops, &TrackerOp{Stream: PresenceStream{Mode: StreamModeChannel, Subject: channelID}})
		}
		r.tracker.TrackMulti(sessionID, ops, identity, session.Username())
	} else {
		if oldChannelID != "" {
			r.tracker.Untrack(sessionID, PresenceStream{Mode: StreamModeChannel, Subject: oldChannelID})
			// The channel just left was by definition caught up.
			r.tracker.Track(sessionID, PresenceStream{Mode: StreamModeChannelIdle, Subject: oldChannelID}, identity, session.Username())
		}
		if channelID != "" {
			r.tracker.Untrack(sessionID, PresenceStream{Mode: StreamModeChannelIdle, Subject: channelID})
			r.tracker.Track(sessionID, PresenceStream{Mode: StreamModeChannel, Subject: channelID}, identity, session.Username())
		}
	}

	session.SetCurrentRoom(domainID, channelID)

	r.logger.Debug("Switched room",
		zap.String("identity", identity),
		zap.String("domain_id", domainID),
		zap.String("channel_id", channelID))
	return nil
}

// UntrackAll drops every stream membership for a disconnecting session and,
// best effort, flushes its current channel's last-accessed timestamp so the
// channel counts as observed on the next connect.
func (r *RoomManager) UntrackAll(ctx context.Context, session Session) {
	domainID, channelID := session.CurrentRoom()
	if channelID != "" {
		if err := r.appStates.TouchChannelAccess(ctx, session.Identity(), domainID, channelID, time.Now().UTC()); err != nil {
			// The next connect recomputes freshness from timestamps; a lost
			// flush only costs one redundant staleness signal.
			r.logger.Warn("Failed to flush channel access on disconnect",
				zap.String("identity", session.Identity()), zap.Error(err))
		}
	}
	r.tracker.UntrackAll(session.ID())
}
