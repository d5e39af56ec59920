package server

import (
	"context"

	"go.uber.org/zap"
)

// PresencePublisher marks identities online/offline in durable state and
// announces join/leave to their domain streams.
type PresencePublisher struct {
	logger    *zap.Logger
	tracker   Tracker
	router    MessageRouter
	appStates AppStateStore
	channels  ChannelStore
}

func NewPresencePublisher(logger *zap.Logger, tracker Tracker, router MessageRouter, appStates AppStateStore, channels ChannelStore) *PresencePublisher {
	return &PresencePublisher{
		logger:    logger,
		tracker:   tracker,
		router:    router,
		appStates: appStates,
		channels:  channels,
	}
}

// AnnounceOnline flags the identity online and broadcasts user-joined to
// every domain the identity belongs to, excluding its own connection.
func (p *PresencePublisher) AnnounceOnline(ctx context.Context, session Session) {
	identity := session.Identity()
	if err := p.appStates.SetOnline(ctx, identity, true); err != nil {
		p.logger.Warn("Failed to mark identity online", zap.String("identity", identity), zap.Error(err))
	}

	for domainID := range session.Domains() {
		p.router.SendToStream(p.logger, PresenceStream{Mode: StreamModeDomain, Subject: domainID}, &Envelope{
			UserJoined: &UserPresence{Identity: identity, DomainID: domainID, Username: session.Username()},
		}, identity, true)
	}
}

// AnnounceOffline flags the identity offline, tears down any live RTC room
// participation, and broadcasts user-left to the identity's domain streams.
// Durable writes are best effort: the session is gone either way.
func (p *PresencePublisher) AnnounceOffline(ctx context.Context, session Session) {
	identity := session.Identity()

	// Leaving an audio/video room is a pure connection-lifecycle side
	// effect, announced to the room and its domain before the generic
	// domain-wide leave.
	for _, stream := range p.tracker.ListSessionStreams(session.ID()) {
		if stream.Mode != StreamModeRTC {
			continue
		}
		p.announceRTCLeft(ctx, session, stream.Subject)
	}

	if err := p.appStates.SetOnline(ctx, identity, false); err != nil {
		p.logger.Warn("Failed to mark identity offline", zap.String("identity", identity), zap.Error(err))
	}

	for domainID := range session.Domains() {
		p.router.SendToStream(p.logger, PresenceStream{Mode: StreamModeDomain, Subject: domainID}, &Envelope{
			UserLeft: &UserPresence{Identity: identity, DomainID: domainID, Username: session.Username()},
		}, identity, true)
	}
}

// JoinRTC adds the session to an RTC room's participant stream and announces
// the join to the room and its domain.
func (p *PresencePublisher) JoinRTC(ctx context.Context, session Session, roomID string) error {
	channel, err := p.channels.GetChannel(ctx, roomID)
	if err != nil {
		return err
	}

	stream := PresenceStream{Mode: StreamModeRTC, Subject: roomID}
	if !p.tracker.Track(session.ID(), stream, session.Identity(), session.Username()) {
		return nil
	}

	joined := &Envelope{RTCJoined: &RTCParticipant{RoomID: roomID, DomainID: channel.DomainID, Identity: session.Identity()}}
	p.router.SendToStream(p.logger, stream, joined, session.Identity(), true)
	p.router.SendToStream(p.logger, PresenceStream{Mode: StreamModeDomain, Subject: channel.DomainID}, joined, session.Identity(), true)
	return nil
}

// LeaveRTC removes the session from an RTC room's participant stream.
func (p *PresencePublisher) LeaveRTC(ctx context.Context, session Session, roomID string) error {
	stream := PresenceStream{Mode: StreamModeRTC, Subject: roomID}
	if !p.tracker.IsTracked(session.ID(), stream) {
		return nil
	}
	p.announceRTCLeft(ctx, session, roomID)
	return nil
}

func (p *PresencePublisher) announceRTCLeft(ctx context.Context, session Session, roomID string) {
	p.tracker.Untrack(session.ID(), PresenceStream{Mode: StreamModeRTC, Subject: roomID})

	left := &Envelope{RTCLeft: &RTCParticipant{RoomID: roomID, Identity: session.Identity()}}
	p.router.SendToStream(p.logger, PresenceStream{Mode: StreamModeRTC, Subject: roomID}, left, session.Identity(), true)

	channel, err := p.channels.GetChannel(ctx, roomID)
	if err != nil {
		p.logger.Debug("Could not resolve RTC room's domain for leave announce",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}
	left.RTCLeft.DomainID = channel.DomainID
	p.router.SendToStream(p.logger, PresenceStream{Mode: StreamModeDomain, Subject: channel.DomainID}, left, session.Identity(), true)
}
