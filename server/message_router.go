package server

import (
	"encoding/json"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MessageRouter delivers envelopes to sessions by stream or presence list.
type MessageRouter interface {
	SendToPresences(logger *zap.Logger, presences []*Presence, envelope *Envelope, reliable bool)
	// SendToStream delivers to every member of the stream. excludeIdentity
	// skips that identity's presence, typically the event's author.
	SendToStream(logger *zap.Logger, stream PresenceStream, envelope *Envelope, excludeIdentity string, reliable bool)
}

// LocalMessageRouter resolves presences to in-process sessions and queues
// the payload on each session's outgoing channel.
type LocalMessageRouter struct {
	sessionRegistry SessionRegistry
	tracker         Tracker
}

func NewLocalMessageRouter(sessionRegistry SessionRegistry, tracker Tracker) MessageRouter {
	return &LocalMessageRouter{
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
	}
}

func (r *LocalMessageRouter) SendToPresences(logger *zap.Logger, presences []*Presence, envelope *Envelope, reliable bool) {
	if len(presences) == 0 {
		return
	}

	// Marshal once, deliver many.
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	for _, presence := range presences {
		session := r.sessionRegistry.Get(presence.SessionID)
		if session == nil {
			logger.Debug("No session to route to", zap.String("sid", presence.SessionID.String()))
			continue
		}
		if err := session.SendBytes(payload, reliable); err != nil {
			logger.Error("Failed to route message", zap.String("sid", presence.SessionID.String()), zap.Error(err))
		}
	}
}

func (r *LocalMessageRouter) SendToStream(logger *zap.Logger, stream PresenceStream, envelope *Envelope, excludeIdentity string, reliable bool) {
	presences := r.tracker.ListByStream(stream)
	if excludeIdentity != "" {
		presences = lo.Filter(presences, func(p *Presence, _ int) bool {
			return p.Identity != excludeIdentity
		})
	}
	r.SendToPresences(logger, presences, envelope, reliable)
}
