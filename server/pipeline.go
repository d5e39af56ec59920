package server

import (
	"errors"

	"go.uber.org/zap"
)

// Pipeline dispatches client control envelopes to the real-time core. One
// invocation runs per received message; the per-connection read loop gives
// per-identity serialization for free.
type Pipeline struct {
	logger      *zap.Logger
	config      *Config
	rooms       *RoomManager
	presence    *PresencePublisher
	appStates   AppStateStore
	broadcaster *ChannelEventBroadcaster
}

func NewPipeline(logger *zap.Logger, config *Config, rooms *RoomManager, presence *PresencePublisher, appStates AppStateStore, broadcaster *ChannelEventBroadcaster) *Pipeline {
	return &Pipeline{
		logger:      logger,
		config:      config,
		rooms:       rooms,
		presence:    presence,
		appStates:   appStates,
		broadcaster: broadcaster,
	}
}

// ProcessRequest handles one client envelope. The return value reports
// whether the session's read loop should continue; operation failures are
// answered with an error envelope and never terminate the loop.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, envelope *Envelope) bool {
	ctx := session.Context()

	var err error
	switch {
	case envelope.SwitchRoom != nil:
		err = p.rooms.SwitchRoom(ctx, session, envelope.SwitchRoom.DomainID, envelope.SwitchRoom.ChannelID)
	case envelope.UpdateAppState != nil:
		err = p.appStates.MergeAppData(ctx, session.Identity(), envelope.UpdateAppState.Data)
	case envelope.JoinRTC != nil:
		err = p.presence.JoinRTC(ctx, session, envelope.JoinRTC.RoomID)
	case envelope.LeaveRTC != nil:
		err = p.presence.LeaveRTC(ctx, session, envelope.LeaveRTC.RoomID)
	default:
		err = ErrEnvelopeUnexpected
	}

	if err == nil {
		return true
	}
	if errors.Is(err, ErrSessionSuperseded) {
		// A newer connection owns this identity now; stop quietly and let
		// the eviction close path run.
		return false
	}

	logger.Warn("Request failed", zap.Error(err))
	response := &Envelope{
		Cid:   envelope.Cid,
		Error: &ErrorMessage{Message: err.Error(), Code: ErrorCode(err)},
	}
	if sendErr := session.Send(response, true); sendErr != nil {
		logger.Warn("Could not send error response", zap.Error(sendErr))
	}
	return true
}
