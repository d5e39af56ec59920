package server

import (
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewSocketWsAcceptor returns the HTTP handler that upgrades connections,
// authenticates the bearer token, installs the session (evicting any prior
// one for the identity), restores room memberships from persisted state, and
// runs the session's read loop.
func NewSocketWsAcceptor(logger *zap.Logger, config *Config, sessionRegistry SessionRegistry, tracker Tracker, rooms *RoomManager, presence *PresencePublisher, appStates AppStateStore, metrics Metrics, pipeline *Pipeline) http.HandlerFunc {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.Socket.ReadBufferSizeBytes,
		WriteBufferSize: config.Socket.WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is already sent by the upgrader.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		identity, username, err := VerifySessionToken(config.Session, token)
		if err != nil {
			// The auth failure is signalled on the socket before closing so
			// the client can distinguish it from a network drop.
			rejectSocket(logger, config, conn, &Envelope{Error: &ErrorMessage{
				Message: err.Error(),
				Code:    ErrorCodeUnauthorized,
			}})
			return
		}

		ctx := r.Context()
		domains, err := appStates.GetDomains(ctx, identity)
		if err != nil {
			logger.Error("Failed to load domain memberships", zap.String("identity", identity), zap.Error(err))
			rejectSocket(logger, config, conn, &Envelope{Error: &ErrorMessage{
				Message: "failed to load account state",
				Code:    ErrorCodeInternal,
			}})
			return
		}

		sessionID := uuid.Must(uuid.NewV4())
		generation := sessionRegistry.NextGeneration(identity)
		session := NewSessionWS(logger, config, sessionID, identity, username, generation, domains, conn, sessionRegistry, rooms, presence, metrics, pipeline)

		evicted, registered := sessionRegistry.Register(session)
		if !registered {
			// A newer connection for the identity won the registration race.
			// This session was never installed so it gets a plain rejection,
			// not the full disconnect path.
			rejectSocket(logger, config, conn, &Envelope{Error: &ErrorMessage{
				Message: ErrSessionSuperseded.Error(),
				Code:    ErrorCodeBadRequest,
			}})
			return
		}
		if evicted != nil {
			// Single session per identity: terminate the older transport,
			// which runs its ordinary disconnect path.
			evicted.Close("session superseded by a newer connection", &Envelope{Error: &ErrorMessage{
				Message: ErrSessionSuperseded.Error(),
				Code:    ErrorCodeBadRequest,
			}})
		}

		state, err := rooms.TrackInitial(ctx, session)
		if err != nil {
			if errors.Is(err, ErrSessionSuperseded) {
				session.Close("")
				return
			}
			logger.Error("Failed to restore room memberships", zap.String("identity", identity), zap.Error(err))
			session.Close("failed to restore room memberships", &Envelope{Error: &ErrorMessage{
				Message: "failed to restore session state",
				Code:    ErrorCodeInternal,
			}})
			return
		}

		presence.AnnounceOnline(ctx, session)

		sendInitialState(session, tracker, state)

		session.(*sessionWS).Consume()
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// rejectSocket writes one final envelope and closes the raw connection; the
// session was never registered.
func rejectSocket(logger *zap.Logger, config *Config, conn *websocket.Conn, envelope *Envelope) {
	if err := conn.WriteJSON(envelope); err != nil {
		logger.Debug("Could not write rejection envelope", zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		logger.Debug("Could not close rejected connection", zap.Error(err))
	}
}

// sendInitialState pushes the restored app state and the online presence set
// of every domain the identity belongs to.
func sendInitialState(session Session, tracker Tracker, state *AppState) {
	sync := &AppStateSync{}
	if state != nil {
		sync.CurrentDomain = state.CurrentDomain
		sync.CurrentChannel = state.CurrentChannel
		sync.Data = state.Data
	}
	if err := session.Send(&Envelope{AppState: sync}, true); err != nil {
		return
	}

	seen := make(map[string]struct{})
	for domainID := range session.Domains() {
		for _, p := range tracker.ListByStream(PresenceStream{Mode: StreamModeDomain, Subject: domainID}) {
			if p.Identity == session.Identity() {
				continue
			}
			if _, ok := seen[p.Identity+"\x00"+domainID]; ok {
				continue
			}
			seen[p.Identity+"\x00"+domainID] = struct{}{}
			if err := session.Send(&Envelope{UserJoined: &UserPresence{
				Identity: p.Identity,
				DomainID: domainID,
				Username: p.Username,
			}}, true); err != nil {
				return
			}
		}
	}
}
