package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type sessionWS struct {
	sync.Mutex
	logger     *zap.Logger
	config     *Config
	id         uuid.UUID
	identity   string
	username   *atomic.String
	generation int64
	domains    map[string]string

	currentDomain  string
	currentChannel string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	wsMessageType      int
	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	sessionRegistry SessionRegistry
	rooms           *RoomManager
	presence        *PresencePublisher
	metrics         Metrics
	pipeline        *Pipeline

	stopped                bool
	conn                   *websocket.Conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan []byte
	closeMu                sync.Mutex
}

func NewSessionWS(logger *zap.Logger, config *Config, sessionID uuid.UUID, identity, username string, generation int64, domains map[string]string, conn *websocket.Conn, sessionRegistry SessionRegistry, rooms *RoomManager, presence *PresencePublisher, metrics Metrics, pipeline *Pipeline) Session {
	sessionLogger := logger.With(zap.String("sid", sessionID.String()), zap.String("identity", identity))
	sessionLogger.Info("New WebSocket session connected")

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	if domains == nil {
		domains = make(map[string]string)
	}

	return &sessionWS{
		logger:     sessionLogger,
		config:     config,
		id:         sessionID,
		identity:   identity,
		username:   atomic.NewString(username),
		generation: generation,
		domains:    domains,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		wsMessageType:      websocket.TextMessage,
		pingPeriodDuration: config.Socket.GetPingPeriod(),
		pongWaitDuration:   config.Socket.GetPongWait(),
		writeWaitDuration:  config.Socket.GetWriteWait(),

		sessionRegistry: sessionRegistry,
		rooms:           rooms,
		presence:        presence,
		metrics:         metrics,
		pipeline:        pipeline,

		stopped:                false,
		conn:                   conn,
		receivedMessageCounter: config.Socket.PingBackoffThreshold,
		pingTimer:              time.NewTimer(config.Socket.GetPingPeriod()),
		pingTimerCAS:           atomic.NewUint32(1),
		outgoingCh:             make(chan []byte, config.Socket.OutgoingQueueSize),
	}
}

func (s *sessionWS) Logger() *zap.Logger { return s.logger }

func (s *sessionWS) ID() uuid.UUID { return s.id }

func (s *sessionWS) Identity() string { return s.identity }

func (s *sessionWS) Username() string { return s.username.Load() }

func (s *sessionWS) Generation() int64 { return s.generation }

func (s *sessionWS) Domains() map[string]string { return s.domains }

func (s *sessionWS) CurrentRoom() (string, string) {
	s.Lock()
	defer s.Unlock()
	return s.currentDomain, s.currentChannel
}

func (s *sessionWS) SetCurrentRoom(domainID, channelID string) {
	s.Lock()
	defer s.Unlock()
	s.currentDomain = domainID
	s.currentChannel = channelID
}

func (s *sessionWS) Context() context.Context {
	s.Lock()
	defer s.Unlock()
	return s.ctx
}

// Consume runs the session's ordered read loop until the connection drops.
// Messages for one identity are processed strictly in arrival order.
func (s *sessionWS) Consume() {
	s.conn.SetReadLimit(s.config.Socket.MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		go s.Close("failed to set initial read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	var reason string

IncomingLoop:
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" WebSocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore underlying connection being shut down while read is waiting for data.
				if e, ok := err.(*net.OpError); !ok || e.Err.Error() != "use of closed network connection" {
					s.logger.Debug("Error reading message from client", zap.Error(err))
					reason = err.Error()
				}
			}
			break
		}
		if messageType != s.wsMessageType {
			// Expected text but received binary; a client mixing protocol
			// modes is disconnected immediately.
			s.logger.Debug("Received unexpected WebSocket message type", zap.Int("expected", s.wsMessageType), zap.Int("actual", messageType))
			reason = "received unexpected WebSocket message type"
			break
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = s.config.Socket.PingBackoffThreshold
			if !s.maybeResetPingTimer() {
				reason = "error updating ping timer"
				break
			}
		}

		request := &Envelope{}
		if err := json.Unmarshal(data, request); err != nil {
			// A malformed payload means an incompatible or misbehaving
			// client, disconnect it now.
			s.logger.Warn("Received malformed payload", zap.Binary("data", data))
			reason = "received malformed payload"
			break
		}

		requestLogger := s.logger
		if request.Cid != "" {
			requestLogger = s.logger.With(zap.String("cid", request.Cid))
		}
		if !s.pipeline.ProcessRequest(requestLogger, s, request) {
			reason = "error processing message"
			break IncomingLoop
		}

		s.metrics.Message(int64(len(data)), false)
	}

	if reason != "" {
		s.metrics.Message(0, true)
	}

	s.Close(reason)
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline")
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	var reason string
	s.Lock()
	ctx := s.ctx
	s.Unlock()
OutgoingLoop:
	for {
		select {
		case <-ctx.Done():
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				reason = msg
				break OutgoingLoop
			}
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				// The connection may have stopped between the payload being
				// queued and reaching here.
				s.Unlock()
				break OutgoingLoop
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
				s.Unlock()
				s.logger.Warn("Failed to set write deadline", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			if err := s.conn.WriteMessage(s.wsMessageType, payload); err != nil {
				s.Unlock()
				s.logger.Warn("Could not write message", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			s.Unlock()

			s.metrics.MessageBytesSent(int64(len(payload)))
		}
	}
	s.Close(reason)
}

func (s *sessionWS) pingNow() (string, bool) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return "", false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
		s.Unlock()
		s.logger.Warn("Could not set write deadline to ping", zap.Error(err))
		return err.Error(), false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping", zap.Error(err))
		return err.Error(), false
	}
	return "", true
}

func (s *sessionWS) Send(envelope *Envelope, reliable bool) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn("Could not marshal envelope", zap.Error(err))
		return err
	}
	return s.SendBytes(payload, reliable)
}

func (s *sessionWS) SendBytes(payload []byte, reliable bool) error {
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		// The outgoing queue is full, likely because the remote client can't
		// keep up. Terminate the connection immediately: silently dropping
		// messages would leave the client with an inconsistent view.
		s.logger.Warn("Could not write message, session outgoing queue full")
		// Close in a goroutine as the method can block.
		go s.Close(ErrSessionQueueFull.Error())
		return ErrSessionQueueFull
	}
}

func (s *sessionWS) CloseLock() {
	s.closeMu.Lock()
}

func (s *sessionWS) CloseUnlock() {
	s.closeMu.Unlock()
}

func (s *sessionWS) Close(msg string, envelopes ...*Envelope) {
	s.CloseLock()
	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()
	s.CloseUnlock()

	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	// Disconnect-time durable writes run under their own deadline; the
	// session context is already cancelled.
	cleanupCtx, cleanupCancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanupCancelFn()

	// Best effort: membership cleanup and the offline announce must not keep
	// the registry slot alive even when durable writes fail.
	s.presence.AnnounceOffline(cleanupCtx, s)
	s.rooms.UntrackAll(cleanupCtx, s)
	s.sessionRegistry.Remove(s.identity, s.id)

	// Clean up internals.
	s.pingTimer.Stop()

	// A forced disconnect carries a final envelope explaining why.
	for _, envelope := range envelopes {
		payload, err := json.Marshal(envelope)
		if err != nil {
			s.logger.Warn("Could not marshal envelope", zap.Error(err))
			continue
		}
		s.Lock()
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
			s.Unlock()
			s.logger.Warn("Failed to set write deadline", zap.Error(err))
			continue
		}
		if err := s.conn.WriteMessage(s.wsMessageType, payload); err != nil {
			s.Unlock()
			s.logger.Warn("Could not write message", zap.Error(err))
			continue
		}
		s.Unlock()
	}

	// Send close message.
	if err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(s.writeWaitDuration)); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	// Close WebSocket.
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}

	if msg != "" {
		s.logger.Info("Closed client connection", zap.String("reason", msg))
	} else {
		s.logger.Info("Closed client connection")
	}
}
