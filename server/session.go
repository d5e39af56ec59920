package server

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Stream modes partition tracked presences by what the membership means.
const (
	// StreamModeDomain carries domain-wide presence and generic notifications.
	StreamModeDomain uint8 = iota + 1
	// StreamModeChannel is the single channel currently on-screen; members
	// receive full event payloads.
	StreamModeChannel
	// StreamModeChannelIdle holds channels the identity is caught up on but
	// not viewing; members are skipped for redundant staleness signals.
	StreamModeChannelIdle
	// StreamModeRTC is a live audio/video room's participant set.
	StreamModeRTC
)

// PresenceStream identifies one broadcast group.
type PresenceStream struct {
	Mode    uint8
	Subject string
}

// Presence is one session's membership in one stream.
type Presence struct {
	SessionID uuid.UUID
	Identity  string
	Username  string
	Stream    PresenceStream
}

// Session represents one live client connection. At most one Session exists
// per identity; a reconnect evicts the previous one.
type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	Identity() string
	Username() string
	// Generation is the registry's per-identity session counter captured at
	// registration. In-flight work compares it against the registry's current
	// value before committing membership changes.
	Generation() int64
	// Domains maps every domain the identity belongs to onto its role.
	Domains() map[string]string

	// CurrentRoom returns the domain and channel currently on-screen. Only
	// the handler owning this identity's logical turn mutates it.
	CurrentRoom() (domainID, channelID string)
	SetCurrentRoom(domainID, channelID string)

	Context() context.Context

	Send(envelope *Envelope, reliable bool) error
	SendBytes(payload []byte, reliable bool) error

	// CloseLock prevents the session from starting its close sequence while
	// membership bookkeeping that references it is in progress.
	CloseLock()
	CloseUnlock()
	Close(msg string, envelopes ...*Envelope)
}
