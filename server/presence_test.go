package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceOnlineReachesDomainPeers(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()

	peer, err := core.connect(ctx, "peer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	outsider, err := core.connect(ctx, "outsider", map[string]string{"domain-2": "member"})
	require.NoError(t, err)

	joiner, err := core.connect(ctx, "joiner", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	core.presence.AnnounceOnline(ctx, joiner)

	sent := peer.sentEnvelopes()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].UserJoined)
	assert.Equal(t, "joiner", sent[0].UserJoined.Identity)
	assert.Equal(t, "domain-1", sent[0].UserJoined.DomainID)

	// The joiner does not hear its own announcement, and other domains
	// are untouched.
	assert.Empty(t, joiner.sentEnvelopes())
	assert.Empty(t, outsider.sentEnvelopes())
	assert.True(t, core.store.online["joiner"])
}

func TestAnnounceOfflineTearsDownRTC(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("room-1", "domain-1", time.Now().UTC())

	peer, err := core.connect(ctx, "peer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)

	leaver, err := core.connect(ctx, "leaver", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.presence.JoinRTC(ctx, leaver, "room-1"))

	core.presence.AnnounceOffline(ctx, leaver)

	assert.False(t, core.tracker.IsTracked(leaver.ID(), PresenceStream{Mode: StreamModeRTC, Subject: "room-1"}))
	assert.False(t, core.store.online["leaver"])

	// Peers observe the RTC join, the RTC leave, and the user-left, in
	// that order.
	sent := peer.sentEnvelopes()
	require.Len(t, sent, 3)
	require.NotNil(t, sent[0].RTCJoined)
	assert.Equal(t, "room-1", sent[0].RTCJoined.RoomID)
	require.NotNil(t, sent[1].RTCLeft)
	assert.Equal(t, "room-1", sent[1].RTCLeft.RoomID)
	assert.Equal(t, "domain-1", sent[1].RTCLeft.DomainID)
	require.NotNil(t, sent[2].UserLeft)
	assert.Equal(t, "leaver", sent[2].UserLeft.Identity)
}

func TestJoinRTCUnknownRoom(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()

	session, err := core.connect(ctx, "user-1", map[string]string{"domain-1": "member"})
	require.NoError(t, err)

	err = core.presence.JoinRTC(ctx, session, "room-missing")
	require.ErrorIs(t, err, ErrChannelNotFound)
	assert.False(t, core.tracker.IsTracked(session.ID(), PresenceStream{Mode: StreamModeRTC, Subject: "room-missing"}))
}

func TestJoinRTCIdempotent(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("room-1", "domain-1", time.Now().UTC())

	peer, err := core.connect(ctx, "peer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)

	session, err := core.connect(ctx, "user-1", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.presence.JoinRTC(ctx, session, "room-1"))
	require.NoError(t, core.presence.JoinRTC(ctx, session, "room-1"))

	// Re-joining the same room announces once.
	assert.Len(t, peer.sentEnvelopes(), 1)
}

func TestLeaveRTCNotParticipating(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("room-1", "domain-1", time.Now().UTC())

	peer, err := core.connect(ctx, "peer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)

	session, err := core.connect(ctx, "user-1", map[string]string{"domain-1": "member"})
	require.NoError(t, err)

	require.NoError(t, core.presence.LeaveRTC(ctx, session, "room-1"))
	assert.Empty(t, peer.sentEnvelopes())
}

func TestRTCRoomPeersHearEachOther(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("room-1", "domain-2", time.Now().UTC())

	// In the room but not in the room's domain: still hears room traffic.
	participant, err := core.connect(ctx, "participant", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.presence.JoinRTC(ctx, participant, "room-1"))

	second, err := core.connect(ctx, "second", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.presence.JoinRTC(ctx, second, "room-1"))

	sent := participant.sentEnvelopes()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].RTCJoined)
	assert.Equal(t, "second", sent[0].RTCJoined.Identity)

	require.NoError(t, core.presence.LeaveRTC(ctx, second, "room-1"))
	sent = participant.sentEnvelopes()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[1].RTCLeft)
	assert.Equal(t, "second", sent[1].RTCLeft.Identity)
}
