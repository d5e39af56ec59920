package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBatcher(core *testCore, windowMs int) *EventBatcher {
	batcher := NewEventBatcher(zap.NewNop(), NewLocalMetrics(), &BatcherConfig{FlushWindowMs: windowMs})
	batcher.RegisterHandler("reactions", NewReactionBatchHandler(zap.NewNop(), core.broadcaster))
	return batcher
}

func reactionEvents(t *testing.T, session *testSession) []*ReactionAggregate {
	t.Helper()
	var out []*ReactionAggregate
	for _, envelope := range session.sentEnvelopes() {
		require.NotNil(t, envelope.ChannelEvent)
		require.Equal(t, "reactions", envelope.ChannelEvent.Kind)
		aggregate := &ReactionAggregate{}
		require.NoError(t, json.Unmarshal(envelope.ChannelEvent.Payload, aggregate))
		out = append(out, aggregate)
	}
	return out
}

func TestBatcherCoalescesIntoNetDelta(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("chan-1", "domain-1", time.Now().UTC())

	viewer, err := core.connect(ctx, "viewer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.rooms.SwitchRoom(ctx, viewer, "domain-1", "chan-1"))

	batcher := newTestBatcher(core, 50)
	defer batcher.Stop()

	// A burst of adds and removes inside one window.
	for i := 0; i < 3; i++ {
		require.NoError(t, batcher.EmitBatched("reactions", "msg-1:thumbsup", "chan-1", "msg-1", "thumbsup", 1))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, batcher.EmitBatched("reactions", "msg-1:thumbsup", "chan-1", "msg-1", "thumbsup", -1))
	}

	assert.Empty(t, viewer.sentEnvelopes())

	require.Eventually(t, func() bool {
		return len(viewer.sentEnvelopes()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	aggregates := reactionEvents(t, viewer)
	require.Len(t, aggregates, 1)
	assert.Equal(t, "msg-1", aggregates[0].MessageID)
	assert.Equal(t, "thumbsup", aggregates[0].Emoji)
	assert.Equal(t, 1, aggregates[0].Delta)
}

func TestBatcherSeparateKeysFlushSeparately(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("chan-1", "domain-1", time.Now().UTC())

	viewer, err := core.connect(ctx, "viewer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.rooms.SwitchRoom(ctx, viewer, "domain-1", "chan-1"))

	batcher := newTestBatcher(core, 50)
	defer batcher.Stop()

	require.NoError(t, batcher.EmitBatched("reactions", "msg-1:thumbsup", "chan-1", "msg-1", "thumbsup", 1))
	require.NoError(t, batcher.EmitBatched("reactions", "msg-2:heart", "chan-1", "msg-2", "heart", 1))

	require.Eventually(t, func() bool {
		return len(viewer.sentEnvelopes()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	aggregates := reactionEvents(t, viewer)
	messageIDs := []string{aggregates[0].MessageID, aggregates[1].MessageID}
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, messageIDs)
}

func TestBatcherDoesNotFlipViewersStale(t *testing.T) {
	core := newTestCore()
	base := time.Now().UTC().Add(-time.Hour)
	core.store.addChannel("chan-1", "domain-1", base)

	idler := connectIdle(t, core, "idler", base.Add(time.Minute))

	batcher := newTestBatcher(core, 50)
	defer batcher.Stop()

	require.NoError(t, batcher.EmitBatched("reactions", "msg-1:thumbsup", "chan-1", "msg-1", "thumbsup", 1))

	require.Eventually(t, func() bool {
		return len(idler.sentEnvelopes()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// The aggregate does not count as channel activity.
	sent := idler.sentEnvelopes()
	require.NotNil(t, sent[0].Activity)
	assert.False(t, sent[0].Activity.MarkUnseen)
	assert.Equal(t, base, core.store.channels["chan-1"].LastEvent)
	assert.True(t, core.tracker.IsTracked(idler.ID(), PresenceStream{Mode: StreamModeChannelIdle, Subject: "chan-1"}))
}

func TestBatcherUnknownKind(t *testing.T) {
	core := newTestCore()
	batcher := newTestBatcher(core, 50)
	defer batcher.Stop()

	err := batcher.EmitBatched("typing", "chan-1", "chan-1")
	require.ErrorIs(t, err, ErrBatchKindUnknown)
}

func TestBatcherStopDiscardsPending(t *testing.T) {
	core := newTestCore()
	ctx := context.Background()
	core.store.addChannel("chan-1", "domain-1", time.Now().UTC())

	viewer, err := core.connect(ctx, "viewer", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	require.NoError(t, core.rooms.SwitchRoom(ctx, viewer, "domain-1", "chan-1"))

	batcher := newTestBatcher(core, 50)
	require.NoError(t, batcher.EmitBatched("reactions", "msg-1:thumbsup", "chan-1", "msg-1", "thumbsup", 1))
	batcher.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, viewer.sentEnvelopes())
}
