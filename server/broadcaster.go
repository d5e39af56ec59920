package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MessageSink queues one envelope for delivery. Both a single session and a
// whole stream satisfy it, so callers can address "the author's connection,
// or the channel if the author is offline" uniformly.
type MessageSink interface {
	Send(envelope *Envelope, reliable bool) error
}

type streamSink struct {
	router MessageRouter
	stream PresenceStream
	logger *zap.Logger
}

func (s *streamSink) Send(envelope *Envelope, reliable bool) error {
	s.router.SendToStream(s.logger, s.stream, envelope, "", reliable)
	return nil
}

// EmitOptions adjust a single channel event broadcast.
type EmitOptions struct {
	// ExcludeIdentity skips the event author, who observes the mutation
	// through its request/response side channel.
	ExcludeIdentity string
	// CountsAsEvent is true for events that advance the channel's freshness
	// clock and flip caught-up viewers to stale. Coalesced aggregates and
	// cosmetic updates pass false.
	CountsAsEvent bool
}

// PayloadFn builds the full event envelope for active viewers, given the
// channel's domain for enrichment.
type PayloadFn func(domainID string) *Envelope

// ChannelEventBroadcaster is the single entry point business features use to
// announce channel activity.
type ChannelEventBroadcaster struct {
	logger          *zap.Logger
	metrics         Metrics
	sessionRegistry SessionRegistry
	tracker         Tracker
	router          MessageRouter
	channels        ChannelStore
}

func NewChannelEventBroadcaster(logger *zap.Logger, metrics Metrics, sessionRegistry SessionRegistry, tracker Tracker, router MessageRouter, channels ChannelStore) *ChannelEventBroadcaster {
	return &ChannelEventBroadcaster{
		logger:          logger,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		router:          router,
		channels:        channels,
	}
}

// EmitChannelEvent delivers the full event to the channel's active viewers
// and a lightweight activity signal to its caught-up-but-inactive viewers.
// When the event counts as activity it advances the channel's freshness clock
// and purges the inactive-fresh stream, so each identity receives exactly one
// staleness signal per catch-up cycle.
func (b *ChannelEventBroadcaster) EmitChannelEvent(ctx context.Context, channelID string, payloadFn PayloadFn, opts EmitOptions) error {
	channel, err := b.channels.GetChannel(ctx, channelID)
	if err != nil {
		// Unknown channel (or a failed lookup): no mutation, no broadcast.
		return err
	}

	activeStream := PresenceStream{Mode: StreamModeChannel, Subject: channelID}
	idleStream := PresenceStream{Mode: StreamModeChannelIdle, Subject: channelID}

	activity := &Envelope{Activity: &Activity{
		DomainID:   channel.DomainID,
		ChannelID:  channelID,
		MarkUnseen: opts.CountsAsEvent,
	}}
	b.router.SendToStream(b.logger, idleStream, activity, opts.ExcludeIdentity, true)
	b.metrics.CountActivitySignals(1)

	if envelope := payloadFn(channel.DomainID); envelope != nil {
		b.router.SendToStream(b.logger, activeStream, envelope, opts.ExcludeIdentity, true)
		b.metrics.CountBroadcasts(1)
	}

	if opts.CountsAsEvent {
		if err := b.channels.AdvanceLastEvent(ctx, channelID, time.Now().UTC()); err != nil {
			// The event already went out; a stale freshness clock self-heals
			// on the next counted event, so log rather than retry.
			b.logger.Error("Failed to advance channel freshness",
				zap.String("channel_id", channelID), zap.Error(err))
		}
		// Everyone in the inactive-fresh stream now has a stale view. Drop
		// them from the stream so the next event does not ping them again;
		// their durable timestamps already classify the channel as stale.
		b.tracker.ClearStream(idleStream)
	}

	return nil
}

// GetConnectionOrFallback resolves a delivery sink for an identity. When the
// identity has no live session the channel's active stream acts as the sink
// so the notification is never silently dropped.
func (b *ChannelEventBroadcaster) GetConnectionOrFallback(identity, channelID string) MessageSink {
	if identity != "" {
		if session := b.sessionRegistry.Lookup(identity); session != nil {
			return session
		}
	}
	return &streamSink{
		router: b.router,
		stream: PresenceStream{Mode: StreamModeChannel, Subject: channelID},
		logger: b.logger,
	}
}
