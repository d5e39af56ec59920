package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatchHandler defines how one event kind accumulates and flushes.
type BatchHandler struct {
	// Create builds a fresh accumulator from the first event's args.
	Create func(args ...any) any
	// Add folds one event's args into the accumulator.
	Add func(acc any, args ...any)
	// Emit performs the single aggregated broadcast for the window.
	Emit func(ctx context.Context, acc any)
}

type batchKey struct {
	kind string
	key  string
}

type pendingBatch struct {
	acc   any
	timer *time.Timer
}

// EventBatcher coalesces rapid same-shape events addressed to one target
// into a single broadcast per flush window. Accumulation is in-memory and
// best effort; a crash drops pending batches, which the next fetch of the
// authoritative state makes good.
type EventBatcher struct {
	sync.Mutex
	logger   *zap.Logger
	metrics  Metrics
	window   time.Duration
	handlers map[string]*BatchHandler
	pending  map[batchKey]*pendingBatch

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewEventBatcher(logger *zap.Logger, metrics Metrics, config *BatcherConfig) *EventBatcher {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &EventBatcher{
		logger:   logger,
		metrics:  metrics,
		window:   config.GetFlushWindow(),
		handlers: make(map[string]*BatchHandler),
		pending:  make(map[batchKey]*pendingBatch),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

// RegisterHandler installs the accumulate/flush behavior for an event kind.
// Called during startup wiring, before any EmitBatched for that kind.
func (b *EventBatcher) RegisterHandler(kind string, handler *BatchHandler) {
	b.Lock()
	defer b.Unlock()
	b.handlers[kind] = handler
}

// EmitBatched folds one event into the (kind, key) accumulator, creating it
// and scheduling its single delayed flush if this is the first event in a
// quiet window.
func (b *EventBatcher) EmitBatched(kind, key string, args ...any) error {
	b.Lock()
	defer b.Unlock()

	handler, ok := b.handlers[kind]
	if !ok {
		return fmt.Errorf("%w: %v", ErrBatchKindUnknown, kind)
	}

	bk := batchKey{kind: kind, key: key}
	if batch, ok := b.pending[bk]; ok {
		handler.Add(batch.acc, args...)
		return nil
	}

	batch := &pendingBatch{acc: handler.Create(args...)}
	batch.timer = time.AfterFunc(b.window, func() { b.flush(bk, handler) })
	b.pending[bk] = batch
	handler.Add(batch.acc, args...)
	return nil
}

func (b *EventBatcher) flush(bk batchKey, handler *BatchHandler) {
	b.Lock()
	batch, ok := b.pending[bk]
	if ok {
		delete(b.pending, bk)
	}
	b.Unlock()
	if !ok {
		return
	}

	handler.Emit(b.ctx, batch.acc)
	b.metrics.CountBatchFlushes(1)
}

// Stop cancels the flush context and discards pending batches.
func (b *EventBatcher) Stop() {
	b.ctxCancelFn()
	b.Lock()
	defer b.Unlock()
	for bk, batch := range b.pending {
		batch.timer.Stop()
		delete(b.pending, bk)
	}
}

// ReactionAggregate is the accumulator for coalesced reaction deltas on one
// message.
type ReactionAggregate struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Delta     int    `json:"delta"`
}

// NewReactionBatchHandler coalesces reaction add/remove events into one net
// delta per message per window. The aggregate does not count as channel
// activity: reactions refresh open views without flipping anyone stale.
// Args: channelID, messageID, emoji string, delta int.
func NewReactionBatchHandler(logger *zap.Logger, broadcaster *ChannelEventBroadcaster) *BatchHandler {
	return &BatchHandler{
		Create: func(args ...any) any {
			return &ReactionAggregate{
				ChannelID: args[0].(string),
				MessageID: args[1].(string),
				Emoji:     args[2].(string),
			}
		},
		Add: func(acc any, args ...any) {
			acc.(*ReactionAggregate).Delta += args[3].(int)
		},
		Emit: func(ctx context.Context, acc any) {
			aggregate := acc.(*ReactionAggregate)
			payload, err := json.Marshal(aggregate)
			if err != nil {
				logger.Error("Could not marshal reaction aggregate", zap.Error(err))
				return
			}
			err = broadcaster.EmitChannelEvent(ctx, aggregate.ChannelID, func(domainID string) *Envelope {
				return &Envelope{ChannelEvent: &ChannelEvent{
					Kind:      "reactions",
					DomainID:  domainID,
					ChannelID: aggregate.ChannelID,
					Payload:   payload,
				}}
			}, EmitOptions{CountsAsEvent: false})
			if err != nil {
				logger.Warn("Failed to flush reaction batch",
					zap.String("channel_id", aggregate.ChannelID), zap.Error(err))
			}
		},
	}
}
