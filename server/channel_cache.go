package server

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	channelCacheExpiry  = 5 * time.Minute
	channelCacheCleanup = 10 * time.Minute
)

// ChannelCache fronts the channel record store with a short-lived cache.
// Freshness advances go through the cache so the cached last_event never
// lags a write made by this process.
type ChannelCache struct {
	store ChannelStore
	cache *cache.Cache
}

func NewChannelCache(store ChannelStore) *ChannelCache {
	return &ChannelCache{
		store: store,
		cache: cache.New(channelCacheExpiry, channelCacheCleanup),
	}
}

func (c *ChannelCache) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	if cached, ok := c.cache.Get(channelID); ok {
		return cached.(*Channel), nil
	}
	ch, err := c.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(channelID, ch, cache.DefaultExpiration)
	return ch, nil
}

func (c *ChannelCache) GetDomainChannels(ctx context.Context, domainID string) ([]*Channel, error) {
	channels, err := c.store.GetDomainChannels(ctx, domainID)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		c.cache.Set(ch.ID, ch, cache.DefaultExpiration)
	}
	return channels, nil
}

func (c *ChannelCache) AdvanceLastEvent(ctx context.Context, channelID string, at time.Time) error {
	if err := c.store.AdvanceLastEvent(ctx, channelID, at); err != nil {
		return err
	}
	if cached, ok := c.cache.Get(channelID); ok {
		ch := *cached.(*Channel)
		if at.After(ch.LastEvent) {
			ch.LastEvent = at
		}
		c.cache.Set(channelID, &ch, cache.DefaultExpiration)
	}
	return nil
}

func (c *ChannelCache) MoveChannelToIndex(ctx context.Context, domainID, channelID string, index int) error {
	if err := c.store.MoveChannelToIndex(ctx, domainID, channelID, index); err != nil {
		return err
	}
	// Positions shifted for siblings too, drop the whole domain's entries.
	c.cache.Flush()
	return nil
}

var _ ChannelStore = (*ChannelCache)(nil)
