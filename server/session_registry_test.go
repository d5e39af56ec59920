package server

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionRegistryRegisterAndLookup(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), NewLocalMetrics())

	session := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	evicted, registered := registry.Register(session)
	require.True(t, registered)
	require.Nil(t, evicted)

	assert.Equal(t, 1, registry.Count())
	assert.Equal(t, session.ID(), registry.Lookup("user-1").ID())
	require.NotNil(t, registry.Get(session.ID()))
	assert.Nil(t, registry.Lookup("user-2"))
	assert.Nil(t, registry.Get(uuid.Must(uuid.NewV4())))
}

func TestSessionRegistryReplacementEvictsPrior(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), NewLocalMetrics())

	first := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	evicted, registered := registry.Register(first)
	require.True(t, registered)
	require.Nil(t, evicted)

	second := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	evicted, registered = registry.Register(second)

	require.True(t, registered)
	require.NotNil(t, evicted)
	assert.Equal(t, first.ID(), evicted.ID())
	assert.Equal(t, second.ID(), registry.Lookup("user-1").ID())
}

func TestSessionRegistryRemoveIgnoresStaleSessionID(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), NewLocalMetrics())

	first := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	_, _ = registry.Register(first)
	second := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	_, _ = registry.Register(second)

	// A disconnect handler for the evicted session must not remove the
	// newer registration.
	registry.Remove("user-1", first.ID())
	require.NotNil(t, registry.Lookup("user-1"))
	assert.Equal(t, second.ID(), registry.Lookup("user-1").ID())

	registry.Remove("user-1", second.ID())
	assert.Nil(t, registry.Lookup("user-1"))
}

func TestSessionRegistryGenerationAdvances(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), NewLocalMetrics())

	assert.Equal(t, int64(0), registry.Generation("user-1"))
	first := registry.NextGeneration("user-1")
	second := registry.NextGeneration("user-1")
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(2), registry.Generation("user-1"))

	// Generations are tracked per identity.
	assert.Equal(t, int64(1), registry.NextGeneration("user-2"))
}

func TestSessionRegistryStopClosesSessions(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), NewLocalMetrics())

	first := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	_, _ = registry.Register(first)
	second := newTestSession("user-2", registry.NextGeneration("user-2"), nil)
	_, _ = registry.Register(second)

	registry.Stop()

	assert.Equal(t, 1, first.closed())
	assert.Equal(t, 1, second.closed())
}

func TestSessionRegistryRefusesOutOfOrderRegistration(t *testing.T) {
	registry := NewLocalSessionRegistry(zap.NewNop(), NewLocalMetrics())

	// Two connects race: both draw generations before either registers, and
	// the newer one reaches the registry first.
	older := newTestSession("user-1", registry.NextGeneration("user-1"), nil)
	newer := newTestSession("user-1", registry.NextGeneration("user-1"), nil)

	evicted, registered := registry.Register(newer)
	require.True(t, registered)
	require.Nil(t, evicted)

	// The older connection must not install itself over the newer one, and
	// must not evict it either.
	evicted, registered = registry.Register(older)
	require.False(t, registered)
	require.Nil(t, evicted)

	require.NotNil(t, registry.Lookup("user-1"))
	assert.Equal(t, newer.ID(), registry.Lookup("user-1").ID())
	assert.Equal(t, 1, registry.Count())
}

func TestSessionRegistryReconnectClosesExactlyOne(t *testing.T) {
	core := newTestCore()
	core.store.domains["user-1"] = map[string]string{"domain-1": "member"}

	first, err := core.connect(context.Background(), "user-1", map[string]string{"domain-1": "member"})
	require.NoError(t, err)
	second, err := core.connect(context.Background(), "user-1", map[string]string{"domain-1": "member"})
	require.NoError(t, err)

	assert.Equal(t, 1, first.closed())
	assert.Equal(t, 0, second.closed())
	assert.Equal(t, second.ID(), core.registry.Lookup("user-1").ID())
}
