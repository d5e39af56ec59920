package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// testSession is an in-memory Session that records everything sent to it.
type testSession struct {
	mu         sync.Mutex
	id         uuid.UUID
	identity   string
	username   string
	generation int64
	domains    map[string]string

	currentDomain  string
	currentChannel string

	ctx        context.Context
	sent       []*Envelope
	closeCount int
}

func newTestSession(identity string, generation int64, domains map[string]string) *testSession {
	if domains == nil {
		domains = map[string]string{}
	}
	return &testSession{
		id:         uuid.Must(uuid.NewV4()),
		identity:   identity,
		username:   identity,
		generation: generation,
		domains:    domains,
		ctx:        context.Background(),
	}
}

func (s *testSession) Logger() *zap.Logger        { return zap.NewNop() }
func (s *testSession) ID() uuid.UUID              { return s.id }
func (s *testSession) Identity() string           { return s.identity }
func (s *testSession) Username() string           { return s.username }
func (s *testSession) Generation() int64          { return s.generation }
func (s *testSession) Domains() map[string]string { return s.domains }
func (s *testSession) Context() context.Context   { return s.ctx }

func (s *testSession) CurrentRoom() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDomain, s.currentChannel
}

func (s *testSession) SetCurrentRoom(domainID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentDomain = domainID
	s.currentChannel = channelID
}

func (s *testSession) Send(envelope *Envelope, reliable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, envelope)
	return nil
}

func (s *testSession) SendBytes(payload []byte, reliable bool) error {
	envelope := &Envelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		return err
	}
	return s.Send(envelope, reliable)
}

func (s *testSession) CloseLock()   {}
func (s *testSession) CloseUnlock() {}

func (s *testSession) Close(msg string, envelopes ...*Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
}

func (s *testSession) sentEnvelopes() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *testSession) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

type accessRecord struct {
	domainID string
	accessed time.Time
}

// fakeStore is an in-memory stand-in for the durable collaborators.
type fakeStore struct {
	mu       sync.Mutex
	states   map[string]*AppState
	access   map[string]map[string]accessRecord
	channels map[string]*Channel
	domains  map[string]map[string]string
	online   map[string]bool
	denied   map[string]bool

	touchCount   int
	setRoomCount int
	failWrites   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:   map[string]*AppState{},
		access:   map[string]map[string]accessRecord{},
		channels: map[string]*Channel{},
		domains:  map[string]map[string]string{},
		online:   map[string]bool{},
		denied:   map[string]bool{},
	}
}

func (f *fakeStore) addChannel(channelID, domainID string, lastEvent time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = &Channel{ID: channelID, DomainID: domainID, LastEvent: lastEvent}
}

func (f *fakeStore) setAccess(identity, domainID, channelID string, accessed time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.access[identity] == nil {
		f.access[identity] = map[string]accessRecord{}
	}
	f.access[identity][channelID] = accessRecord{domainID: domainID, accessed: accessed}
}

func (f *fakeStore) GetAppState(ctx context.Context, identity string) (*AppState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[identity]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeStore) SetCurrentRoom(ctx context.Context, identity, domainID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return ErrStoreUnavailable
	}
	f.setRoomCount++
	state, ok := f.states[identity]
	if !ok {
		state = &AppState{Identity: identity, Data: json.RawMessage(`{}`)}
		f.states[identity] = state
	}
	state.CurrentDomain = domainID
	state.CurrentChannel = channelID
	return nil
}

func (f *fakeStore) MergeAppData(ctx context.Context, identity string, partial json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return ErrStoreUnavailable
	}
	state, ok := f.states[identity]
	if !ok {
		state = &AppState{Identity: identity}
		f.states[identity] = state
	}
	state.Data = partial
	return nil
}

func (f *fakeStore) TouchChannelAccess(ctx context.Context, identity, domainID, channelID string, accessed time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return ErrStoreUnavailable
	}
	f.touchCount++
	if f.access[identity] == nil {
		f.access[identity] = map[string]accessRecord{}
	}
	f.access[identity][channelID] = accessRecord{domainID: domainID, accessed: accessed}
	return nil
}

func (f *fakeStore) ListChannelAccess(ctx context.Context, identity, domainID string) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]time.Time{}
	for channelID, record := range f.access[identity] {
		if record.domainID == domainID {
			out[channelID] = record.accessed
		}
	}
	return out, nil
}

func (f *fakeStore) SetOnline(ctx context.Context, identity string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[identity] = online
	return nil
}

func (f *fakeStore) GetDomains(ctx context.Context, identity string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domains[identity], nil
}

func (f *fakeStore) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	copied := *ch
	return &copied, nil
}

func (f *fakeStore) GetDomainChannels(ctx context.Context, domainID string) ([]*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels := make([]*Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		if ch.DomainID == domainID {
			copied := *ch
			channels = append(channels, &copied)
		}
	}
	return channels, nil
}

func (f *fakeStore) AdvanceLastEvent(ctx context.Context, channelID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	if at.After(ch.LastEvent) {
		ch.LastEvent = at
	}
	return nil
}

func (f *fakeStore) MoveChannelToIndex(ctx context.Context, domainID, channelID string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return ErrChannelNotFound
	}
	f.channels[channelID].Position = index
	return nil
}

func (f *fakeStore) HasPermission(ctx context.Context, identity, resource, action, domainID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied[resource], nil
}

// testCore wires a registry, tracker, router, and room manager over a fake
// store for component tests.
type testCore struct {
	registry    SessionRegistry
	tracker     Tracker
	router      MessageRouter
	store       *fakeStore
	rooms       *RoomManager
	broadcaster *ChannelEventBroadcaster
	presence    *PresencePublisher
}

func newTestCore() *testCore {
	logger := zap.NewNop()
	metrics := NewLocalMetrics()
	store := newFakeStore()

	registry := NewLocalSessionRegistry(logger, metrics)
	tracker := StartLocalTracker(logger, metrics)
	router := NewLocalMessageRouter(registry, tracker)

	return &testCore{
		registry:    registry,
		tracker:     tracker,
		router:      router,
		store:       store,
		rooms:       NewRoomManager(logger, registry, tracker, store, store, store),
		broadcaster: NewChannelEventBroadcaster(logger, metrics, registry, tracker, router, store),
		presence:    NewPresencePublisher(logger, tracker, router, store, store),
	}
}

// connect registers a session and restores its room memberships the way the
// socket acceptor does.
func (c *testCore) connect(ctx context.Context, identity string, domains map[string]string) (*testSession, error) {
	generation := c.registry.NextGeneration(identity)
	session := newTestSession(identity, generation, domains)
	evicted, registered := c.registry.Register(session)
	if !registered {
		return nil, ErrSessionSuperseded
	}
	if evicted != nil {
		evicted.Close("session superseded by a newer connection")
	}
	if _, err := c.rooms.TrackInitial(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}
