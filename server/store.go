package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

// AppState is the durable per-identity application state snapshot.
type AppState struct {
	Identity       string
	CurrentDomain  string
	CurrentChannel string
	Online         bool
	Data           json.RawMessage
}

// Channel is the cached record-store view of one channel.
type Channel struct {
	ID        string
	DomainID  string
	Position  int
	LastEvent time.Time
}

// AppStateStore persists per-identity state: current room, per-channel access
// times, presence flag, and auxiliary UI preferences.
type AppStateStore interface {
	GetAppState(ctx context.Context, identity string) (*AppState, error)
	SetCurrentRoom(ctx context.Context, identity, domainID, channelID string) error
	MergeAppData(ctx context.Context, identity string, partial json.RawMessage) error
	TouchChannelAccess(ctx context.Context, identity, domainID, channelID string, accessed time.Time) error
	ListChannelAccess(ctx context.Context, identity, domainID string) (map[string]time.Time, error)
	SetOnline(ctx context.Context, identity string, online bool) error
	GetDomains(ctx context.Context, identity string) (map[string]string, error)
}

// ChannelStore reads channel records and advances channel freshness.
type ChannelStore interface {
	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	GetDomainChannels(ctx context.Context, domainID string) ([]*Channel, error)
	AdvanceLastEvent(ctx context.Context, channelID string, at time.Time) error
	// MoveChannelToIndex splices the channel to a new position in its
	// domain's ordered channel list inside one transaction.
	MoveChannelToIndex(ctx context.Context, domainID, channelID string, index int) error
}

// Authorizer evaluates permission predicates against the ACL tables.
type Authorizer interface {
	HasPermission(ctx context.Context, identity, resource, action, domainID string) (bool, error)
}

// Store is the Postgres-backed implementation of the durable collaborators.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewStore(logger *zap.Logger, db *sql.DB) *Store {
	return &Store{logger: logger, db: db}
}

func OpenDB(config *DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.GetConnMaxLifetime())
	return db, nil
}

// isTransientDBError reports whether err is a connection-level failure that
// a later retry could succeed against.
func isTransientDBError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsOperatorIntervention(pgErr.Code)
	}
	return false
}

func (s *Store) GetAppState(ctx context.Context, identity string) (*AppState, error) {
	state := &AppState{Identity: identity}
	var data []byte
	query := `
SELECT current_domain, current_channel, online, data
FROM app_states
WHERE identity = $1`
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&state.CurrentDomain, &state.CurrentChannel, &state.Online, &data)
	if err != nil {
		if err == sql.ErrNoRows {
			// Lazily created on first write; absence is a fresh install.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query app state: %w", err)
	}
	state.Data = data
	return state, nil
}

func (s *Store) SetCurrentRoom(ctx context.Context, identity, domainID, channelID string) error {
	query := `
INSERT INTO app_states (identity, current_domain, current_channel, online, data, update_time)
VALUES ($1, $2, $3, TRUE, '{}', now())
ON CONFLICT (identity) DO UPDATE
SET current_domain = $2, current_channel = $3, update_time = now()`
	if _, err := s.db.ExecContext(ctx, query, identity, domainID, channelID); err != nil {
		return fmt.Errorf("failed to set current room: %w", err)
	}
	return nil
}

func (s *Store) MergeAppData(ctx context.Context, identity string, partial json.RawMessage) error {
	if len(partial) == 0 {
		return nil
	}
	if !json.Valid(partial) {
		return fmt.Errorf("%w: app state partial is not valid JSON", ErrEnvelopeMalformed)
	}
	query := `
INSERT INTO app_states (identity, current_domain, current_channel, online, data, update_time)
VALUES ($1, '', '', TRUE, $2, now())
ON CONFLICT (identity) DO UPDATE
SET data = app_states.data || $2::jsonb, update_time = now()`
	if _, err := s.db.ExecContext(ctx, query, identity, []byte(partial)); err != nil {
		return fmt.Errorf("failed to merge app data: %w", err)
	}
	return nil
}

func (s *Store) TouchChannelAccess(ctx context.Context, identity, domainID, channelID string, accessed time.Time) error {
	query := `
INSERT INTO channel_access (identity, domain_id, channel_id, last_accessed)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identity, channel_id) DO UPDATE
SET last_accessed = $4`
	if _, err := s.db.ExecContext(ctx, query, identity, domainID, channelID, accessed); err != nil {
		return fmt.Errorf("failed to touch channel access: %w", err)
	}
	return nil
}

func (s *Store) ListChannelAccess(ctx context.Context, identity, domainID string) (map[string]time.Time, error) {
	query := `
SELECT channel_id, last_accessed
FROM channel_access
WHERE identity = $1 AND domain_id = $2`
	rows, err := s.db.QueryContext(ctx, query, identity, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel access: %w", err)
	}
	defer rows.Close()

	access := make(map[string]time.Time)
	for rows.Next() {
		var channelID string
		var accessed time.Time
		if err := rows.Scan(&channelID, &accessed); err != nil {
			return nil, fmt.Errorf("failed to scan channel access row: %w", err)
		}
		access[channelID] = accessed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channel access rows: %w", err)
	}
	return access, nil
}

func (s *Store) SetOnline(ctx context.Context, identity string, online bool) error {
	query := `
INSERT INTO app_states (identity, current_domain, current_channel, online, data, update_time)
VALUES ($1, '', '', $2, '{}', now())
ON CONFLICT (identity) DO UPDATE
SET online = $2, update_time = now()`
	if _, err := s.db.ExecContext(ctx, query, identity, online); err != nil {
		return fmt.Errorf("failed to set online state: %w", err)
	}
	return nil
}

func (s *Store) GetDomains(ctx context.Context, identity string) (map[string]string, error) {
	query := `
SELECT domain_id, role
FROM domain_members
WHERE identity = $1`
	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	domains := make(map[string]string)
	for rows.Next() {
		var domainID, role string
		if err := rows.Scan(&domainID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan domain member row: %w", err)
		}
		domains[domainID] = role
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read domain member rows: %w", err)
	}
	return domains, nil
}

func (s *Store) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	ch := &Channel{ID: channelID}
	query := `
SELECT domain_id, position, last_event
FROM channels
WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, channelID).Scan(&ch.DomainID, &ch.Position, &ch.LastEvent)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to query channel: %w", err)
	}
	return ch, nil
}

func (s *Store) GetDomainChannels(ctx context.Context, domainID string) ([]*Channel, error) {
	query := `
SELECT id, position, last_event
FROM channels
WHERE domain_id = $1
ORDER BY position ASC`
	rows, err := s.db.QueryContext(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain channels: %w", err)
	}
	defer rows.Close()

	channels := make([]*Channel, 0, 16)
	for rows.Next() {
		ch := &Channel{DomainID: domainID}
		if err := rows.Scan(&ch.ID, &ch.Position, &ch.LastEvent); err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channel rows: %w", err)
	}
	return channels, nil
}

func (s *Store) AdvanceLastEvent(ctx context.Context, channelID string, at time.Time) error {
	query := `
UPDATE channels
SET last_event = GREATEST(last_event, $2)
WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, channelID, at)
	if err != nil {
		return fmt.Errorf("failed to advance channel last event: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *Store) MoveChannelToIndex(ctx context.Context, domainID, channelID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin move transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, `
SELECT position FROM channels
WHERE id = $1 AND domain_id = $2
FOR UPDATE`, channelID, domainID).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrChannelNotFound
		}
		return fmt.Errorf("failed to read channel position: %w", err)
	}
	if current == index {
		return nil
	}

	// Close the gap left by the moving channel, then open one at the target.
	if current < index {
		_, err = tx.ExecContext(ctx, `
UPDATE channels SET position = position - 1
WHERE domain_id = $1 AND position > $2 AND position <= $3`, domainID, current, index)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE channels SET position = position + 1
WHERE domain_id = $1 AND position >= $3 AND position < $2`, domainID, current, index)
	}
	if err != nil {
		return fmt.Errorf("failed to shift channel positions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE channels SET position = $3
WHERE id = $1 AND domain_id = $2`, channelID, domainID, index); err != nil {
		return fmt.Errorf("failed to move channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit move transaction: %w", err)
	}
	return nil
}

// HasPermission joins the identity's domain role against the domain ACL.
func (s *Store) HasPermission(ctx context.Context, identity, resource, action, domainID string) (bool, error) {
	query := `
SELECT EXISTS (
	SELECT 1
	FROM domain_members m
	JOIN acl_entries a
	  ON a.domain_id = m.domain_id AND a.role = m.role
	WHERE m.identity = $1 AND m.domain_id = $2 AND a.resource = $3 AND a.action = $4
)`
	var allowed bool
	if err := s.db.QueryRowContext(ctx, query, identity, domainID, resource, action).Scan(&allowed); err != nil {
		if isTransientDBError(err) {
			return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return false, fmt.Errorf("failed to evaluate permission: %w", err)
	}
	return allowed, nil
}
