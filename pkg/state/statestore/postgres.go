package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the minimal table layout the Postgres store reads from. The
// owning CRUD service is expected to create it; EnsureSchema exists for local
// development and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS servers (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS roles (
	id          TEXT NOT NULL,
	server_id   TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	name        TEXT NOT NULL DEFAULT '',
	color       TEXT NOT NULL DEFAULT '',
	position    INTEGER NOT NULL DEFAULT 0,
	permissions BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (server_id, id)
);
CREATE TABLE IF NOT EXISTS members (
	server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	user_id   TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (server_id, user_id)
);
CREATE TABLE IF NOT EXISTS member_roles (
	server_id TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	role_id   TEXT NOT NULL,
	PRIMARY KEY (server_id, user_id, role_id),
	FOREIGN KEY (server_id, user_id) REFERENCES members(server_id, user_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS channels (
	id        TEXT PRIMARY KEY,
	server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	name      TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL DEFAULT 'text'
);
CREATE TABLE IF NOT EXISTS channel_overrides (
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	role_id    TEXT NOT NULL,
	allow      BIGINT NOT NULL DEFAULT 0,
	deny       BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, role_id)
);
`

// Postgres reads server, channel, role and membership data through a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ state.Store = (*Postgres)(nil)

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return NewPostgres(pool, logger), nil
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{
		pool:   pool,
		logger: logger.With(slog.String("component", "state_store_postgres")),
	}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Server(ctx context.Context, serverID string) (*state.Server, error) {
	var srv state.Server
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, name FROM servers WHERE id = $1`, serverID,
	).Scan(&srv.ID, &srv.OwnerID, &srv.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("server '%s': %w", serverID, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server '%s': %w", serverID, err)
	}
	return &srv, nil
}

func (p *Postgres) Channel(ctx context.Context, channelID string) (*state.Channel, error) {
	var ch state.Channel
	var typ string
	err := p.pool.QueryRow(ctx,
		`SELECT id, server_id, name, type FROM channels WHERE id = $1`, channelID,
	).Scan(&ch.ID, &ch.ServerID, &ch.Name, &typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel '%s': %w", channelID, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel '%s': %w", channelID, err)
	}
	ch.Type = state.ChannelType(typ)

	rows, err := p.pool.Query(ctx,
		`SELECT role_id, allow, deny FROM channel_overrides WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides for channel '%s': %w", channelID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID string
		var allow, deny int64
		if err := rows.Scan(&roleID, &allow, &deny); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		ch.Overrides = append(ch.Overrides, state.PermissionOverride{
			ChannelID: channelID,
			RoleID:    roleID,
			Allow:     state.Permission(uint64(allow)),
			Deny:      state.Permission(uint64(deny)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read overrides for channel '%s': %w", channelID, err)
	}
	return &ch, nil
}

func (p *Postgres) Member(ctx context.Context, serverID, userID string) (*state.Member, error) {
	mem := state.Member{UserID: userID, ServerID: serverID}
	err := p.pool.QueryRow(ctx,
		`SELECT joined_at FROM members WHERE server_id = $1 AND user_id = $2`, serverID, userID,
	).Scan(&mem.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("member '%s' of server '%s': %w", userID, serverID, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member '%s': %w", userID, err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT role_id FROM member_roles WHERE server_id = $1 AND user_id = $2`, serverID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles of member '%s': %w", userID, err)
	}
	roleIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read roles of member '%s': %w", userID, err)
	}
	mem.RoleIDs = roleIDs
	return &mem, nil
}

func (p *Postgres) Roles(ctx context.Context, serverID string) (map[string]state.Role, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, color, position, permissions FROM roles WHERE server_id = $1`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles of server '%s': %w", serverID, err)
	}
	defer rows.Close()

	roles := make(map[string]state.Role)
	for rows.Next() {
		r := state.Role{ServerID: serverID}
		var perms int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Color, &r.Position, &perms); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		r.Permissions = state.Permission(uint64(perms))
		roles[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read roles of server '%s': %w", serverID, err)
	}
	return roles, nil
}
