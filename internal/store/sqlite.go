// ABOUTME: SQLite implementation of the Directory Store using modernc.org/sqlite
// ABOUTME: Foreign keys cascade server -> channels -> participants/messages, WAL for concurrent reads

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	appends *channelLocks
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database backed by a single connection.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection, unlike a one-off Exec.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		appends: newChannelLocks(),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS channels (
			id         TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (type IN ('dm', 'group'))
		);

		CREATE INDEX IF NOT EXISTS idx_channels_server ON channels(server_id);

		CREATE TABLE IF NOT EXISTS channel_participants (
			channel_id    TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			user_id       TEXT NOT NULL,
			joined_at     TEXT NOT NULL,
			role          TEXT,
			metadata_json TEXT,

			PRIMARY KEY (channel_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS server_agents (
			server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			agent_id   TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (server_id, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_server_agents_agent ON server_agents(agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			channel_id    TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			server_id     TEXT NOT NULL,
			author_id     TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY constraint failure
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// CreateServer inserts a new server with a generated ID
func (s *SQLiteStore) CreateServer(ctx context.Context, name string) (*Server, error) {
	srv := &Server{
		ID:        newID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, created_at) VALUES (?, ?, ?)`,
		srv.ID, srv.Name, formatTime(srv.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", srv.ID, "name", name)
	return srv, nil
}

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM servers WHERE id = ?`, id,
	).Scan(&srv.ID, &srv.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}

	if srv.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &srv, nil
}

// ListServers returns all servers ordered by creation time
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM servers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	servers := []*Server{}
	for rows.Next() {
		var srv Server
		var createdAt string
		if err := rows.Scan(&srv.ID, &srv.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning server row: %w", err)
		}
		if srv.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		servers = append(servers, &srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return servers, nil
}

// RenameServer changes a server's name.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) RenameServer(ctx context.Context, id, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("renaming server: %w", err)
	}
	return requireAffected(result)
}

// DeleteServer removes a server. Channels, participants, server agents and
// messages are removed by the foreign key cascades.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	s.logger.Debug("deleted server", "id", id)
	return nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateChannel creates a channel under an existing server.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) CreateChannel(ctx context.Context, serverID, name string, channelType ChannelType) (*Channel, error) {
	if channelType != ChannelTypeDM && channelType != ChannelTypeGroup {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelType, channelType)
	}

	ch := &Channel{
		ID:        newID(),
		ServerID:  serverID,
		Name:      name,
		Type:      channelType,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, server_id, name, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.ServerID, ch.Name, string(ch.Type), formatTime(ch.CreatedAt),
	)
	if isForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inserting channel: %w", err)
	}

	s.logger.Debug("created channel", "id", ch.ID, "server_id", serverID, "type", channelType)
	return ch, nil
}

const channelColumns = `id, server_id, name, type, created_at`

func scanChannel(scan func(dest ...any) error) (*Channel, error) {
	var ch Channel
	var chType, createdAt string
	if err := scan(&ch.ID, &ch.ServerID, &ch.Name, &chType, &createdAt); err != nil {
		return nil, err
	}
	ch.Type = ChannelType(chType)
	var err error
	if ch.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannel retrieves a channel by ID.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	ch, err := scanChannel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns the channels of a server ordered by creation time
func (s *SQLiteStore) ListChannels(ctx context.Context, serverID string) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE server_id = ? ORDER BY created_at, id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	channels := []*Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

// DeleteChannel removes a channel along with its participants and messages.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	return requireAffected(result)
}

// AddParticipant upserts a membership keyed by (channel_id, user_id).
// A repeat call refreshes joined_at, role and metadata instead of adding a row.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *ChannelParticipant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_participants (channel_id, user_id, joined_at, role, metadata_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, user_id) DO UPDATE SET
			joined_at = excluded.joined_at,
			role = excluded.role,
			metadata_json = excluded.metadata_json
	`, p.ChannelID, p.UserID, formatTime(p.JoinedAt), nullString(p.Role), meta)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("upserting participant: %w", err)
	}

	s.logger.Debug("participant added", "channel_id", p.ChannelID, "user_id", p.UserID)
	return nil
}

// RemoveParticipant deletes a membership.
// Returns ErrNotFound if the membership doesn't exist.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, channelID, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_participants WHERE channel_id = ? AND user_id = ?`, channelID, userID)
	if err != nil {
		return fmt.Errorf("deleting participant: %w", err)
	}
	return requireAffected(result)
}

// ListParticipants returns a channel's members ordered by join time.
// An unknown channel yields an empty list.
func (s *SQLiteStore) ListParticipants(ctx context.Context, channelID string) ([]*ChannelParticipant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, joined_at, role, metadata_json
		FROM channel_participants
		WHERE channel_id = ?
		ORDER BY joined_at, user_id
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	participants := []*ChannelParticipant{}
	for rows.Next() {
		var p ChannelParticipant
		var joinedAt string
		var role, meta sql.NullString
		if err := rows.Scan(&p.ChannelID, &p.UserID, &joinedAt, &role, &meta); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		if p.JoinedAt, err = parseTime("joined_at", joinedAt); err != nil {
			return nil, err
		}
		p.Role = role.String
		if p.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return participants, nil
}

// AttachAgentToServer associates an agent with a server. Repeat calls are no-ops.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) AttachAgentToServer(ctx context.Context, serverID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_agents (server_id, agent_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (server_id, agent_id) DO NOTHING
	`, serverID, agentID, formatTime(time.Now()))
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("attaching agent: %w", err)
	}

	s.logger.Debug("agent attached", "server_id", serverID, "agent_id", agentID)
	return nil
}

// DetachAgentFromServer removes an association.
// Returns ErrNotFound if the association doesn't exist.
func (s *SQLiteStore) DetachAgentFromServer(ctx context.Context, serverID, agentID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM server_agents WHERE server_id = ? AND agent_id = ?`, serverID, agentID)
	if err != nil {
		return fmt.Errorf("detaching agent: %w", err)
	}
	return requireAffected(result)
}

// ListAgentsForServer returns the agent IDs associated with a server, sorted.
func (s *SQLiteStore) ListAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM server_agents WHERE server_id = ? ORDER BY agent_id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying server agents: %w", err)
	}
	defer rows.Close()

	agents := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning server agent row: %w", err)
		}
		agents = append(agents, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server agent rows: %w", err)
	}
	return agents, nil
}

// ListServerAgents returns every server/agent association
func (s *SQLiteStore) ListServerAgents(ctx context.Context) ([]*ServerAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id, agent_id, created_at FROM server_agents ORDER BY server_id, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying server agents: %w", err)
	}
	defer rows.Close()

	out := []*ServerAgent{}
	for rows.Next() {
		var sa ServerAgent
		var createdAt string
		if err := rows.Scan(&sa.ServerID, &sa.AgentID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning server agent row: %w", err)
		}
		if sa.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, &sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server agent rows: %w", err)
	}
	return out, nil
}

// AppendMessage persists a message in a single transaction: the channel is
// looked up for its server ID and the row is inserted, or nothing is written.
// Appends to the same channel are serialized so ids follow arrival order.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, channelID, authorID, content string, metadata map[string]any) (*Message, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}

	unlock := s.appends.lock(channelID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var serverID string
	err = tx.QueryRowContext(ctx, `SELECT server_id FROM channels WHERE id = ?`, channelID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up channel: %w", err)
	}

	msg := &Message{
		ID:        newMessageID(),
		ChannelID: channelID,
		ServerID:  serverID,
		AuthorID:  authorID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, server_id, author_id, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChannelID, msg.ServerID, msg.AuthorID, msg.Content, meta, formatTime(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "channel_id", channelID, "author_id", authorID)
	return msg, nil
}

const messageColumns = `id, channel_id, server_id, author_id, content, metadata_json, created_at`

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var meta sql.NullString
	var createdAt string
	if err := scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.Content, &meta, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if m.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListMessages returns up to limit messages of a channel, newest first.
// When before is set, only messages appended before that message ID are returned,
// so the last ID of one page is the cursor for the next.
func (s *SQLiteStore) ListMessages(ctx context.Context, channelID string, limit int, before string) ([]*Message, error) {
	limit = clampLimit(limit)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if before != "" {
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
