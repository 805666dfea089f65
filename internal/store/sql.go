package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	migrate "github.com/rubenv/sql-migrate"
	"github.com/ternarybob/arbor"
	_ "github.com/uptrace/bun/driver/pgdriver" // Postgres driver, registers "pg"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pg"
)

type SQLConfig struct {
	Driver string
	DSN    string
}

// SQLStore is the remote document store over database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger arbor.ILogger
}

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_init",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS profiles (
					uid TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					avatar_url TEXT NOT NULL DEFAULT '',
					avatar_data_url TEXT NOT NULL DEFAULT '',
					bio TEXT NOT NULL DEFAULT '',
					updated_at BIGINT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS chats (
					id TEXT PRIMARY KEY,
					uid TEXT NOT NULL,
					title TEXT NOT NULL,
					summary TEXT NOT NULL DEFAULT '',
					last_message_preview TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					revision BIGINT NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS idx_chats_uid_updated ON chats (uid, updated_at)`,
				`CREATE TABLE IF NOT EXISTS messages (
					id TEXT PRIMARY KEY,
					chat_id TEXT NOT NULL REFERENCES chats (id),
					seq BIGINT NOT NULL,
					role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
					content TEXT NOT NULL,
					attachments TEXT NOT NULL DEFAULT '[]',
					created_at BIGINT NOT NULL,
					updated_at BIGINT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages (chat_id, seq)`,
			},
			Down: []string{
				`DROP TABLE IF EXISTS messages`,
				`DROP TABLE IF EXISTS chats`,
				`DROP TABLE IF EXISTS profiles`,
			},
		},
		{
			Id:   "0002_profile_default_prompt",
			Up:   []string{`ALTER TABLE profiles ADD COLUMN default_prompt TEXT NOT NULL DEFAULT ''`},
			Down: []string{`ALTER TABLE profiles DROP COLUMN default_prompt`},
		},
	},
}

func NewSQLStore(ctx context.Context, cfg SQLConfig, logger arbor.ILogger) (*SQLStore, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// sqlite serializes writers; one connection avoids "database is locked".
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: cfg.Driver, logger: logger}
	if err = s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies pending schema migrations.
func (s *SQLStore) Migrate() error {
	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}
	n, err := migrate.Exec(s.db, dialect, migrations, migrate.Up)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int("applied", n).Str("driver", s.driver).Msg("Applied database migrations")
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into the driver's native form.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Profile methods
func (s *SQLStore) GetUserProfile(ctx context.Context, uid string) (*Profile, error) {
	if uid == "" {
		return nil, nil
	}
	return s.getProfile(ctx, s.db, uid)
}

func (s *SQLStore) getProfile(ctx context.Context, q queryer, uid string) (*Profile, error) {
	var p Profile
	var updated int64
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT uid, display_name, avatar_url, avatar_data_url, bio, default_prompt, updated_at FROM profiles WHERE uid = ?"), uid).
		Scan(&p.UID, &p.DisplayName, &p.AvatarURL, &p.AvatarDataURL, &p.Bio, &p.DefaultPrompt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (s *SQLStore) UpsertUserProfile(ctx context.Context, profile Profile) (*Profile, error) {
	if profile.UID == "" {
		return nil, ErrMissingUID
	}
	var out Profile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getProfile(ctx, tx, profile.UID)
		if err != nil {
			return err
		}
		out = mergeProfile(existing, profile, now())
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO profiles (uid, display_name, avatar_url, avatar_data_url, bio, default_prompt, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (uid) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				avatar_data_url = excluded.avatar_data_url,
				bio = excluded.bio,
				default_prompt = excluded.default_prompt,
				updated_at = excluded.updated_at`),
			out.UID, out.DisplayName, out.AvatarURL, out.AvatarDataURL, out.Bio, out.DefaultPrompt, millis(out.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat methods
const chatColumns = "id, uid, title, summary, last_message_preview, created_at, updated_at"

func scanChat(scan func(dest ...any) error) (*Chat, error) {
	var c Chat
	var created, updated int64
	if err := scan(&c.ID, &c.UID, &c.Title, &c.Summary, &c.LastMessagePreview, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func (s *SQLStore) ListChats(ctx context.Context, uid string) ([]Chat, error) {
	out := []Chat{}
	if uid == "" {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+chatColumns+" FROM chats WHERE uid = ? ORDER BY updated_at DESC, revision DESC"), uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChat(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLStore) getChat(ctx context.Context, q queryer, chatID string) (*Chat, error) {
	c, err := scanChat(q.QueryRowContext(ctx, s.rebind("SELECT "+chatColumns+" FROM chats WHERE id = ?"), chatID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	return c, nil
}

func (s *SQLStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	return s.getChat(ctx, s.db, chatID)
}

func (s *SQLStore) nextRevision(ctx context.Context, q queryer) (int64, error) {
	var rev int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(revision), 0) + 1 FROM chats").Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to allocate chat revision: %w", err)
	}
	return rev, nil
}

func (s *SQLStore) CreateChat(ctx context.Context, uid string, input ChatInput) (*Chat, error) {
	if uid == "" {
		return nil, ErrMissingUID
	}
	ts := now()
	chat := Chat{
		ID:        uuid.NewString(),
		UID:       uid,
		Title:     input.Title,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if chat.Title == "" {
		chat.Title = DefaultTitle
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rev, err := s.nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			"INSERT INTO chats (id, uid, title, summary, last_message_preview, created_at, updated_at, revision) VALUES (?, ?, ?, '', '', ?, ?, ?)"),
			chat.ID, chat.UID, chat.Title, millis(ts), millis(ts), rev)
		if err != nil {
			return fmt.Errorf("failed to insert chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *SQLStore) DeleteChat(ctx context.Context, chatID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE chat_id = ?"), chatID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chats WHERE id = ?"), chatID); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		return nil
	})
}

// saveChat writes the mutable chat fields and moves it to the head of the list.
func (s *SQLStore) saveChat(ctx context.Context, q queryer, c *Chat) error {
	rev, err := s.nextRevision(ctx, q)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE chats SET title = ?, summary = ?, last_message_preview = ?, updated_at = ?, revision = ? WHERE id = ?"),
		c.Title, c.Summary, c.LastMessagePreview, millis(c.UpdatedAt), rev, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update chat: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateChat(ctx context.Context, chatID string, patch ChatPatch) (*Chat, error) {
	var out *Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrChatNotFound
		}
		c.apply(patch)
		c.UpdatedAt = now()
		out = c
		return s.saveChat(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Message methods
func (s *SQLStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT id, chat_id, role, content, attachments, created_at, updated_at FROM messages WHERE chat_id = ? ORDER BY seq ASC"), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var attachments string
		var created int64
		var updated sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &attachments, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Dropping unreadable attachments")
			m.Attachments = nil
		}
		m.CreatedAt = fromMillis(created)
		if updated.Valid {
			ts := fromMillis(updated.Int64)
			m.UpdatedAt = &ts
		}
		out = append(out, normalizeMessage(m))
	}
	return out, rows.Err()
}

func (s *SQLStore) AddMessage(ctx context.Context, chatID string, msg Message) (*Message, error) {
	out := normalizeMessage(Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Role:        msg.Role,
		Content:     msg.Content,
		Attachments: msg.Attachments,
	})
	attachments, err := json.Marshal(out.Attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrChatNotFound
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, s.rebind(
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?"), chatID).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate message sequence: %w", err)
		}
		out.CreatedAt = now()
		_, err = tx.ExecContext(ctx, s.rebind(
			"INSERT INTO messages (id, chat_id, seq, role, content, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
			out.ID, chatID, seq, string(out.Role), out.Content, string(attachments), millis(out.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if shouldDeriveTitle(c, msg) {
			c.Title = MakeTitle(msg.Content)
		}
		c.UpdatedAt = out.CreatedAt
		return s.saveChat(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, chatID, messageID, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrChatNotFound
		}
		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE messages SET content = ?, updated_at = ? WHERE id = ? AND chat_id = ?"),
			content, millis(ts), messageID, chatID)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrMessageNotFound
		}
		c.UpdatedAt = ts
		return s.saveChat(ctx, tx, c)
	})
}

func (s *SQLStore) RemoveMessages(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range messageIDs {
			if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE id = ? AND chat_id = ?"), id, chatID); err != nil {
				return fmt.Errorf("failed to delete message %s: %w", id, err)
			}
		}
		return nil
	})
}
