// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mxbridge/twidm/internal/persistence/sqlite"
)

const schemaVersion = 2

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore initializes a new SQLite bridge store.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridge store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		mxid TEXT PRIMARY KEY,
		twitter_id INTEGER NOT NULL DEFAULT 0,
		auth_token TEXT NOT NULL DEFAULT '',
		csrf_token TEXT NOT NULL DEFAULT '',
		poll_cursor TEXT NOT NULL DEFAULT '',
		notice_room TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_users_twitter ON users(twitter_id);

	CREATE TABLE IF NOT EXISTS portals (
		conversation_id TEXT NOT NULL,
		receiver INTEGER NOT NULL,
		conv_type TEXT NOT NULL,
		mxid TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conversation_id, receiver)
	);

	CREATE INDEX IF NOT EXISTS idx_portals_mxid ON portals(mxid);

	CREATE TABLE IF NOT EXISTS puppets (
		twitter_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		screen_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		custom_mxid TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		receiver INTEGER NOT NULL,
		twitter_id INTEGER NOT NULL,
		mxid TEXT NOT NULL,
		sender INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, receiver, twitter_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_mxid ON messages(mxid);

	CREATE TABLE IF NOT EXISTS reactions (
		conversation_id TEXT NOT NULL,
		receiver INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		sender INTEGER NOT NULL,
		emoji TEXT NOT NULL,
		mxid TEXT NOT NULL,
		PRIMARY KEY (conversation_id, receiver, message_id, sender)
	);

	CREATE INDEX IF NOT EXISTS idx_reactions_mxid ON reactions(mxid);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

const userColumns = "mxid, twitter_id, auth_token, csrf_token, poll_cursor, notice_room"

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.MXID, &u.TwitterID, &u.AuthToken, &u.CSRFToken, &u.PollCursor, &u.NoticeRoom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SqliteStore) GetUserByMXID(ctx context.Context, mxid string) (*User, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE mxid = ?", mxid)
	return scanUser(row)
}

func (s *SqliteStore) GetUserByTwitterID(ctx context.Context, twid int64) (*User, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE twitter_id = ?", twid)
	return scanUser(row)
}

func (s *SqliteStore) AllLoggedInUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE twitter_id != 0 AND auth_token != ''")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.MXID, &u.TwitterID, &u.AuthToken, &u.CSRFToken, &u.PollCursor, &u.NoticeRoom); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *SqliteStore) PutUser(ctx context.Context, u *User) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (mxid, twitter_id, auth_token, csrf_token, poll_cursor, notice_room)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mxid) DO UPDATE SET
			twitter_id = excluded.twitter_id,
			auth_token = excluded.auth_token,
			csrf_token = excluded.csrf_token,
			poll_cursor = excluded.poll_cursor,
			notice_room = excluded.notice_room`,
		u.MXID, u.TwitterID, u.AuthToken, u.CSRFToken, u.PollCursor, u.NoticeRoom)
	return err
}

const portalColumns = "conversation_id, receiver, conv_type, mxid, name, avatar_url"

func scanPortal(row *sql.Row) (*Portal, error) {
	var p Portal
	err := row.Scan(&p.Key.ConversationID, &p.Key.Receiver, &p.ConvType, &p.MXID, &p.Name, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SqliteStore) GetPortal(ctx context.Context, key PortalKey) (*Portal, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+portalColumns+" FROM portals WHERE conversation_id = ? AND receiver = ?",
		key.ConversationID, key.Receiver)
	return scanPortal(row)
}

func (s *SqliteStore) GetPortalByMXID(ctx context.Context, mxid string) (*Portal, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+portalColumns+" FROM portals WHERE mxid = ?", mxid)
	return scanPortal(row)
}

func (s *SqliteStore) PutPortal(ctx context.Context, p *Portal) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO portals (conversation_id, receiver, conv_type, mxid, name, avatar_url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, receiver) DO UPDATE SET
			conv_type = excluded.conv_type,
			mxid = excluded.mxid,
			name = excluded.name,
			avatar_url = excluded.avatar_url`,
		p.Key.ConversationID, p.Key.Receiver, p.ConvType, p.MXID, p.Name, p.AvatarURL)
	return err
}

func (s *SqliteStore) GetPuppet(ctx context.Context, twid int64) (*Puppet, error) {
	var p Puppet
	err := s.DB.QueryRowContext(ctx,
		"SELECT twitter_id, name, screen_name, avatar_url, custom_mxid FROM puppets WHERE twitter_id = ?",
		twid).Scan(&p.TwitterID, &p.Name, &p.ScreenName, &p.AvatarURL, &p.CustomMXID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SqliteStore) PutPuppet(ctx context.Context, p *Puppet) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO puppets (twitter_id, name, screen_name, avatar_url, custom_mxid)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(twitter_id) DO UPDATE SET
			name = excluded.name,
			screen_name = excluded.screen_name,
			avatar_url = excluded.avatar_url,
			custom_mxid = excluded.custom_mxid`,
		p.TwitterID, p.Name, p.ScreenName, p.AvatarURL, p.CustomMXID)
	return err
}

const messageColumns = "conversation_id, receiver, twitter_id, mxid, sender, timestamp_ms"

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.Key.ConversationID, &m.Key.Receiver, &m.TwitterID, &m.MXID, &m.Sender, &m.TimestampMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SqliteStore) GetMessage(ctx context.Context, key PortalKey, twitterID int64) (*Message, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? AND receiver = ? AND twitter_id = ?",
		key.ConversationID, key.Receiver, twitterID)
	return scanMessage(row)
}

func (s *SqliteStore) GetMessageByMXID(ctx context.Context, mxid string) (*Message, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE mxid = ?", mxid)
	return scanMessage(row)
}

func (s *SqliteStore) PutMessage(ctx context.Context, m *Message) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, receiver, twitter_id, mxid, sender, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, receiver, twitter_id) DO UPDATE SET
			mxid = excluded.mxid,
			sender = excluded.sender,
			timestamp_ms = excluded.timestamp_ms`,
		m.Key.ConversationID, m.Key.Receiver, m.TwitterID, m.MXID, m.Sender, m.TimestampMS)
	return err
}

func (s *SqliteStore) GetReaction(ctx context.Context, key PortalKey, messageID, sender int64) (*Reaction, error) {
	var r Reaction
	err := s.DB.QueryRowContext(ctx, `
		SELECT conversation_id, receiver, message_id, sender, emoji, mxid FROM reactions
		WHERE conversation_id = ? AND receiver = ? AND message_id = ? AND sender = ?`,
		key.ConversationID, key.Receiver, messageID, sender).
		Scan(&r.Key.ConversationID, &r.Key.Receiver, &r.MessageID, &r.Sender, &r.Emoji, &r.MXID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SqliteStore) GetReactionByMXID(ctx context.Context, mxid string) (*Reaction, error) {
	var r Reaction
	err := s.DB.QueryRowContext(ctx, `
		SELECT conversation_id, receiver, message_id, sender, emoji, mxid FROM reactions
		WHERE mxid = ?`, mxid).
		Scan(&r.Key.ConversationID, &r.Key.Receiver, &r.MessageID, &r.Sender, &r.Emoji, &r.MXID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SqliteStore) PutReaction(ctx context.Context, r *Reaction) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO reactions (conversation_id, receiver, message_id, sender, emoji, mxid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, receiver, message_id, sender) DO UPDATE SET
			emoji = excluded.emoji,
			mxid = excluded.mxid`,
		r.Key.ConversationID, r.Key.Receiver, r.MessageID, r.Sender, r.Emoji, r.MXID)
	return err
}

func (s *SqliteStore) DeleteReaction(ctx context.Context, key PortalKey, messageID, sender int64) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM reactions
		WHERE conversation_id = ? AND receiver = ? AND message_id = ? AND sender = ?`,
		key.ConversationID, key.Receiver, messageID, sender)
	return err
}
