// Package sqlite implements store.Store on a single database file for
// standalone deployments. The schema is embedded and applied at open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_rooms (
	id TEXT PRIMARY KEY,
	agent_code TEXT NOT NULL,
	partner_code TEXT NOT NULL,
	partner_name TEXT NOT NULL DEFAULT '',
	agent_unread_count INTEGER NOT NULL DEFAULT 0,
	partner_unread_count INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_chat_rooms_pair ON chat_rooms (agent_code, partner_code);
CREATE INDEX IF NOT EXISTS idx_chat_rooms_partner ON chat_rooms (partner_code);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	is_retailer INTEGER NOT NULL,
	ts_ns INTEGER NOT NULL,
	text TEXT NOT NULL,
	attachment_paths TEXT NOT NULL DEFAULT '[]',
	agent_code TEXT,
	agent_name TEXT
);
CREATE INDEX IF NOT EXISTS idx_chats_room_ts ON chats (room_id, ts_ns);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_devices (
	user_id TEXT NOT NULL,
	token TEXT NOT NULL,
	created_at_ns INTEGER NOT NULL,
	PRIMARY KEY (user_id, token)
);
`

// Store is the sqlite-backed chat store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database file and applies the schema.
// The sqlite driver serializes writers, which is plenty for one process.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection sidesteps table-lock contention between the
	// per-connection goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func counterColumn(side store.Side) string {
	if side == store.AgentSide {
		return "agent_unread_count"
	}
	return "partner_unread_count"
}

func sideColumn(side store.Side) string {
	if side == store.AgentSide {
		return "agent_code"
	}
	return "partner_code"
}

const roomColumns = `id, agent_code, partner_code, partner_name, agent_unread_count, partner_unread_count`

func scanRoom(row interface{ Scan(...any) error }) (*protocol.Room, error) {
	var r protocol.Room
	err := row.Scan(&r.RoomID, &r.AgentCode, &r.PartnerCode, &r.PartnerName,
		&r.AgentUnreadCount, &r.PartnerUnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) FindRoom(ctx context.Context, agentCode, partnerCode string) (*protocol.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE agent_code = ? AND partner_code = ?`,
		agentCode, partnerCode)
	return scanRoom(row)
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*protocol.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE id = ?`, roomID)
	return scanRoom(row)
}

func (s *Store) CreateRoom(ctx context.Context, room *protocol.Room) (bool, *protocol.Room, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_rooms (id, agent_code, partner_code, partner_name, agent_unread_count, partner_unread_count)
		 VALUES (?, ?, ?, ?, 0, 0)`,
		room.RoomID, room.AgentCode, room.PartnerCode, room.PartnerName)
	if err != nil {
		return false, nil, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}

	out, err := s.FindRoom(ctx, room.AgentCode, room.PartnerCode)
	if err != nil {
		return false, nil, err
	}
	return inserted > 0, out, nil
}

func (s *Store) roomsBy(ctx context.Context, column, code string) ([]protocol.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE `+column+` = ? ORDER BY partner_name, id`,
		code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) RoomsByAgent(ctx context.Context, agentCode string) ([]protocol.Room, error) {
	return s.roomsBy(ctx, "agent_code", agentCode)
}

func (s *Store) RoomsByPartner(ctx context.Context, partnerCode string) ([]protocol.Room, error) {
	return s.roomsBy(ctx, "partner_code", partnerCode)
}

func (s *Store) IncrementUnread(ctx context.Context, roomID string, side store.Side) (int, error) {
	col := counterColumn(side)
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE chat_rooms SET `+col+` = `+col+` + 1 WHERE id = ? RETURNING `+col,
		roomID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrRoomNotFound
	}
	return n, err
}

func (s *Store) ResetUnread(ctx context.Context, roomID string, side store.Side) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_rooms SET `+counterColumn(side)+` = 0 WHERE id = ?`, roomID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrRoomNotFound
	}
	return nil
}

func (s *Store) TotalUnread(ctx context.Context, code string, side store.Side) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(`+counterColumn(side)+`), 0) FROM chat_rooms WHERE `+sideColumn(side)+` = ?`,
		code).Scan(&total)
	return total, err
}

func (s *Store) AppendChat(ctx context.Context, chat *protocol.Chat) error {
	attachments, err := json.Marshal(chat.AttachmentPaths)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	var agentCode, agentName sql.NullString
	if chat.AgentInfo != nil {
		agentCode = sql.NullString{String: chat.AgentInfo.Code, Valid: true}
		agentName = sql.NullString{String: chat.AgentInfo.Name, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (id, room_id, sender, receiver, is_retailer, ts_ns, text, attachment_paths, agent_code, agent_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chat.ChatID, chat.RoomID, chat.Sender, chat.Receiver, chat.IsRetailer,
		chat.Timestamp.UnixNano(), chat.Text, string(attachments), agentCode, agentName)
	return err
}

func (s *Store) RoomChats(ctx context.Context, roomID string) ([]protocol.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender, receiver, is_retailer, ts_ns, text, attachment_paths, agent_code, agent_name
		 FROM chats WHERE room_id = ? ORDER BY ts_ns, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Chat{}
	for rows.Next() {
		var c protocol.Chat
		var tsNS int64
		var attachments string
		var agentCode, agentName sql.NullString
		if err := rows.Scan(&c.ChatID, &c.RoomID, &c.Sender, &c.Receiver,
			&c.IsRetailer, &tsNS, &c.Text, &attachments, &agentCode, &agentName); err != nil {
			return nil, err
		}
		c.Timestamp = time.Unix(0, tsNS).UTC()
		if err := json.Unmarshal([]byte(attachments), &c.AttachmentPaths); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		if agentCode.Valid {
			c.AgentInfo = &protocol.AgentInfo{Code: agentCode.String, Name: agentName.String}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertUser(ctx context.Context, u store.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, role, display_name) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET role = excluded.role, display_name = excluded.display_name`,
		u.ID, u.Role, u.DisplayName)
	return err
}

func (s *Store) AddDeviceToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_devices (user_id, token, created_at_ns) VALUES (?, ?, ?)`,
		userID, token, time.Now().UnixNano())
	return err
}

func (s *Store) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM user_devices WHERE user_id = ? ORDER BY created_at_ns`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
