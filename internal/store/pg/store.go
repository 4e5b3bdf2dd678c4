// Package pg implements store.Store on Postgres for managed deployments.
// Schema lives in migrations/ and is applied with the migrate command.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

// Store is the Postgres-backed chat store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// counterColumn maps a side to its counter column. Values are fixed
// identifiers, never user input.
func counterColumn(side store.Side) string {
	if side == store.AgentSide {
		return "agent_unread_count"
	}
	return "partner_unread_count"
}

// sideColumn maps a side to its participant-id column.
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
		`SELECT `+roomColumns+` FROM chat_rooms WHERE agent_code = $1 AND partner_code = $2`,
		agentCode, partnerCode)
	return scanRoom(row)
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*protocol.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1`, roomID)
	return scanRoom(row)
}

// CreateRoom inserts unless the pair exists. The unique index on
// (agent_code, partner_code) makes concurrent find-or-create converge on a
// single row.
func (s *Store) CreateRoom(ctx context.Context, room *protocol.Room) (bool, *protocol.Room, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_rooms (id, agent_code, partner_code, partner_name, agent_unread_count, partner_unread_count)
		 VALUES ($1, $2, $3, $4, 0, 0)
		 ON CONFLICT (agent_code, partner_code) DO NOTHING`,
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
		`SELECT `+roomColumns+` FROM chat_rooms WHERE `+column+` = $1 ORDER BY partner_name, id`,
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

// IncrementUnread is a single atomic add at the database, never a
// read-modify-write in the process.
func (s *Store) IncrementUnread(ctx context.Context, roomID string, side store.Side) (int, error) {
	col := counterColumn(side)
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE chat_rooms SET `+col+` = `+col+` + 1 WHERE id = $1 RETURNING `+col,
		roomID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrRoomNotFound
	}
	return n, err
}

func (s *Store) ResetUnread(ctx context.Context, roomID string, side store.Side) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_rooms SET `+counterColumn(side)+` = 0 WHERE id = $1`, roomID)
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
		`SELECT COALESCE(SUM(`+counterColumn(side)+`), 0) FROM chat_rooms WHERE `+sideColumn(side)+` = $1`,
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
		`INSERT INTO chats (id, room_id, sender, receiver, is_retailer, ts, text, attachment_paths, agent_code, agent_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		chat.ChatID, chat.RoomID, chat.Sender, chat.Receiver, chat.IsRetailer,
		chat.Timestamp, chat.Text, attachments, agentCode, agentName)
	return err
}

func (s *Store) RoomChats(ctx context.Context, roomID string) ([]protocol.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender, receiver, is_retailer, ts, text, attachment_paths, agent_code, agent_name
		 FROM chats WHERE room_id = $1 ORDER BY ts, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Chat{}
	for rows.Next() {
		var c protocol.Chat
		var attachments []byte
		var agentCode, agentName sql.NullString
		if err := rows.Scan(&c.ChatID, &c.RoomID, &c.Sender, &c.Receiver,
			&c.IsRetailer, &c.Timestamp, &c.Text, &attachments, &agentCode, &agentName); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attachments, &c.AttachmentPaths); err != nil {
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
		`INSERT INTO users (id, role, display_name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, display_name = EXCLUDED.display_name`,
		u.ID, u.Role, u.DisplayName)
	return err
}

func (s *Store) AddDeviceToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_devices (user_id, token, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, token) DO NOTHING`,
		userID, token, time.Now().UTC())
	return err
}

func (s *Store) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM user_devices WHERE user_id = $1 ORDER BY created_at`, userID)
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
