// Package store defines the durable storage contract for rooms, messages,
// and users. Two backends implement it: Postgres (managed deployments) and
// sqlite (standalone single-file mode).
package store

import (
	"context"
	"errors"

	"github.com/simpasskr/chatgate/pkg/protocol"
)

// ErrRoomNotFound is returned when an operation references a room id or
// (agent, partner) pair with no stored room.
var ErrRoomNotFound = errors.New("chat room not found")

// Side selects one of the two unread counters on a room.
type Side int

const (
	// AgentSide is the operator-facing counter (agent_unread_count).
	AgentSide Side = iota
	// PartnerSide is the retailer-facing counter (partner_unread_count).
	PartnerSide
)

func (s Side) String() string {
	if s == AgentSide {
		return "agent"
	}
	return "partner"
}

// User is a persisted identity. Device tokens live in their own table and
// only ever accumulate.
type User struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// Store is the durable backend for the chat core. Implementations must make
// IncrementUnread a storage-level atomic add, not read-modify-write: two
// messages can land on the same room from different connections at once.
type Store interface {
	// FindRoom returns the room for the pair or ErrRoomNotFound.
	FindRoom(ctx context.Context, agentCode, partnerCode string) (*protocol.Room, error)
	// CreateRoom inserts the room unless the (agent, partner) pair already
	// exists, in which case the existing row is returned and created is
	// false. This is the conflict side of the find-or-create race.
	CreateRoom(ctx context.Context, room *protocol.Room) (created bool, out *protocol.Room, err error)
	// GetRoom returns the room by id or ErrRoomNotFound.
	GetRoom(ctx context.Context, roomID string) (*protocol.Room, error)
	// RoomsByAgent lists all rooms on an operator's side.
	RoomsByAgent(ctx context.Context, agentCode string) ([]protocol.Room, error)
	// RoomsByPartner lists all rooms on a retailer's side.
	RoomsByPartner(ctx context.Context, partnerCode string) ([]protocol.Room, error)

	// IncrementUnread atomically adds one to the side's counter and returns
	// the new value. ErrRoomNotFound if the room does not exist.
	IncrementUnread(ctx context.Context, roomID string, side Side) (int, error)
	// ResetUnread sets the side's counter to exactly zero.
	ResetUnread(ctx context.Context, roomID string, side Side) error
	// TotalUnread sums the side's counters across every room where code is
	// the side's participant.
	TotalUnread(ctx context.Context, code string, side Side) (int, error)

	// AppendChat persists one immutable message.
	AppendChat(ctx context.Context, chat *protocol.Chat) error
	// RoomChats returns a room's messages in ascending timestamp order.
	RoomChats(ctx context.Context, roomID string) ([]protocol.Chat, error)

	// UpsertUser records the identity on first resolution and refreshes the
	// display name on later connects.
	UpsertUser(ctx context.Context, u User) error
	// AddDeviceToken unions one push token into the user's device set.
	AddDeviceToken(ctx context.Context, userID, token string) error
	// DeviceTokens returns every registered push token for the user.
	DeviceTokens(ctx context.Context, userID string) ([]string, error)

	Close() error
}
