// Package protocol defines the JSON wire format spoken over the chat
// WebSocket: one object per frame, client actions tagged by "action",
// server events tagged by "type".
package protocol

import "time"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Client → server action names.
const (
	ActionUpdateFCMToken = "update_fcm_token"
	ActionDisconnect     = "disconnect"
	ActionGetChatRooms   = "get_chat_rooms"
	ActionJoinNewRoom    = "join_new_room"
	ActionJoinRoom       = "join_room"
	ActionResetUnread    = "reset_room_unread_count"
	ActionNewMessage     = "new_message"
)

// Server → client event types.
const (
	EventTotalCount   = "total_count"
	EventChatRooms    = "chat_rooms"
	EventRoomChats    = "room_chats"
	EventRoomAdded    = "room_added"
	EventNewChat      = "new_chat"
	EventRoomModified = "room_modified"
	EventError        = "error"
)

// Room is the wire (and stored) representation of a chat room between one
// agent code and one partner.
type Room struct {
	RoomID             string `json:"room_id"`
	AgentCode          string `json:"agent_code"`
	PartnerCode        string `json:"partner_code"`
	PartnerName        string `json:"partner_name"`
	AgentUnreadCount   int    `json:"agent_unread_count"`
	PartnerUnreadCount int    `json:"partner_unread_count"`
}

// AgentInfo attributes an operator-sent message so the retailer UI can show
// which operator answered.
type AgentInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Chat is one immutable message in a room.
type Chat struct {
	ChatID          string     `json:"chat_id"`
	RoomID          string     `json:"room_id"`
	Sender          string     `json:"sender"`
	Receiver        string     `json:"receiver"`
	IsRetailer      bool       `json:"is_retailer"`
	Timestamp       time.Time  `json:"timestamp"`
	Text            string     `json:"text"`
	AttachmentPaths []string   `json:"attachment_paths"`
	AgentInfo       *AgentInfo `json:"agent_info,omitempty"`
}
