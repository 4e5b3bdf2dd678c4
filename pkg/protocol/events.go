package protocol

// Server → client event frames. Each struct carries its own "type" tag so a
// frame marshals to exactly the shape clients match on.

// TotalCountEvent is the identity's aggregate unread badge, pushed on
// connect and after anything that can change it.
type TotalCountEvent struct {
	Type             string `json:"type"`
	TotalUnreadCount int    `json:"total_unread_count"`
}

func NewTotalCount(n int) TotalCountEvent {
	return TotalCountEvent{Type: EventTotalCount, TotalUnreadCount: n}
}

// ChatRoomsEvent answers get_chat_rooms.
type ChatRoomsEvent struct {
	Type  string `json:"type"`
	Rooms []Room `json:"rooms"`
}

func NewChatRooms(rooms []Room) ChatRoomsEvent {
	return ChatRoomsEvent{Type: EventChatRooms, Rooms: rooms}
}

// RoomChatsEvent carries a room's full history to the joining connection.
type RoomChatsEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	RoomInfo Room   `json:"room_info"`
	Chats    []Chat `json:"chats"`
}

func NewRoomChats(room Room, chats []Chat) RoomChatsEvent {
	return RoomChatsEvent{Type: EventRoomChats, RoomID: room.RoomID, RoomInfo: room, Chats: chats}
}

// RoomAddedEvent tells both sides a room now exists.
type RoomAddedEvent struct {
	Type    string `json:"type"`
	NewRoom Room   `json:"new_room"`
}

func NewRoomAdded(room Room) RoomAddedEvent {
	return RoomAddedEvent{Type: EventRoomAdded, NewRoom: room}
}

// NewChatEvent fans a persisted message out to sender and receiver.
type NewChatEvent struct {
	Type    string `json:"type"`
	NewChat Chat   `json:"new_chat"`
}

func NewNewChat(chat Chat) NewChatEvent {
	return NewChatEvent{Type: EventNewChat, NewChat: chat}
}

// RoomModifiedEvent pushes a room's updated counters to both sides.
type RoomModifiedEvent struct {
	Type         string `json:"type"`
	ModifiedRoom Room   `json:"modified_room"`
}

func NewRoomModified(room Room) RoomModifiedEvent {
	return RoomModifiedEvent{Type: EventRoomModified, ModifiedRoom: room}
}

// ErrorEvent is a best-effort, human-readable per-action failure notice.
// The connection stays open.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}
