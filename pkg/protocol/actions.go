package protocol

import (
	"encoding/json"
	"fmt"
)

// Action is one decoded client frame. The concrete type tells the session
// controller what to do; DecodeAction is the only place frames are parsed.
type Action interface{ isAction() }

// UpdateFCMToken registers one more push device token for the identity.
type UpdateFCMToken struct {
	FCMToken string `json:"fcmToken"`
}

// Disconnect is a client-initiated close.
type Disconnect struct{}

// GetChatRooms lists the rooms the identity participates in. SearchText is
// honored for operators only.
type GetChatRooms struct {
	SearchText string `json:"searchText"`
}

// JoinNewRoom resolves (or lazily creates) the room for an (agent, partner)
// pair. Retailers supply AgentCode; operators supply PartnerCode and
// PartnerName. The missing side comes from the connection's identity.
type JoinNewRoom struct {
	AgentCode   string `json:"agentCode"`
	PartnerCode string `json:"partnerCode"`
	PartnerName string `json:"partnerName"`
}

// JoinRoom requests the history of an existing room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// ResetRoomUnread zeroes the viewer-side unread counter of a room.
type ResetRoomUnread struct {
	RoomID string `json:"roomId"`
}

// NewMessage posts a chat message to a room.
type NewMessage struct {
	RoomID          string   `json:"roomId"`
	Text            string   `json:"text"`
	AttachmentPaths []string `json:"attachmentPaths"`
}

func (UpdateFCMToken) isAction()  {}
func (Disconnect) isAction()      {}
func (GetChatRooms) isAction()    {}
func (JoinNewRoom) isAction()     {}
func (JoinRoom) isAction()        {}
func (ResetRoomUnread) isAction() {}
func (NewMessage) isAction()      {}

// ErrUnknownAction reports a frame whose "action" field is not recognized.
// The session controller ignores these rather than closing the connection.
type ErrUnknownAction struct {
	Name string
}

func (e ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// DecodeAction parses one client frame into its tagged action type.
func DecodeAction(data []byte) (Action, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode action frame: %w", err)
	}

	switch envelope.Action {
	case ActionUpdateFCMToken:
		var a UpdateFCMToken
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return a, nil
	case ActionDisconnect:
		return Disconnect{}, nil
	case ActionGetChatRooms:
		var a GetChatRooms
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return a, nil
	case ActionJoinNewRoom:
		var a JoinNewRoom
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return a, nil
	case ActionJoinRoom:
		var a JoinRoom
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return a, nil
	case ActionResetUnread:
		var a ResetRoomUnread
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return a, nil
	case ActionNewMessage:
		var a NewMessage
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Action, err)
		}
		return a, nil
	default:
		return nil, ErrUnknownAction{Name: envelope.Action}
	}
}
