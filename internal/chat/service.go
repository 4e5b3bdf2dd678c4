package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/simpasskr/chatgate/internal/hub"
	"github.com/simpasskr/chatgate/internal/identity"
	"github.com/simpasskr/chatgate/internal/push"
	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

const (
	// defaultCallTimeout bounds every storage and push call so no action
	// can block its connection indefinitely.
	defaultCallTimeout = 10 * time.Second

	// pushBodyLimit truncates message text in notification bodies.
	pushBodyLimit = 120
)

// Service drives room resolution, the message pipeline, and unread-count
// bookkeeping. It fans results out through the connection registry and
// hands offline alerts to the push dispatcher.
type Service struct {
	store  store.Store
	hub    *hub.Registry
	push   push.Dispatcher
	tracer trace.Tracer

	callTimeout time.Duration
	now         func() time.Time
}

func NewService(st store.Store, h *hub.Registry, d push.Dispatcher) *Service {
	return &Service{
		store:       st,
		hub:         h,
		push:        d,
		tracer:      otel.Tracer("chatgate/chat"),
		callTimeout: defaultCallTimeout,
		now:         time.Now,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// EnsureUser persists the identity on connect so device tokens and display
// names survive restarts.
func (s *Service) EnsureUser(ctx context.Context, id identity.Identity) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.UpsertUser(ctx, store.User{
		ID:          id.ID,
		Role:        id.Role.String(),
		DisplayName: id.DisplayName,
	})
}

// RegisterDevice unions one push token into the identity's device set.
func (s *Service) RegisterDevice(ctx context.Context, id identity.Identity, token string) error {
	if token == "" {
		return &ValidationError{Msg: "fcmToken is required"}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.AddDeviceToken(ctx, id.ID, token)
}

// TotalUnread is the identity's aggregate badge: the sum of its viewer-side
// counter across every room it participates in.
func (s *Service) TotalUnread(ctx context.Context, id identity.Identity) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.TotalUnread(ctx, id.ID, viewerSide(id.Role))
}

// ListRooms returns the identity's rooms. The free-text filter matches the
// partner display name case-insensitively and applies to operators only.
func (s *Service) ListRooms(ctx context.Context, id identity.Identity, searchText string) ([]protocol.Room, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if id.Role.IsRetailer() {
		return s.store.RoomsByPartner(ctx, id.ID)
	}

	rooms, err := s.store.RoomsByAgent(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(searchText))
	if needle == "" {
		return rooms, nil
	}
	filtered := rooms[:0]
	for _, room := range rooms {
		if strings.Contains(strings.ToLower(room.PartnerName), needle) {
			filtered = append(filtered, room)
		}
	}
	return filtered, nil
}

// FindOrCreateRoom resolves the room for the (agent, partner) pair implied
// by the action and the caller's identity, creating it lazily with both
// counters at zero. On creation both sides are told via room_added so
// already-connected devices pick the room up without reloading. Repeated
// calls for the same pair converge on one room id.
func (s *Service) FindOrCreateRoom(ctx context.Context, id identity.Identity, agentCode, partnerCode, partnerName string) (*protocol.Room, error) {
	if id.Role.IsRetailer() {
		partnerCode = id.ID
		partnerName = id.DisplayName
	} else {
		agentCode = id.ID
	}
	if agentCode == "" {
		return nil, &ValidationError{Msg: "agentCode is required"}
	}
	if partnerCode == "" {
		return nil, &ValidationError{Msg: "partnerCode is required"}
	}

	ctx, span := s.tracer.Start(ctx, "chat.find_or_create_room",
		trace.WithAttributes(
			attribute.String("chat.agent_code", agentCode),
			attribute.String("chat.partner_code", partnerCode),
		))
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	room, err := s.store.FindRoom(ctx, agentCode, partnerCode)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrRoomNotFound) {
		return nil, fmt.Errorf("find room: %w", err)
	}

	created, room, err := s.store.CreateRoom(ctx, &protocol.Room{
		RoomID:      uuid.Must(uuid.NewV7()).String(),
		AgentCode:   agentCode,
		PartnerCode: partnerCode,
		PartnerName: partnerName,
	})
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if created {
		event := protocol.NewRoomAdded(*room)
		s.hub.SendTo(room.AgentCode, event)
		s.hub.SendTo(room.PartnerCode, event)
	}
	return room, nil
}

// RoomHistory returns a room and its messages in ascending timestamp
// order. Read-only.
func (s *Service) RoomHistory(ctx context.Context, roomID string) (*protocol.Room, []protocol.Chat, error) {
	if roomID == "" {
		return nil, nil, &ValidationError{Msg: "roomId is required"}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	chats, err := s.store.RoomChats(ctx, roomID)
	if err != nil {
		return nil, nil, fmt.Errorf("load room history: %w", err)
	}
	return room, chats, nil
}

// PostMessage validates, persists, and fans out one message: the receiving
// side's counter is incremented atomically at the storage layer, then both
// participants get new_chat, their total_count, and room_modified, in
// that order on any one connection. The receiver additionally gets a
// best-effort push notification whose failure is only ever logged.
func (s *Service) PostMessage(ctx context.Context, id identity.Identity, roomID, text string, attachmentPaths []string) error {
	if roomID == "" {
		return &ValidationError{Msg: "roomId is required"}
	}
	if text == "" && len(attachmentPaths) == 0 {
		return &ValidationError{Msg: "message has no text or attachments"}
	}
	if attachmentPaths == nil {
		attachmentPaths = []string{}
	}

	ctx, span := s.tracer.Start(ctx, "chat.post_message",
		trace.WithAttributes(attribute.String("chat.room_id", roomID)))
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	msg := &protocol.Chat{
		ChatID:          uuid.Must(uuid.NewV7()).String(),
		RoomID:          room.RoomID,
		Sender:          senderID(room, id.Role),
		Receiver:        counterpartyID(room, id.Role),
		IsRetailer:      id.Role.IsRetailer(),
		Timestamp:       s.now().UTC(),
		Text:            text,
		AttachmentPaths: attachmentPaths,
	}
	if !id.Role.IsRetailer() {
		msg.AgentInfo = &protocol.AgentInfo{Code: id.ID, Name: id.DisplayName}
	}

	if err := s.store.AppendChat(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	if _, err := s.store.IncrementUnread(ctx, room.RoomID, receiverSide(id.Role)); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}

	room, err = s.store.GetRoom(ctx, room.RoomID)
	if err != nil {
		return fmt.Errorf("reload room: %w", err)
	}

	chatEvent := protocol.NewNewChat(*msg)
	s.hub.SendTo(msg.Sender, chatEvent)
	s.hub.SendTo(msg.Receiver, chatEvent)

	s.pushTotals(ctx, room)

	modified := protocol.NewRoomModified(*room)
	s.hub.SendTo(room.AgentCode, modified)
	s.hub.SendTo(room.PartnerCode, modified)

	s.notifyReceiver(ctx, id, room, msg)
	return nil
}

// ResetUnread zeroes the viewer-side counter and re-pushes room state and
// both aggregate badges: resetting one room changes the viewer's total.
func (s *Service) ResetUnread(ctx context.Context, id identity.Identity, roomID string) error {
	if roomID == "" {
		return &ValidationError{Msg: "roomId is required"}
	}

	ctx, span := s.tracer.Start(ctx, "chat.reset_unread",
		trace.WithAttributes(attribute.String("chat.room_id", roomID)))
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.ResetUnread(ctx, roomID, viewerSide(id.Role)); err != nil {
		return err
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("reload room: %w", err)
	}

	modified := protocol.NewRoomModified(*room)
	s.hub.SendTo(room.AgentCode, modified)
	s.hub.SendTo(room.PartnerCode, modified)

	s.pushTotals(ctx, room)
	return nil
}

// pushTotals recomputes and pushes each participant's aggregate badge.
// Failures degrade to a log line; the triggering action already succeeded.
func (s *Service) pushTotals(ctx context.Context, room *protocol.Room) {
	for _, side := range []store.Side{store.PartnerSide, store.AgentSide} {
		code := sideCode(room, side)
		total, err := s.store.TotalUnread(ctx, code, side)
		if err != nil {
			slog.Warn("total unread lookup failed", "identity", code, "error", err)
			continue
		}
		s.hub.SendTo(code, protocol.NewTotalCount(total))
	}
}

// notifyReceiver multicasts a push notification to the receiver's devices,
// regardless of whether any of them hold a live connection.
func (s *Service) notifyReceiver(ctx context.Context, sender identity.Identity, room *protocol.Room, msg *protocol.Chat) {
	tokens, err := s.store.DeviceTokens(ctx, msg.Receiver)
	if err != nil {
		slog.Warn("device token lookup failed", "identity", msg.Receiver, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	title := sender.DisplayName
	if title == "" {
		title = msg.Sender
	}
	body := msg.Text
	if runes := []rune(body); len(runes) > pushBodyLimit {
		body = string(runes[:pushBodyLimit])
	}

	res, err := s.push.SendMulticast(ctx, tokens, title, body, room.RoomID)
	if err != nil {
		slog.Warn("push dispatch failed", "identity", msg.Receiver, "error", err)
		return
	}
	if res.FailureCount > 0 {
		slog.Warn("push dispatch partial failure",
			"identity", msg.Receiver,
			"success", res.SuccessCount,
			"failure", res.FailureCount)
	}
}
