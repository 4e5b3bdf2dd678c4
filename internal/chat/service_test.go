package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/simpasskr/chatgate/internal/hub"
	"github.com/simpasskr/chatgate/internal/identity"
	"github.com/simpasskr/chatgate/internal/push"
	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

// memStore is an in-memory store.Store. Counter updates happen under one
// lock, mirroring the atomicity the real backends get from the database.
type memStore struct {
	mu     sync.Mutex
	rooms  map[string]*protocol.Room
	chats  map[string][]protocol.Chat
	users  map[string]store.User
	tokens map[string][]string
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		rooms:  make(map[string]*protocol.Room),
		chats:  make(map[string][]protocol.Chat),
		users:  make(map[string]store.User),
		tokens: make(map[string][]string),
	}
}

func (m *memStore) FindRoom(_ context.Context, agentCode, partnerCode string) (*protocol.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.AgentCode == agentCode && r.PartnerCode == partnerCode {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrRoomNotFound
}

func (m *memStore) CreateRoom(ctx context.Context, room *protocol.Room) (bool, *protocol.Room, error) {
	m.mu.Lock()
	for _, r := range m.rooms {
		if r.AgentCode == room.AgentCode && r.PartnerCode == room.PartnerCode {
			cp := *r
			m.mu.Unlock()
			return false, &cp, nil
		}
	}
	cp := *room
	m.rooms[room.RoomID] = &cp
	out := cp
	m.mu.Unlock()
	return true, &out, nil
}

func (m *memStore) GetRoom(_ context.Context, roomID string) (*protocol.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, store.ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) roomsBy(match func(*protocol.Room) bool) []protocol.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []protocol.Room{}
	for _, r := range m.rooms {
		if match(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (m *memStore) RoomsByAgent(_ context.Context, agentCode string) ([]protocol.Room, error) {
	return m.roomsBy(func(r *protocol.Room) bool { return r.AgentCode == agentCode }), nil
}

func (m *memStore) RoomsByPartner(_ context.Context, partnerCode string) ([]protocol.Room, error) {
	return m.roomsBy(func(r *protocol.Room) bool { return r.PartnerCode == partnerCode }), nil
}

func (m *memStore) IncrementUnread(_ context.Context, roomID string, side store.Side) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return 0, store.ErrRoomNotFound
	}
	if side == store.AgentSide {
		r.AgentUnreadCount++
		return r.AgentUnreadCount, nil
	}
	r.PartnerUnreadCount++
	return r.PartnerUnreadCount, nil
}

func (m *memStore) ResetUnread(_ context.Context, roomID string, side store.Side) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return store.ErrRoomNotFound
	}
	if side == store.AgentSide {
		r.AgentUnreadCount = 0
	} else {
		r.PartnerUnreadCount = 0
	}
	return nil
}

func (m *memStore) TotalUnread(_ context.Context, code string, side store.Side) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, r := range m.rooms {
		if side == store.AgentSide && r.AgentCode == code {
			total += r.AgentUnreadCount
		}
		if side == store.PartnerSide && r.PartnerCode == code {
			total += r.PartnerUnreadCount
		}
	}
	return total, nil
}

func (m *memStore) AppendChat(_ context.Context, chat *protocol.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[chat.RoomID] = append(m.chats[chat.RoomID], *chat)
	return nil
}

func (m *memStore) RoomChats(_ context.Context, roomID string) ([]protocol.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]protocol.Chat{}, m.chats[roomID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memStore) UpsertUser(_ context.Context, u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *memStore) AddDeviceToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens[userID] {
		if t == token {
			return nil
		}
	}
	m.tokens[userID] = append(m.tokens[userID], token)
	return nil
}

func (m *memStore) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.tokens[userID]...), nil
}

func (m *memStore) Close() error { return nil }

// recorder is a hub.Conn capturing frames in order.
type recorder struct {
	mu     sync.Mutex
	frames []any
}

func (r *recorder) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, v)
	return nil
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any{}, r.frames...)
}

// fakePush records multicast calls.
type fakePush struct {
	mu    sync.Mutex
	calls []pushCall
}

type pushCall struct {
	tokens []string
	title  string
	body   string
	roomID string
}

func (f *fakePush) SendMulticast(_ context.Context, tokens []string, title, body, roomID string) (push.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{tokens: tokens, title: title, body: body, roomID: roomID})
	return push.Result{SuccessCount: len(tokens)}, nil
}

var (
	retailer = identity.Identity{ID: "p-100", Role: identity.Retailer, DisplayName: "Kim Minji"}
	operator = identity.Identity{ID: "IK", Role: identity.Operator, DisplayName: "Lee Agent"}
)

func newTestService(t *testing.T) (*Service, *memStore, *hub.Registry, *fakePush) {
	t.Helper()
	st := newMemStore()
	reg := hub.New()
	fp := &fakePush{}
	return NewService(st, reg, fp), st, reg, fp
}

func seedRoom(t *testing.T, st *memStore, room protocol.Room) {
	t.Helper()
	created, _, err := st.CreateRoom(context.Background(), &room)
	if err != nil || !created {
		t.Fatalf("seed room: created=%v err=%v", created, err)
	}
}

func TestFindOrCreateRoomIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.FindOrCreateRoom(ctx, retailer, "IK", "", "")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := svc.FindOrCreateRoom(ctx, retailer, "IK", "", "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.RoomID != second.RoomID {
		t.Errorf("room ids differ: %q vs %q", first.RoomID, second.RoomID)
	}
}

func TestFindOrCreateRoomBroadcastsRoomAdded(t *testing.T) {
	svc, _, reg, _ := newTestService(t)
	ctx := context.Background()

	retailConn := &recorder{}
	agentConn := &recorder{}
	reg.Register(retailer.ID, retailConn)
	reg.Register(operator.ID, agentConn)

	room, err := svc.FindOrCreateRoom(ctx, retailer, "IK", "", "")
	if err != nil {
		t.Fatalf("FindOrCreateRoom: %v", err)
	}
	if room.AgentUnreadCount != 0 || room.PartnerUnreadCount != 0 {
		t.Errorf("new room counters = %d/%d, want 0/0", room.AgentUnreadCount, room.PartnerUnreadCount)
	}
	if room.PartnerCode != retailer.ID || room.PartnerName != retailer.DisplayName {
		t.Errorf("partner side not taken from identity: %+v", room)
	}

	for name, conn := range map[string]*recorder{"retailer": retailConn, "agent": agentConn} {
		frames := conn.all()
		if len(frames) != 1 {
			t.Fatalf("%s got %d frames, want 1", name, len(frames))
		}
		added, ok := frames[0].(protocol.RoomAddedEvent)
		if !ok {
			t.Fatalf("%s frame is %T, want RoomAddedEvent", name, frames[0])
		}
		if added.NewRoom.RoomID != room.RoomID {
			t.Errorf("%s got room %q, want %q", name, added.NewRoom.RoomID, room.RoomID)
		}
	}

	// Finding the existing room again must not re-broadcast.
	if _, err := svc.FindOrCreateRoom(ctx, retailer, "IK", "", ""); err != nil {
		t.Fatalf("second FindOrCreateRoom: %v", err)
	}
	if got := len(retailConn.all()); got != 1 {
		t.Errorf("retailer got %d frames after re-join, want 1", got)
	}
}

func TestFindOrCreateRoomValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.FindOrCreateRoom(context.Background(), retailer, "", "", "")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError for missing agentCode, got %v", err)
	}
}

func TestPostMessageCountersAndOrdering(t *testing.T) {
	svc, st, reg, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{
		RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100",
		PartnerName: "Kim Minji", PartnerUnreadCount: 3,
	})

	partnerConn := &recorder{}
	reg.Register("p-100", partnerConn)

	if err := svc.PostMessage(ctx, operator, "r-1", "hello", nil); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	room, err := st.GetRoom(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if room.PartnerUnreadCount != 4 {
		t.Errorf("partner unread = %d, want 4", room.PartnerUnreadCount)
	}
	if room.AgentUnreadCount != 0 {
		t.Errorf("sender-side counter changed: %d, want 0", room.AgentUnreadCount)
	}

	frames := partnerConn.all()
	if len(frames) != 3 {
		t.Fatalf("partner got %d frames, want 3 (new_chat, total_count, room_modified)", len(frames))
	}
	chat, ok := frames[0].(protocol.NewChatEvent)
	if !ok {
		t.Fatalf("frame 0 is %T, want NewChatEvent", frames[0])
	}
	if chat.NewChat.Text != "hello" || chat.NewChat.Receiver != "p-100" {
		t.Errorf("unexpected chat %+v", chat.NewChat)
	}
	if chat.NewChat.AgentInfo == nil || chat.NewChat.AgentInfo.Code != "IK" {
		t.Errorf("operator message should carry agent info, got %+v", chat.NewChat.AgentInfo)
	}
	total, ok := frames[1].(protocol.TotalCountEvent)
	if !ok {
		t.Fatalf("frame 1 is %T, want TotalCountEvent", frames[1])
	}
	if total.TotalUnreadCount != 4 {
		t.Errorf("partner total = %d, want 4", total.TotalUnreadCount)
	}
	modified, ok := frames[2].(protocol.RoomModifiedEvent)
	if !ok {
		t.Fatalf("frame 2 is %T, want RoomModifiedEvent", frames[2])
	}
	if modified.ModifiedRoom.PartnerUnreadCount != 4 {
		t.Errorf("modified room counter = %d, want 4", modified.ModifiedRoom.PartnerUnreadCount)
	}
}

func TestPostMessageFromRetailerHasNoAgentInfo(t *testing.T) {
	svc, st, reg, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100"})
	agentConn := &recorder{}
	reg.Register("IK", agentConn)

	if err := svc.PostMessage(ctx, retailer, "r-1", "help me", nil); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	frames := agentConn.all()
	if len(frames) == 0 {
		t.Fatal("agent got no frames")
	}
	chat := frames[0].(protocol.NewChatEvent).NewChat
	if chat.AgentInfo != nil {
		t.Errorf("retailer message carries agent info: %+v", chat.AgentInfo)
	}
	if !chat.IsRetailer || chat.Sender != "p-100" || chat.Receiver != "IK" {
		t.Errorf("unexpected direction: %+v", chat)
	}

	room, _ := st.GetRoom(ctx, "r-1")
	if room.AgentUnreadCount != 1 || room.PartnerUnreadCount != 0 {
		t.Errorf("counters = %d/%d, want agent=1 partner=0", room.AgentUnreadCount, room.PartnerUnreadCount)
	}
}

func TestPostMessageRoomNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	err := svc.PostMessage(context.Background(), retailer, "missing", "hi", nil)
	if !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func TestPostMessageNotifiesReceiverDevices(t *testing.T) {
	svc, st, _, fp := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100"})
	st.AddDeviceToken(ctx, "p-100", "tok-a")
	st.AddDeviceToken(ctx, "p-100", "tok-b")

	if err := svc.PostMessage(ctx, operator, "r-1", "your SIM shipped", nil); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.calls) != 1 {
		t.Fatalf("push calls = %d, want 1", len(fp.calls))
	}
	call := fp.calls[0]
	if len(call.tokens) != 2 {
		t.Errorf("push tokens = %v, want both devices", call.tokens)
	}
	if call.title != operator.DisplayName || call.roomID != "r-1" {
		t.Errorf("unexpected push call %+v", call)
	}
}

func TestPostMessageNoDevicesNoPush(t *testing.T) {
	svc, st, _, fp := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100"})
	if err := svc.PostMessage(ctx, operator, "r-1", "hello", nil); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.calls) != 0 {
		t.Errorf("push calls = %d, want 0 for receiver with no devices", len(fp.calls))
	}
}

func TestPostMessageValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	var validation *ValidationError

	err := svc.PostMessage(context.Background(), retailer, "", "hi", nil)
	if !errors.As(err, &validation) {
		t.Errorf("missing roomId: want ValidationError, got %v", err)
	}
	err = svc.PostMessage(context.Background(), retailer, "r-1", "", nil)
	if !errors.As(err, &validation) {
		t.Errorf("empty message: want ValidationError, got %v", err)
	}
}

func TestResetUnreadZeroesViewerSideAndReportsTotals(t *testing.T) {
	svc, st, reg, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{
		RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100", PartnerUnreadCount: 7,
	})
	seedRoom(t, st, protocol.Room{
		RoomID: "r-2", AgentCode: "JC", PartnerCode: "p-100", PartnerUnreadCount: 2,
	})

	partnerConn := &recorder{}
	reg.Register("p-100", partnerConn)

	if err := svc.ResetUnread(ctx, retailer, "r-1"); err != nil {
		t.Fatalf("ResetUnread: %v", err)
	}

	room, _ := st.GetRoom(ctx, "r-1")
	if room.PartnerUnreadCount != 0 {
		t.Errorf("viewer counter = %d, want exactly 0", room.PartnerUnreadCount)
	}

	frames := partnerConn.all()
	if len(frames) != 2 {
		t.Fatalf("partner got %d frames, want 2 (room_modified, total_count)", len(frames))
	}
	if _, ok := frames[0].(protocol.RoomModifiedEvent); !ok {
		t.Errorf("frame 0 is %T, want RoomModifiedEvent", frames[0])
	}
	total, ok := frames[1].(protocol.TotalCountEvent)
	if !ok {
		t.Fatalf("frame 1 is %T, want TotalCountEvent", frames[1])
	}
	// The other room still holds 2 unread: the badge reflects the sum.
	if total.TotalUnreadCount != 2 {
		t.Errorf("total after reset = %d, want 2", total.TotalUnreadCount)
	}
}

func TestResetUnreadMissingRoom(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	err := svc.ResetUnread(context.Background(), retailer, "missing")
	if !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func TestRoomHistoryAscending(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100"})

	// Drive the service clock so persisted timestamps are deterministic.
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for _, text := range []string{"first", "second", "third"} {
		if err := svc.PostMessage(ctx, retailer, "r-1", text, nil); err != nil {
			t.Fatalf("PostMessage(%q): %v", text, err)
		}
	}

	_, chats, err := svc.RoomHistory(ctx, "r-1")
	if err != nil {
		t.Fatalf("RoomHistory: %v", err)
	}
	if len(chats) != 3 {
		t.Fatalf("history length = %d, want 3", len(chats))
	}
	for i := 1; i < len(chats); i++ {
		if !chats[i-1].Timestamp.Before(chats[i].Timestamp) {
			t.Errorf("history not strictly ascending at %d: %v >= %v",
				i, chats[i-1].Timestamp, chats[i].Timestamp)
		}
	}
	if chats[0].Text != "first" || chats[2].Text != "third" {
		t.Errorf("unexpected order: %q, %q, %q", chats[0].Text, chats[1].Text, chats[2].Text)
	}
}

func TestListRoomsOperatorSearch(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-1", PartnerName: "Kim Minji"})
	seedRoom(t, st, protocol.Room{RoomID: "r-2", AgentCode: "IK", PartnerCode: "p-2", PartnerName: "Park Jisoo"})
	seedRoom(t, st, protocol.Room{RoomID: "r-3", AgentCode: "JC", PartnerCode: "p-3", PartnerName: "Kim Taehyung"})

	tests := []struct {
		name   string
		search string
		want   int
	}{
		{"no filter", "", 2},
		{"case-insensitive substring", "kim", 1},
		{"whitespace only means no filter", "  ", 2},
		{"no match", "choi", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rooms, err := svc.ListRooms(ctx, operator, tt.search)
			if err != nil {
				t.Fatalf("ListRooms: %v", err)
			}
			if len(rooms) != tt.want {
				t.Errorf("got %d rooms, want %d", len(rooms), tt.want)
			}
		})
	}
}

func TestListRoomsRetailerIgnoresSearch(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100", PartnerName: "Kim Minji"})
	seedRoom(t, st, protocol.Room{RoomID: "r-2", AgentCode: "JC", PartnerCode: "p-100", PartnerName: "Kim Minji"})

	rooms, err := svc.ListRooms(ctx, retailer, "nomatch")
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("retailer got %d rooms, want 2 (filter is operator-only)", len(rooms))
	}
}

func TestTotalUnreadByRole(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	seedRoom(t, st, protocol.Room{RoomID: "r-1", AgentCode: "IK", PartnerCode: "p-100", AgentUnreadCount: 5, PartnerUnreadCount: 2})
	seedRoom(t, st, protocol.Room{RoomID: "r-2", AgentCode: "IK", PartnerCode: "p-200", AgentUnreadCount: 1})

	agentTotal, err := svc.TotalUnread(ctx, operator)
	if err != nil {
		t.Fatalf("TotalUnread(operator): %v", err)
	}
	if agentTotal != 6 {
		t.Errorf("operator total = %d, want 6", agentTotal)
	}

	partnerTotal, err := svc.TotalUnread(ctx, retailer)
	if err != nil {
		t.Fatalf("TotalUnread(retailer): %v", err)
	}
	if partnerTotal != 2 {
		t.Errorf("retailer total = %d, want 2", partnerTotal)
	}
}

func TestRegisterDevice(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.RegisterDevice(ctx, retailer, "tok-1"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	// Registering the same token twice must not duplicate it.
	if err := svc.RegisterDevice(ctx, retailer, "tok-1"); err != nil {
		t.Fatalf("RegisterDevice repeat: %v", err)
	}
	tokens, _ := st.DeviceTokens(ctx, retailer.ID)
	if len(tokens) != 1 {
		t.Errorf("tokens = %v, want exactly one", tokens)
	}

	var validation *ValidationError
	if err := svc.RegisterDevice(ctx, retailer, ""); !errors.As(err, &validation) {
		t.Errorf("empty token: want ValidationError, got %v", err)
	}
}
