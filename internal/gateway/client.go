package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simpasskr/chatgate/internal/chat"
	"github.com/simpasskr/chatgate/internal/identity"
	"github.com/simpasskr/chatgate/internal/store"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// side gives up. Pings go out at a third of it.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 3
	// maxFrameSize caps inbound frames; chat actions are small.
	maxFrameSize = 64 * 1024
	// sendBuffer is the per-connection outbound queue. A client that
	// cannot drain it loses frames rather than stalling fan-out.
	sendBuffer = 64
)

var errSendBufferFull = errors.New("send buffer full")
var errConnClosed = errors.New("connection closed")

// client is one live connection's session controller. Inbound actions are
// processed strictly in arrival order on the read goroutine; outbound
// frames leave through a single writer goroutine, which preserves
// per-connection delivery order.
type client struct {
	server  *Server
	conn    *websocket.Conn
	id      identity.Identity
	limiter *actionLimiter

	send chan any
	done chan struct{}
	once sync.Once
}

func newClient(s *Server, conn *websocket.Conn, id identity.Identity) *client {
	return &client{
		server:  s,
		conn:    conn,
		id:      id,
		limiter: newActionLimiter(s.cfg.Server.RateLimitRPM),
		send:    make(chan any, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Send enqueues one frame for this connection. It never blocks: a full
// buffer or closed connection is an error the registry logs and swallows.
func (c *client) Send(v any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- v:
		return nil
	default:
		return errSendBufferFull
	}
}

// close tears the session down exactly once, whichever path got here
// first: client disconnect, transport error, or server shutdown.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.server.registry.Unregister(c.id.ID, c)
		c.conn.Close()
	})
}

// run services the connection until it closes: persist the identity, push
// the initial badge, then pump frames.
func (c *client) run(ctx context.Context) {
	go c.writePump()

	if err := c.server.chat.EnsureUser(ctx, c.id); err != nil {
		slog.Warn("persist user failed", "identity", c.id.ID, "error", err)
	}

	total, err := c.server.chat.TotalUnread(ctx, c.id)
	if err != nil {
		slog.Warn("initial unread count failed", "identity", c.id.ID, "error", err)
	} else {
		c.Send(protocol.NewTotalCount(total))
	}

	c.readLoop(ctx)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop processes inbound frames one at a time, in arrival order. No
// action is in flight while another is read, which gives each connection
// causal ordering of its own effects.
func (c *client) readLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("action handler panic", "identity", c.id.ID, "panic", r)
			c.Send(protocol.NewError("internal error"))
			c.close()
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read failed", "identity", c.id.ID, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.Send(protocol.NewError("too many requests, slow down"))
			continue
		}

		action, err := protocol.DecodeAction(data)
		if err != nil {
			var unknown protocol.ErrUnknownAction
			if errors.As(err, &unknown) {
				slog.Debug("ignoring unknown action", "identity", c.id.ID, "action", unknown.Name)
				continue
			}
			c.Send(protocol.NewError("malformed action payload"))
			continue
		}

		if closing := c.dispatch(ctx, action); closing {
			return
		}
	}
}

// dispatch runs one action synchronously. Per-action failures come back as
// an error event; only an explicit disconnect ends the session here.
func (c *client) dispatch(ctx context.Context, action protocol.Action) (closing bool) {
	var err error

	switch a := action.(type) {
	case protocol.Disconnect:
		return true

	case protocol.UpdateFCMToken:
		err = c.server.chat.RegisterDevice(ctx, c.id, a.FCMToken)

	case protocol.GetChatRooms:
		var rooms []protocol.Room
		rooms, err = c.server.chat.ListRooms(ctx, c.id, a.SearchText)
		if err == nil {
			c.Send(protocol.NewChatRooms(rooms))
		}

	case protocol.JoinNewRoom:
		var room *protocol.Room
		room, err = c.server.chat.FindOrCreateRoom(ctx, c.id, a.AgentCode, a.PartnerCode, a.PartnerName)
		if err == nil {
			err = c.sendHistory(ctx, room.RoomID)
		}

	case protocol.JoinRoom:
		err = c.sendHistory(ctx, a.RoomID)

	case protocol.ResetRoomUnread:
		err = c.server.chat.ResetUnread(ctx, c.id, a.RoomID)

	case protocol.NewMessage:
		err = c.server.chat.PostMessage(ctx, c.id, a.RoomID, a.Text, a.AttachmentPaths)
	}

	if err != nil {
		c.reportError(err)
	}
	return false
}

func (c *client) sendHistory(ctx context.Context, roomID string) error {
	room, chats, err := c.server.chat.RoomHistory(ctx, roomID)
	if err != nil {
		return err
	}
	c.Send(protocol.NewRoomChats(*room, chats))
	return nil
}

// reportError maps a per-action failure to a best-effort error event. The
// connection stays open in every case.
func (c *client) reportError(err error) {
	var validation *chat.ValidationError
	switch {
	case errors.As(err, &validation):
		c.Send(protocol.NewError(validation.Msg))
	case errors.Is(err, store.ErrRoomNotFound):
		c.Send(protocol.NewError("chat room not found"))
	default:
		slog.Error("action failed", "identity", c.id.ID, "error", err)
		c.Send(protocol.NewError("operation failed, please retry"))
	}
}
