package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-discuss/internal/assistant"
	"github.com/npezzotti/go-discuss/internal/directory"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	// operationTimeout bounds the storage work done for a single request.
	operationTimeout = 10 * time.Second
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	user       types.User
	userLock   sync.Mutex
	send       chan *ServerMessage
	rooms      map[string]struct{}
	roomsLock  sync.RWMutex
	seat       *directory.Seat
	seatLock   sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
	cleanOnce  sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id := shortid.MustGenerate()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("client", id).Int("user_id", user.Id).Logger(),
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.handleMessage(raw)
	}
}

// handleMessage decodes one client frame, runs the requested operation and
// queues its acknowledgement.
func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug().Err(err).Msg("error parsing message")
		c.queueMessage(ErrInvalidMessage(-1))
		return
	}
	msg.Timestamp = Now()

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	switch {
	case msg.JoinTopicRoom != nil:
		roomId, err := c.chatServer.JoinTopic(ctx, c, msg.JoinTopicRoom.TopicId)
		if err != nil {
			c.queueMessage(errorAck(msg.Id, err))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
	case msg.JoinDirectRoom != nil:
		roomId, err := c.chatServer.JoinDirect(ctx, c, msg.JoinDirectRoom.TargetUserId)
		if err != nil {
			c.queueMessage(errorAck(msg.Id, err))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
	case msg.SendMessage != nil:
		receipt, err := c.chatServer.Send(ctx, c, msg.SendMessage.RoomId, msg.SendMessage.Content)
		if err != nil {
			c.queueMessage(errorAck(msg.Id, err))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, receipt))

		if receipt.Status != StatusDelivered {
			return
		}
		if prompt, ok := assistant.DetectTrigger(msg.SendMessage.Content); ok {
			c.chatServer.askAssistant(msg.SendMessage.RoomId, c.User().Id, prompt)
		}
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup removes the connection from every room and releases its topic
// seat. It runs at most once per connection.
func (c *Client) cleanup() {
	c.cleanOnce.Do(func() {
		registered := c.chatServer.deregisterClient(c)
		if registered {
			defer c.chatServer.active.Done()
		}

		for _, roomId := range c.roomIds() {
			c.chatServer.registry.Remove(roomId, c)
			c.delRoom(roomId)
		}

		if seat := c.takeSeat(); seat != nil {
			ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
			defer cancel()
			c.chatServer.directory.LeaveTopic(ctx, *seat)
		}

		c.stopClient()
	})
}

// User returns the connection's user snapshot.
func (c *Client) User() types.User {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	return c.user
}

func (c *Client) setBalance(balance int) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	c.user.TokenBalance = balance
}

func (c *Client) currentSeat() *directory.Seat {
	c.seatLock.Lock()
	defer c.seatLock.Unlock()
	return c.seat
}

// swapSeat records seat as the connection's topic seat and returns the one
// it replaces.
func (c *Client) swapSeat(seat *directory.Seat) *directory.Seat {
	c.seatLock.Lock()
	defer c.seatLock.Unlock()

	prev := c.seat
	c.seat = seat
	return prev
}

func (c *Client) takeSeat() *directory.Seat {
	return c.swapSeat(nil)
}

func (c *Client) addRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[id] = struct{}{}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, id)
}

func (c *Client) inRoom(id string) bool {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	_, ok := c.rooms[id]
	return ok
}

func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
