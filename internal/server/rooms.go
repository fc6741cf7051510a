package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/directory"
	"github.com/npezzotti/go-discuss/internal/stats"
	"github.com/npezzotti/go-discuss/internal/types"
)

const (
	StatusDelivered = "delivered"
	// StatusDropped means the message was paid for but could not be stored
	// and was not broadcast.
	StatusDropped = "dropped"
)

type Receipt struct {
	Status          string         `json:"status"`
	Message         *types.Message `json:"message,omitempty"`
	TokensRemaining int            `json:"tokens_remaining"`
}

// JoinTopic seats the client in a sub-room of the topic and returns the
// sub-room id. A client holds at most one topic seat, so a previous seat in
// another topic is released once the new one is secured.
func (cs *ChatServer) JoinTopic(ctx context.Context, c *Client, topicId string) (string, error) {
	if strings.TrimSpace(topicId) == "" {
		return "", fmt.Errorf("%w: topic id is required", types.ErrInvalidMessage)
	}

	if seat := c.currentSeat(); seat != nil && seat.Topic == topicId {
		return seat.RoomId, nil
	}

	seat, err := cs.directory.JoinTopic(ctx, topicId, c.User().TokenBalance)
	if err != nil {
		if errors.Is(err, types.ErrAccessDenied) {
			cs.stats.Incr(stats.JoinsDenied)
		}
		return "", err
	}

	c.addRoom(seat.RoomId)
	cs.registry.Add(seat.RoomId, c)

	if prev := c.swapSeat(&seat); prev != nil {
		cs.leaveSeat(ctx, c, *prev)
	}

	cs.stats.Incr(stats.TopicJoins)
	c.log.Info().Str("topic", topicId).Str("room", seat.RoomId).Msg("joined topic room")

	return seat.RoomId, nil
}

func (cs *ChatServer) leaveSeat(ctx context.Context, c *Client, seat directory.Seat) {
	cs.registry.Remove(seat.RoomId, c)
	c.delRoom(seat.RoomId)
	cs.directory.LeaveTopic(ctx, seat)
}

// JoinDirect adds the client to the private room it shares with target.
func (cs *ChatServer) JoinDirect(ctx context.Context, c *Client, targetUserId int) (string, error) {
	self := c.User().Id
	if targetUserId <= 0 || targetUserId == self {
		return "", fmt.Errorf("%w: invalid target user %d", types.ErrInvalidMessage, targetUserId)
	}

	if _, err := cs.db.GetUserById(ctx, targetUserId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %d", types.ErrUserNotFound, targetUserId)
		}
		return "", fmt.Errorf("get user: %w", err)
	}

	roomId := DirectRoomId(self, targetUserId)
	c.addRoom(roomId)
	cs.registry.Add(roomId, c)

	return roomId, nil
}

// Send charges the sender for one message, stores it and broadcasts it to
// the room. Tokens are debited before the message is stored and are not
// refunded if storing fails; the receipt then reports StatusDropped.
func (cs *ChatServer) Send(ctx context.Context, c *Client, roomId, content string) (Receipt, error) {
	if strings.TrimSpace(content) == "" {
		return Receipt{}, fmt.Errorf("%w: empty content", types.ErrInvalidMessage)
	}
	if !c.inRoom(roomId) {
		return Receipt{}, fmt.Errorf("%w: %q", types.ErrNotInRoom, roomId)
	}

	user := c.User()
	if user.TokenBalance < cs.messageCost {
		cs.stats.Incr(stats.MessagesRejected)
		return Receipt{}, types.ErrInsufficientTokens
	}

	remaining, err := cs.db.DebitTokens(ctx, user.Id, cs.messageCost)
	if err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			cs.stats.Incr(stats.MessagesRejected)
			cs.refreshBalance(ctx, c)
			return Receipt{}, types.ErrInsufficientTokens
		}
		return Receipt{}, fmt.Errorf("debit tokens: %w", err)
	}
	c.setBalance(remaining)

	msg, err := cs.ledger.Append(ctx, roomId, user.Id, content)
	if err != nil {
		cs.stats.Incr(stats.MessagesDropped)
		c.log.Error().Err(err).Str("room", roomId).Int("cost", cs.messageCost).
			Msg("persistence failure, tokens not refunded")
		return Receipt{Status: StatusDropped, TokensRemaining: remaining}, nil
	}

	cs.PublishMessage(roomId, msg)
	cs.stats.Incr(stats.MessagesDelivered)

	return Receipt{Status: StatusDelivered, Message: &msg, TokensRemaining: remaining}, nil
}

// refreshBalance reloads the cached balance after the stored balance turned
// out to be lower than the cache.
func (cs *ChatServer) refreshBalance(ctx context.Context, c *Client) {
	u, err := cs.db.GetUserById(ctx, c.User().Id)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to refresh token balance")
		return
	}
	c.setBalance(u.TokenBalance)
}
