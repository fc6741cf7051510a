// Package ledger persists room messages and serves them back in pages.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/types"
)

const PageSize = 20

type Store interface {
	CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error)
	GetMessages(ctx context.Context, roomId string, before int64, limit int) ([]database.Message, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC().Round(time.Millisecond) },
	}
}

// Append stores a message and returns it with its assigned id, timestamp
// and the sender's display name.
func (l *Ledger) Append(ctx context.Context, roomId string, senderId int, content string) (types.Message, error) {
	return l.append(ctx, roomId, senderId, content, false)
}

// AppendReply stores an assistant reply to a question asked by senderId.
func (l *Ledger) AppendReply(ctx context.Context, roomId string, senderId int, content string) (types.Message, error) {
	return l.append(ctx, roomId, senderId, content, true)
}

func (l *Ledger) append(ctx context.Context, roomId string, senderId int, content string, fromAssistant bool) (types.Message, error) {
	msg, err := l.store.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:        roomId,
		UserId:        senderId,
		Content:       content,
		FromAssistant: fromAssistant,
		CreatedAt:     l.now(),
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("%w: create message: %w", types.ErrPersistence, err)
	}

	return toMessage(msg), nil
}

// History returns the PageSize most recent messages of a room older than
// beforeId (or the latest ones when beforeId is zero), oldest first.
func (l *Ledger) History(ctx context.Context, roomId string, beforeId int64) (types.HistoryPage, error) {
	dbMessages, err := l.store.GetMessages(ctx, roomId, beforeId, PageSize)
	if err != nil {
		return types.HistoryPage{}, fmt.Errorf("get messages: %w", err)
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, toMessage(m))
	}
	slices.SortFunc(messages, func(a, b types.Message) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})

	return types.HistoryPage{
		Messages: messages,
		HasMore:  len(messages) == PageSize,
	}, nil
}

func toMessage(m database.Message) types.Message {
	name := m.Username
	if m.FromAssistant {
		name = types.AssistantName
	}

	return types.Message{
		Id:         m.Id,
		RoomId:     m.RoomId,
		SenderId:   m.UserId,
		SenderName: name,
		Content:    m.Content,
		Timestamp:  m.CreatedAt,
	}
}
