package database

import (
	"context"
	"errors"
)

// ErrInsufficientBalance is returned by DebitTokens when the conditional
// update matched no row.
var ErrInsufficientBalance = errors.New("insufficient balance")

type DiscussRepository interface {
	Ping() error
	GetUserById(ctx context.Context, userId int) (User, error)
	DebitTokens(ctx context.Context, userId, amount int) (int, error)
	ListSubRooms(ctx context.Context, topicKey string) ([]SubRoom, error)
	CreateSubRoom(ctx context.Context, topicKey string, ordinal int, roomId string) error
	IncrementOccupancy(ctx context.Context, topicKey, roomId string, capacity int) (bool, error)
	DecrementOccupancy(ctx context.Context, topicKey, roomId string) (bool, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, roomId string, before int64, limit int) ([]Message, error)
}
