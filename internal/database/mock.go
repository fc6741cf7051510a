package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDiscussRepository struct {
	mock.Mock
}

func (m *MockDiscussRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockDiscussRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockDiscussRepository) DebitTokens(ctx context.Context, userId, amount int) (int, error) {
	args := m.Called(ctx, userId, amount)
	return args.Int(0), args.Error(1)
}
func (m *MockDiscussRepository) ListSubRooms(ctx context.Context, topicKey string) ([]SubRoom, error) {
	args := m.Called(ctx, topicKey)
	if rooms, ok := args.Get(0).([]SubRoom); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockDiscussRepository) CreateSubRoom(ctx context.Context, topicKey string, ordinal int, roomId string) error {
	args := m.Called(ctx, topicKey, ordinal, roomId)
	return args.Error(0)
}
func (m *MockDiscussRepository) IncrementOccupancy(ctx context.Context, topicKey, roomId string, capacity int) (bool, error) {
	args := m.Called(ctx, topicKey, roomId, capacity)
	return args.Bool(0), args.Error(1)
}
func (m *MockDiscussRepository) DecrementOccupancy(ctx context.Context, topicKey, roomId string) (bool, error) {
	args := m.Called(ctx, topicKey, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockDiscussRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockDiscussRepository) GetMessages(ctx context.Context, roomId string, before int64, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
