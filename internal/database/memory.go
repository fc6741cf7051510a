package database

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"
)

// MemoryRepository is a DiscussRepository held entirely in process memory.
// It honours the same conditional-update semantics as the Postgres
// repository.
type MemoryRepository struct {
	mu       sync.Mutex
	users    map[int]User
	subRooms map[string][]SubRoom
	messages map[string][]Message
	lastId   int64
	// FailCreateMessage makes CreateMessage return the error when set.
	FailCreateMessage error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[int]User),
		subRooms: make(map[string][]SubRoom),
		messages: make(map[string][]Message),
	}
}

func (m *MemoryRepository) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Id] = u
}

func (m *MemoryRepository) Ping() error {
	return nil
}

func (m *MemoryRepository) GetUserById(_ context.Context, userId int) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userId]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *MemoryRepository) DebitTokens(_ context.Context, userId, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userId]
	if !ok || u.TokenBalance < amount {
		return 0, ErrInsufficientBalance
	}

	u.TokenBalance -= amount
	m.users[userId] = u
	return u.TokenBalance, nil
}

func (m *MemoryRepository) ListSubRooms(_ context.Context, topicKey string) ([]SubRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.subRooms[topicKey]), nil
}

func (m *MemoryRepository) CreateSubRoom(_ context.Context, topicKey string, ordinal int, roomId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sr := range m.subRooms[topicKey] {
		if sr.Ordinal == ordinal {
			return nil
		}
	}

	m.subRooms[topicKey] = append(m.subRooms[topicKey], SubRoom{
		TopicKey:  topicKey,
		Ordinal:   ordinal,
		RoomId:    roomId,
		CreatedAt: time.Now().UTC(),
	})
	slices.SortFunc(m.subRooms[topicKey], func(a, b SubRoom) int { return a.Ordinal - b.Ordinal })
	return nil
}

func (m *MemoryRepository) IncrementOccupancy(_ context.Context, topicKey, roomId string, capacity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.subRooms[topicKey]
	for i := range rooms {
		if rooms[i].RoomId == roomId {
			if rooms[i].Occupants >= capacity {
				return false, nil
			}
			rooms[i].Occupants++
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) DecrementOccupancy(_ context.Context, topicKey, roomId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.subRooms[topicKey]
	for i := range rooms {
		if rooms[i].RoomId == roomId {
			if rooms[i].Occupants == 0 {
				return false, nil
			}
			rooms[i].Occupants--
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) CreateMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreateMessage != nil {
		return Message{}, m.FailCreateMessage
	}

	m.lastId++
	msg := Message{
		Id:            m.lastId,
		RoomId:        params.RoomId,
		UserId:        params.UserId,
		Username:      m.users[params.UserId].Username,
		Content:       params.Content,
		FromAssistant: params.FromAssistant,
		CreatedAt:     params.CreatedAt,
	}
	m.messages[params.RoomId] = append(m.messages[params.RoomId], msg)
	return msg, nil
}

func (m *MemoryRepository) GetMessages(_ context.Context, roomId string, before int64, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	stored := m.messages[roomId]
	messages := make([]Message, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(messages) < limit; i-- {
		if before > 0 && stored[i].Id >= before {
			continue
		}
		msg := stored[i]
		msg.Username = m.users[msg.UserId].Username
		messages = append(messages, msg)
	}
	return messages, nil
}
