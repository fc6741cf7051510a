// Package directory shards each topic into capacity-bounded sub-rooms and
// tracks how many connections occupy each one.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/rs/zerolog"
)

const maxJoinAttempts = 5

// Store is the durable allocation state consulted by the Directory.
type Store interface {
	ListSubRooms(ctx context.Context, topicKey string) ([]database.SubRoom, error)
	CreateSubRoom(ctx context.Context, topicKey string, ordinal int, roomId string) error
	IncrementOccupancy(ctx context.Context, topicKey, roomId string, capacity int) (bool, error)
	DecrementOccupancy(ctx context.Context, topicKey, roomId string) (bool, error)
}

// Seat records which sub-room of which topic a connection occupies.
type Seat struct {
	Topic  string
	RoomId string
}

type Directory struct {
	store      Store
	capacity   int
	minBalance int
	locks      *keyedMutex
	log        zerolog.Logger
}

func New(logger zerolog.Logger, store Store, capacity, minBalance int) *Directory {
	return &Directory{
		store:      store,
		capacity:   capacity,
		minBalance: minBalance,
		locks:      newKeyedMutex(),
		log:        logger.With().Str("component", "directory").Logger(),
	}
}

// SubRoomName is the deterministic id of the ordinal-th sub-room of a topic.
func SubRoomName(topicKey string, ordinal int) string {
	return fmt.Sprintf("%s-Room-%d", topicKey, ordinal)
}

// JoinTopic seats a connection holding balance tokens in the first sub-room
// of topicKey with spare capacity, creating a new sub-room when all are full.
func (d *Directory) JoinTopic(ctx context.Context, topicKey string, balance int) (Seat, error) {
	if balance < d.minBalance {
		return Seat{}, fmt.Errorf("%w: balance %d below minimum %d", types.ErrAccessDenied, balance, d.minBalance)
	}

	unlock := d.locks.lock(topicKey)
	defer unlock()

	for attempt := 1; attempt <= maxJoinAttempts; attempt++ {
		roomId, err := d.reserve(ctx, topicKey)
		if err == nil {
			d.log.Debug().Str("topic", topicKey).Str("room", roomId).Msg("seat reserved")
			return Seat{Topic: topicKey, RoomId: roomId}, nil
		}

		if !errors.Is(err, types.ErrAllocationRace) {
			return Seat{}, err
		}
		d.log.Warn().Str("topic", topicKey).Int("attempt", attempt).Msg("lost allocation race, retrying")
	}

	return Seat{}, fmt.Errorf("join topic %q: gave up after %d attempts", topicKey, maxJoinAttempts)
}

func (d *Directory) reserve(ctx context.Context, topicKey string) (string, error) {
	rooms, err := d.store.ListSubRooms(ctx, topicKey)
	if err != nil {
		return "", fmt.Errorf("list sub rooms: %w", err)
	}

	if len(rooms) == 0 {
		first := SubRoomName(topicKey, 1)
		if err := d.store.CreateSubRoom(ctx, topicKey, 1, first); err != nil {
			return "", fmt.Errorf("create sub room: %w", err)
		}
		rooms = []database.SubRoom{{TopicKey: topicKey, Ordinal: 1, RoomId: first}}
	}

	target := ""
	for _, r := range rooms {
		if r.Occupants < d.capacity {
			target = r.RoomId
			break
		}
	}

	if target == "" {
		ordinal := rooms[len(rooms)-1].Ordinal + 1
		target = SubRoomName(topicKey, ordinal)
		if err := d.store.CreateSubRoom(ctx, topicKey, ordinal, target); err != nil {
			return "", fmt.Errorf("create sub room: %w", err)
		}
		d.log.Info().Str("topic", topicKey).Str("room", target).Msg("opened new sub room")
	}

	ok, err := d.store.IncrementOccupancy(ctx, topicKey, target, d.capacity)
	if err != nil {
		return "", fmt.Errorf("increment occupancy: %w", err)
	}
	if !ok {
		return "", types.ErrAllocationRace
	}

	return target, nil
}

// LeaveTopic gives a seat back. Releasing a seat whose count is already zero
// is logged and otherwise ignored.
func (d *Directory) LeaveTopic(ctx context.Context, seat Seat) {
	if seat.Topic == "" || seat.RoomId == "" {
		return
	}

	unlock := d.locks.lock(seat.Topic)
	defer unlock()

	ok, err := d.store.DecrementOccupancy(ctx, seat.Topic, seat.RoomId)
	if err != nil {
		d.log.Error().Err(err).Str("topic", seat.Topic).Str("room", seat.RoomId).Msg("decrement occupancy")
		return
	}
	if !ok {
		d.log.Warn().Str("topic", seat.Topic).Str("room", seat.RoomId).Msg("occupancy already zero")
	}
}
