package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/testutil"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func occupancy(t *testing.T, repo *database.MemoryRepository, topic string) map[string]int {
	rooms, err := repo.ListSubRooms(context.Background(), topic)
	require.NoError(t, err)

	occ := make(map[string]int, len(rooms))
	for _, r := range rooms {
		occ[r.RoomId] = r.Occupants
	}
	return occ
}

func TestJoinTopic_ShardsByCapacity(t *testing.T) {
	repo := database.NewMemoryRepository()
	d := New(testutil.TestLogger(t), repo, 2, 5)
	ctx := context.Background()

	var rooms []string
	for range 3 {
		seat, err := d.JoinTopic(ctx, "P1", 10)
		require.NoError(t, err)
		assert.Equal(t, "P1", seat.Topic)
		rooms = append(rooms, seat.RoomId)
	}

	assert.Equal(t, []string{"P1-Room-1", "P1-Room-1", "P1-Room-2"}, rooms)
	assert.Equal(t, map[string]int{"P1-Room-1": 2, "P1-Room-2": 1}, occupancy(t, repo, "P1"))
}

func TestJoinTopic_AccessDenied(t *testing.T) {
	repo := &database.MockDiscussRepository{}
	defer repo.AssertExpectations(t)

	d := New(testutil.TestLogger(t), repo, 2, 5)
	_, err := d.JoinTopic(context.Background(), "P1", 4)

	assert.ErrorIs(t, err, types.ErrAccessDenied)
	repo.AssertNotCalled(t, "ListSubRooms", mock.Anything, mock.Anything)
}

func TestJoinTopic_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	const (
		capacity = 3
		joiners  = 40
	)

	repo := database.NewMemoryRepository()
	d := New(testutil.TestLogger(t), repo, capacity, 0)

	var wg sync.WaitGroup
	for range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.JoinTopic(context.Background(), "race", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rooms, err := repo.ListSubRooms(context.Background(), "race")
	require.NoError(t, err)

	total := 0
	names := make(map[string]struct{})
	for i, r := range rooms {
		assert.LessOrEqual(t, r.Occupants, capacity, "room %s over capacity", r.RoomId)
		assert.Equal(t, SubRoomName("race", i+1), r.RoomId, "expected rooms in creation order")
		names[r.RoomId] = struct{}{}
		total += r.Occupants
	}
	assert.Equal(t, joiners, total)
	assert.Len(t, names, len(rooms), "expected no duplicate sub rooms")
	assert.Len(t, rooms, (joiners+capacity-1)/capacity)
}

func TestLeaveTopic(t *testing.T) {
	repo := database.NewMemoryRepository()
	d := New(testutil.TestLogger(t), repo, 2, 0)
	ctx := context.Background()

	a, err := d.JoinTopic(ctx, "P1", 1)
	require.NoError(t, err)
	b, err := d.JoinTopic(ctx, "P1", 1)
	require.NoError(t, err)

	d.LeaveTopic(ctx, a)
	assert.Equal(t, 1, occupancy(t, repo, "P1")["P1-Room-1"])

	d.LeaveTopic(ctx, b)
	assert.Equal(t, 0, occupancy(t, repo, "P1")["P1-Room-1"])

	// a duplicate release must not go negative
	d.LeaveTopic(ctx, b)
	assert.Equal(t, 0, occupancy(t, repo, "P1")["P1-Room-1"])

	// zero-value seats are ignored
	d.LeaveTopic(ctx, Seat{})
}

func TestJoinTopic_ReusesFirstUnderCapacityRoom(t *testing.T) {
	repo := database.NewMemoryRepository()
	d := New(testutil.TestLogger(t), repo, 1, 0)
	ctx := context.Background()

	seats := make([]Seat, 3)
	for i := range seats {
		var err error
		seats[i], err = d.JoinTopic(ctx, "T", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, "T-Room-3", seats[2].RoomId)

	d.LeaveTopic(ctx, seats[1])

	seat, err := d.JoinTopic(ctx, "T", 1)
	require.NoError(t, err)
	assert.Equal(t, "T-Room-2", seat.RoomId, "expected the emptied historical room to be reused")
	assert.Len(t, occupancy(t, repo, "T"), 3, "expected no new room to be created")
}

func TestJoinTopic_RetriesLostRace(t *testing.T) {
	repo := &database.MockDiscussRepository{}
	defer repo.AssertExpectations(t)

	rooms := []database.SubRoom{{TopicKey: "P1", Ordinal: 1, RoomId: "P1-Room-1", Occupants: 1}}
	repo.On("ListSubRooms", mock.Anything, "P1").Return(rooms, nil).Twice()
	repo.On("IncrementOccupancy", mock.Anything, "P1", "P1-Room-1", 2).Return(false, nil).Once()
	repo.On("IncrementOccupancy", mock.Anything, "P1", "P1-Room-1", 2).Return(true, nil).Once()

	d := New(testutil.TestLogger(t), repo, 2, 0)
	seat, err := d.JoinTopic(context.Background(), "P1", 1)

	require.NoError(t, err)
	assert.Equal(t, Seat{Topic: "P1", RoomId: "P1-Room-1"}, seat)
}

func TestJoinTopic_GivesUpAfterRepeatedRaces(t *testing.T) {
	repo := &database.MockDiscussRepository{}
	rooms := []database.SubRoom{{TopicKey: "P1", Ordinal: 1, RoomId: "P1-Room-1"}}
	repo.On("ListSubRooms", mock.Anything, "P1").Return(rooms, nil)
	repo.On("IncrementOccupancy", mock.Anything, "P1", "P1-Room-1", 2).Return(false, nil)

	d := New(testutil.TestLogger(t), repo, 2, 0)
	_, err := d.JoinTopic(context.Background(), "P1", 1)

	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrAllocationRace, "expected the race to stay internal")
	repo.AssertNumberOfCalls(t, "IncrementOccupancy", maxJoinAttempts)
}

func TestJoinTopic_StoreErrors(t *testing.T) {
	dbErr := errors.New("db error")

	tcases := []struct {
		name  string
		setup func(repo *database.MockDiscussRepository)
	}{
		{
			name: "list fails",
			setup: func(repo *database.MockDiscussRepository) {
				repo.On("ListSubRooms", mock.Anything, "P1").Return(nil, dbErr)
			},
		},
		{
			name: "create first room fails",
			setup: func(repo *database.MockDiscussRepository) {
				repo.On("ListSubRooms", mock.Anything, "P1").Return([]database.SubRoom{}, nil)
				repo.On("CreateSubRoom", mock.Anything, "P1", 1, "P1-Room-1").Return(dbErr)
			},
		},
		{
			name: "increment fails",
			setup: func(repo *database.MockDiscussRepository) {
				repo.On("ListSubRooms", mock.Anything, "P1").Return([]database.SubRoom{{TopicKey: "P1", Ordinal: 1, RoomId: "P1-Room-1"}}, nil)
				repo.On("IncrementOccupancy", mock.Anything, "P1", "P1-Room-1", 2).Return(false, dbErr)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &database.MockDiscussRepository{}
			tc.setup(repo)
			defer repo.AssertExpectations(t)

			d := New(testutil.TestLogger(t), repo, 2, 0)
			_, err := d.JoinTopic(context.Background(), "P1", 1)
			assert.ErrorIs(t, err, dbErr)
		})
	}
}

func TestLeaveTopic_StoreErrorIsSwallowed(t *testing.T) {
	repo := &database.MockDiscussRepository{}
	defer repo.AssertExpectations(t)
	repo.On("DecrementOccupancy", mock.Anything, "P1", "P1-Room-1").Return(false, errors.New("db error"))

	d := New(testutil.TestLogger(t), repo, 2, 0)
	assert.NotPanics(t, func() {
		d.LeaveTopic(context.Background(), Seat{Topic: "P1", RoomId: "P1-Room-1"})
	})
}

func TestSubRoomName(t *testing.T) {
	for i, want := range []string{"two-sum-Room-1", "two-sum-Room-2", "two-sum-Room-3"} {
		assert.Equal(t, want, SubRoomName("two-sum", i+1), fmt.Sprintf("ordinal %d", i+1))
	}
}
