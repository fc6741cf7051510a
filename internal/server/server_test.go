package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-discuss/internal/assistant"
	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/stats"
	"github.com/npezzotti/go-discuss/internal/testutil"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type generatorFunc func(ctx context.Context, prompt, system string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt, system string) (string, error) {
	return f(ctx, prompt, system)
}

func testOptions(repo database.DiscussRepository) Options {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	return Options{
		Repository:       repo,
		Stats:            su,
		AssistantTimeout: time.Second,
		RoomCapacity:     2,
		MinJoinTokens:    0,
		MessageCost:      1,
	}
}

// newTestChatServer creates a ChatServer backed by an in-memory repository
// holding alice (1), bob (2) and carol (3).
func newTestChatServer(t *testing.T, modify ...func(*Options)) (*ChatServer, *database.MemoryRepository) {
	t.Helper()

	repo := database.NewMemoryRepository()
	repo.PutUser(database.User{Id: 1, Username: "alice", TokenBalance: 10})
	repo.PutUser(database.User{Id: 2, Username: "bob", TokenBalance: 10})
	repo.PutUser(database.User{Id: 3, Username: "carol", TokenBalance: 10})

	opts := testOptions(repo)
	for _, m := range modify {
		m(&opts)
	}

	cs, err := NewChatServer(testutil.TestLogger(t), opts)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs, repo
}

func newTestClient(t *testing.T, cs *ChatServer, repo *database.MemoryRepository, userId int) *Client {
	t.Helper()

	u, err := repo.GetUserById(context.Background(), userId)
	require.NoError(t, err)

	c := NewClient(types.User{Id: u.Id, Username: u.Username, TokenBalance: u.TokenBalance}, nil, cs, testutil.TestLogger(t))
	require.NoError(t, cs.RegisterClient(c))
	return c
}

// cleanupOnStop stands in for the read loop of a connected client, which
// cleans up once the client is stopped.
func cleanupOnStop(c *Client) {
	go func() {
		<-c.stop
		c.cleanup()
	}()
}

func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout: expected a message for the client")
	}
	return nil
}

func balance(t *testing.T, repo *database.MemoryRepository, userId int) int {
	t.Helper()
	u, err := repo.GetUserById(context.Background(), userId)
	require.NoError(t, err)
	return u.TokenBalance
}

func history(t *testing.T, cs *ChatServer, roomId string) []types.Message {
	t.Helper()
	page, err := cs.Ledger().History(context.Background(), roomId, 0)
	require.NoError(t, err)
	return page.Messages
}

func TestNewChatServer(t *testing.T) {
	repo := database.NewMemoryRepository()

	t.Run("defaults to local broadcasts without assistant", func(t *testing.T) {
		cs, err := NewChatServer(testutil.TestLogger(t), testOptions(repo))
		require.NoError(t, err, "expected no error creating ChatServer")
		assert.NotNil(t, cs.directory, "expected directory to be set")
		assert.NotNil(t, cs.ledger, "expected ledger to be set")
		assert.NotNil(t, cs.registry, "expected registry to be initialized")
		assert.NotNil(t, cs.clients, "expected clients map to be initialized")
		assert.IsType(t, &localBroadcaster{}, cs.broadcaster)
		assert.Nil(t, cs.bridge, "expected assistant to be disabled")
	})

	t.Run("enables assistant with a generator", func(t *testing.T) {
		opts := testOptions(repo)
		opts.Generator = generatorFunc(func(context.Context, string, string) (string, error) { return "", nil })

		cs, err := NewChatServer(testutil.TestLogger(t), opts)
		require.NoError(t, err)
		assert.NotNil(t, cs.bridge)
	})

	tcases := []struct {
		name   string
		modify func(*Options)
	}{
		{name: "missing repository", modify: func(o *Options) { o.Repository = nil }},
		{name: "missing stats", modify: func(o *Options) { o.Stats = nil }},
		{name: "zero capacity", modify: func(o *Options) { o.RoomCapacity = 0 }},
		{name: "negative cost", modify: func(o *Options) { o.MessageCost = -1 }},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(repo)
			tc.modify(&opts)
			_, err := NewChatServer(testutil.TestLogger(t), opts)
			assert.Error(t, err)
		})
	}
}

func TestJoinTopic(t *testing.T) {
	t.Run("shards topic by capacity", func(t *testing.T) {
		cs, repo := newTestChatServer(t)

		var rooms []string
		for _, id := range []int{1, 2, 3} {
			roomId, err := cs.JoinTopic(context.Background(), newTestClient(t, cs, repo, id), "P1")
			require.NoError(t, err)
			rooms = append(rooms, roomId)
		}

		assert.Equal(t, []string{"P1-Room-1", "P1-Room-1", "P1-Room-2"}, rooms)
		assert.Equal(t, 2, cs.registry.Members("P1-Room-1"))
		assert.Equal(t, 1, cs.registry.Members("P1-Room-2"))
	})

	t.Run("denied below minimum balance", func(t *testing.T) {
		cs, repo := newTestChatServer(t, func(o *Options) { o.MinJoinTokens = 5 })
		repo.PutUser(database.User{Id: 4, Username: "dave", TokenBalance: 4})
		c := newTestClient(t, cs, repo, 4)

		_, err := cs.JoinTopic(context.Background(), c, "P1")
		assert.ErrorIs(t, err, types.ErrAccessDenied)
		assert.Nil(t, c.currentSeat())
		assert.Empty(t, c.roomIds())
	})

	t.Run("empty topic", func(t *testing.T) {
		cs, repo := newTestChatServer(t)
		_, err := cs.JoinTopic(context.Background(), newTestClient(t, cs, repo, 1), " ")
		assert.ErrorIs(t, err, types.ErrInvalidMessage)
	})

	t.Run("rejoining the same topic keeps the seat", func(t *testing.T) {
		cs, repo := newTestChatServer(t)
		c := newTestClient(t, cs, repo, 1)

		first, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)
		second, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		rooms, err := repo.ListSubRooms(context.Background(), "P1")
		require.NoError(t, err)
		assert.Equal(t, 1, rooms[0].Occupants, "expected a single seat to be held")
	})

	t.Run("joining another topic releases the previous seat", func(t *testing.T) {
		cs, repo := newTestChatServer(t)
		c := newTestClient(t, cs, repo, 1)

		_, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)
		roomId, err := cs.JoinTopic(context.Background(), c, "P2")
		require.NoError(t, err)

		assert.Equal(t, "P2-Room-1", roomId)
		assert.False(t, c.inRoom("P1-Room-1"))
		assert.True(t, c.inRoom("P2-Room-1"))
		assert.Zero(t, cs.registry.Members("P1-Room-1"))

		rooms, err := repo.ListSubRooms(context.Background(), "P1")
		require.NoError(t, err)
		assert.Zero(t, rooms[0].Occupants, "expected the previous seat to be released")
	})
}

func TestJoinDirect(t *testing.T) {
	cs, repo := newTestChatServer(t)
	alice := newTestClient(t, cs, repo, 1)
	bob := newTestClient(t, cs, repo, 2)

	fromAlice, err := cs.JoinDirect(context.Background(), alice, 2)
	require.NoError(t, err)
	fromBob, err := cs.JoinDirect(context.Background(), bob, 1)
	require.NoError(t, err)

	assert.Equal(t, "DM-1-2", fromAlice)
	assert.Equal(t, fromAlice, fromBob, "expected both participants to share the room")
	assert.Equal(t, 2, cs.registry.Members("DM-1-2"))

	_, err = cs.JoinDirect(context.Background(), alice, 99)
	assert.ErrorIs(t, err, types.ErrUserNotFound)

	_, err = cs.JoinDirect(context.Background(), alice, 1)
	assert.ErrorIs(t, err, types.ErrInvalidMessage)
}

func TestSend(t *testing.T) {
	cs, repo := newTestChatServer(t)
	alice := newTestClient(t, cs, repo, 1)
	bob := newTestClient(t, cs, repo, 2)
	carol := newTestClient(t, cs, repo, 3)

	for _, c := range []*Client{alice, bob} {
		_, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)
	}
	_, err := cs.JoinTopic(context.Background(), carol, "P1")
	require.NoError(t, err)

	receipt, err := cs.Send(context.Background(), alice, "P1-Room-1", "hello")
	require.NoError(t, err)

	assert.Equal(t, StatusDelivered, receipt.Status)
	assert.Equal(t, 9, receipt.TokensRemaining)
	require.NotNil(t, receipt.Message)
	assert.Equal(t, "alice", receipt.Message.SenderName)
	assert.Equal(t, 9, alice.User().TokenBalance, "expected cached balance to follow the debit")
	assert.Equal(t, 9, balance(t, repo, 1))

	for _, c := range []*Client{alice, bob} {
		msg := nextMessage(t, c)
		require.NotNil(t, msg.NewMessage)
		assert.Equal(t, receipt.Message.Id, msg.NewMessage.Id)
	}
	assert.Empty(t, carol.send, "expected members of other sub rooms to receive nothing")
	assert.Len(t, history(t, cs, "P1-Room-1"), 1)
}

func TestSend_Rejected(t *testing.T) {
	tcases := []struct {
		name    string
		cost    int
		balance int
		roomId  string
		content string
		err     error
	}{
		{name: "balance below cost", cost: 2, balance: 1, roomId: "P1-Room-1", content: "hi", err: types.ErrInsufficientTokens},
		{name: "not a member", cost: 1, balance: 10, roomId: "P9-Room-1", content: "hi", err: types.ErrNotInRoom},
		{name: "empty content", cost: 1, balance: 10, roomId: "P1-Room-1", content: "  ", err: types.ErrInvalidMessage},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs, repo := newTestChatServer(t, func(o *Options) { o.MessageCost = tc.cost })
			repo.PutUser(database.User{Id: 4, Username: "dave", TokenBalance: tc.balance})
			c := newTestClient(t, cs, repo, 4)
			_, err := cs.JoinTopic(context.Background(), c, "P1")
			require.NoError(t, err)

			_, err = cs.Send(context.Background(), c, tc.roomId, tc.content)
			assert.ErrorIs(t, err, tc.err)

			assert.Equal(t, tc.balance, balance(t, repo, 4), "expected no debit")
			assert.Empty(t, history(t, cs, "P1-Room-1"), "expected nothing persisted")
			assert.Empty(t, c.send, "expected no broadcast")
		})
	}
}

func TestSend_StaleCachedBalance(t *testing.T) {
	cs, repo := newTestChatServer(t)
	c := newTestClient(t, cs, repo, 1)
	_, err := cs.JoinTopic(context.Background(), c, "P1")
	require.NoError(t, err)

	// spent elsewhere
	repo.PutUser(database.User{Id: 1, Username: "alice", TokenBalance: 0})

	_, err = cs.Send(context.Background(), c, "P1-Room-1", "hello")
	assert.ErrorIs(t, err, types.ErrInsufficientTokens)
	assert.Zero(t, c.User().TokenBalance, "expected cached balance to be refreshed")
	assert.Empty(t, history(t, cs, "P1-Room-1"))
}

func TestSend_DebitError(t *testing.T) {
	repo := &database.MockDiscussRepository{}
	defer repo.AssertExpectations(t)
	repo.On("ListSubRooms", mock.Anything, "P1").Return([]database.SubRoom{{TopicKey: "P1", Ordinal: 1, RoomId: "P1-Room-1"}}, nil)
	repo.On("IncrementOccupancy", mock.Anything, "P1", "P1-Room-1", 2).Return(true, nil)
	repo.On("DebitTokens", mock.Anything, 1, 1).Return(0, errors.New("db down"))

	cs, err := NewChatServer(testutil.TestLogger(t), testOptions(repo))
	require.NoError(t, err)
	c := NewClient(types.User{Id: 1, Username: "alice", TokenBalance: 10}, nil, cs, testutil.TestLogger(t))

	_, err = cs.JoinTopic(context.Background(), c, "P1")
	require.NoError(t, err)

	_, err = cs.Send(context.Background(), c, "P1-Room-1", "hello")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrInsufficientTokens)
	assert.Equal(t, 10, c.User().TokenBalance)
}

func TestSend_PersistenceFailureAfterDebit(t *testing.T) {
	cs, repo := newTestChatServer(t)
	c := newTestClient(t, cs, repo, 1)
	_, err := cs.JoinTopic(context.Background(), c, "P1")
	require.NoError(t, err)

	repo.FailCreateMessage = errors.New("disk full")
	receipt, err := cs.Send(context.Background(), c, "P1-Room-1", "hello")
	require.NoError(t, err, "expected the failure to be reported in the receipt")

	assert.Equal(t, StatusDropped, receipt.Status)
	assert.Nil(t, receipt.Message)
	assert.Equal(t, 9, receipt.TokensRemaining)
	assert.Equal(t, 9, balance(t, repo, 1), "expected tokens not to be refunded")
	assert.Empty(t, c.send, "expected no broadcast")

	repo.FailCreateMessage = nil
	assert.Empty(t, history(t, cs, "P1-Room-1"))
}

func TestAssistant(t *testing.T) {
	t.Run("reply is broadcast and sender is charged once", func(t *testing.T) {
		var gotPrompt string
		cs, repo := newTestChatServer(t, func(o *Options) {
			o.Generator = generatorFunc(func(_ context.Context, prompt, _ string) (string, error) {
				gotPrompt = prompt
				return "Big-O bounds growth.", nil
			})
		})
		alice := newTestClient(t, cs, repo, 1)
		bob := newTestClient(t, cs, repo, 2)
		for _, c := range []*Client{alice, bob} {
			_, err := cs.JoinTopic(context.Background(), c, "P1")
			require.NoError(t, err)
		}

		alice.handleMessage([]byte(`{"id":7,"send_message":{"room_id":"P1-Room-1","content":"**@CodeBot** explain big-O"}}`))

		own := nextMessage(t, alice)
		require.NotNil(t, own.NewMessage)
		ack := nextMessage(t, alice)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 7, ack.Id)
		assert.True(t, ack.Response.Success)

		require.NoError(t, cs.bridge.Wait(context.Background()))
		reply := nextMessage(t, alice)
		require.NotNil(t, reply.NewMessage)
		assert.Equal(t, assistant.Persona, reply.NewMessage.SenderName)
		assert.Equal(t, "**@CodeBot** Big-O bounds growth.", reply.NewMessage.Content)
		assert.False(t, reply.NewMessage.Ephemeral)
		assert.Equal(t, "explain big-O", gotPrompt)

		assert.Len(t, bob.send, 2, "expected bob to see the question and the reply")
		assert.Equal(t, 9, balance(t, repo, 1), "expected a single debit")

		msgs := history(t, cs, "P1-Room-1")
		require.Len(t, msgs, 2)
		assert.Equal(t, "alice", msgs[0].SenderName)
		assert.Equal(t, *reply.NewMessage, msgs[1], "expected history to match the broadcast reply")
	})

	t.Run("timeout broadcasts an ephemeral error", func(t *testing.T) {
		cs, repo := newTestChatServer(t, func(o *Options) {
			o.AssistantTimeout = 20 * time.Millisecond
			o.Generator = generatorFunc(func(ctx context.Context, _, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			})
		})
		alice := newTestClient(t, cs, repo, 1)
		_, err := cs.JoinTopic(context.Background(), alice, "P1")
		require.NoError(t, err)

		alice.handleMessage([]byte(`{"id":1,"send_message":{"room_id":"P1-Room-1","content":"**@CodeBot** explain big-O"}}`))
		nextMessage(t, alice) // own message
		nextMessage(t, alice) // ack

		require.NoError(t, cs.bridge.Wait(context.Background()))
		reply := nextMessage(t, alice)
		require.NotNil(t, reply.NewMessage)
		assert.True(t, reply.NewMessage.Ephemeral)
		assert.NotEmpty(t, reply.NewMessage.Key)

		msgs := history(t, cs, "P1-Room-1")
		require.Len(t, msgs, 1, "expected the ephemeral error to be absent from history")
		assert.Equal(t, "**@CodeBot** explain big-O", msgs[0].Content)
		assert.Equal(t, 9, balance(t, repo, 1))
	})

	t.Run("rejected message does not reach the assistant", func(t *testing.T) {
		called := false
		cs, repo := newTestChatServer(t, func(o *Options) {
			o.MessageCost = 100
			o.Generator = generatorFunc(func(context.Context, string, string) (string, error) {
				called = true
				return "x", nil
			})
		})
		alice := newTestClient(t, cs, repo, 1)
		_, err := cs.JoinTopic(context.Background(), alice, "P1")
		require.NoError(t, err)

		alice.handleMessage([]byte(`{"id":1,"send_message":{"room_id":"P1-Room-1","content":"**@CodeBot** hi"}}`))
		ack := nextMessage(t, alice)
		assert.Equal(t, 402, ack.Response.ResponseCode)

		require.NoError(t, cs.bridge.Wait(context.Background()))
		assert.False(t, called)
	})
}

func TestCleanup(t *testing.T) {
	cs, repo := newTestChatServer(t)
	c := newTestClient(t, cs, repo, 1)
	_, err := cs.JoinTopic(context.Background(), c, "P1")
	require.NoError(t, err)
	_, err = cs.JoinDirect(context.Background(), c, 2)
	require.NoError(t, err)

	c.cleanup()
	c.cleanup()

	rooms, err := repo.ListSubRooms(context.Background(), "P1")
	require.NoError(t, err)
	assert.Zero(t, rooms[0].Occupants, "expected the seat to be released once")
	assert.Zero(t, cs.registry.Members("P1-Room-1"))
	assert.Zero(t, cs.registry.Members("DM-1-2"))
	assert.NotContains(t, cs.clients, c)
	assert.Nil(t, c.currentSeat())

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("stops clients and drains assistant", func(t *testing.T) {
		cs, repo := newTestChatServer(t, func(o *Options) {
			o.Generator = generatorFunc(func(context.Context, string, string) (string, error) { return "ok", nil })
		})
		c := newTestClient(t, cs, repo, 1)
		cleanupOnStop(c)
		_, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)

		err = cs.Shutdown(context.Background())
		assert.NoError(t, err, "expected successful shutdown without error")

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}

		rooms, err := repo.ListSubRooms(context.Background(), "P1")
		require.NoError(t, err)
		assert.Zero(t, rooms[0].Occupants, "expected the seat to be released before Shutdown returns")
		assert.NotContains(t, cs.clients, c)
	})

	t.Run("refuses clients once started", func(t *testing.T) {
		cs, repo := newTestChatServer(t)
		require.NoError(t, cs.Shutdown(context.Background()))

		u, err := repo.GetUserById(context.Background(), 1)
		require.NoError(t, err)
		c := NewClient(types.User{Id: u.Id, Username: u.Username}, nil, cs, testutil.TestLogger(t))

		assert.ErrorIs(t, cs.RegisterClient(c), ErrServerClosed)
		assert.Empty(t, cs.clients)
	})

	t.Run("drops prompts once started", func(t *testing.T) {
		called := false
		cs, repo := newTestChatServer(t, func(o *Options) {
			o.Generator = generatorFunc(func(context.Context, string, string) (string, error) {
				called = true
				return "ok", nil
			})
		})
		c := newTestClient(t, cs, repo, 1)
		_, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)
		cleanupOnStop(c)

		require.NoError(t, cs.Shutdown(context.Background()))

		cs.askAssistant("P1-Room-1", 1, "q")
		require.NoError(t, cs.bridge.Wait(context.Background()))
		assert.False(t, called)
	})

	t.Run("gives up on clients that do not disconnect", func(t *testing.T) {
		cs, repo := newTestChatServer(t)
		newTestClient(t, cs, repo, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs, repo := newTestChatServer(t, func(o *Options) {
			o.AssistantTimeout = time.Hour
			o.Generator = generatorFunc(func(ctx context.Context, _, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			})
		})
		c := newTestClient(t, cs, repo, 1)
		cleanupOnStop(c)
		_, err := cs.JoinTopic(context.Background(), c, "P1")
		require.NoError(t, err)
		c.handleMessage([]byte(`{"id":1,"send_message":{"room_id":"P1-Room-1","content":"**@CodeBot** q"}}`))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err = cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
