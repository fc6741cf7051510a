package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-discuss/internal/assistant"
	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/directory"
	"github.com/npezzotti/go-discuss/internal/ledger"
	"github.com/npezzotti/go-discuss/internal/stats"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/rs/zerolog"
)

type Options struct {
	Repository database.DiscussRepository
	Stats      stats.StatsProvider
	// Generator answers assistant prompts. A nil Generator disables the
	// assistant.
	Generator        assistant.Generator
	AssistantTimeout time.Duration
	RoomCapacity     int
	MinJoinTokens    int
	MessageCost      int
	// Nats, when set, relays room broadcasts between server instances.
	Nats        *nats.Conn
	NatsSubject string
}

var ErrServerClosed = errors.New("chat server is shutting down")

type ChatServer struct {
	log         zerolog.Logger
	db          database.DiscussRepository
	stats       stats.StatsProvider
	directory   *directory.Directory
	ledger      *ledger.Ledger
	bridge      *assistant.Bridge
	registry    *Registry
	broadcaster Broadcaster
	messageCost int
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	// active counts registered clients whose cleanup has not finished.
	active  sync.WaitGroup
	closing bool
}

func NewChatServer(logger zerolog.Logger, opts Options) (*ChatServer, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Stats == nil {
		return nil, errors.New("stats provider is required")
	}
	if opts.RoomCapacity <= 0 {
		return nil, fmt.Errorf("room capacity must be positive, got %d", opts.RoomCapacity)
	}
	if opts.MessageCost < 0 {
		return nil, fmt.Errorf("message cost must not be negative, got %d", opts.MessageCost)
	}

	cs := &ChatServer{
		log:         logger,
		db:          opts.Repository,
		stats:       opts.Stats,
		directory:   directory.New(logger, opts.Repository, opts.RoomCapacity, opts.MinJoinTokens),
		ledger:      ledger.New(opts.Repository),
		registry:    NewRegistry(),
		messageCost: opts.MessageCost,
		clients:     make(map[*Client]struct{}),
	}

	cs.broadcaster = &localBroadcaster{registry: cs.registry}
	if opts.Nats != nil {
		subject := opts.NatsSubject
		if subject == "" {
			subject = DefaultNatsSubject
		}

		nb, err := NewNatsBroadcaster(logger, opts.Nats, subject, cs.registry)
		if err != nil {
			return nil, err
		}
		cs.broadcaster = nb
	}

	if opts.Generator != nil {
		bridge, err := assistant.NewBridge(logger, opts.Generator, cs.ledger, cs, opts.AssistantTimeout)
		if err != nil {
			return nil, fmt.Errorf("assistant bridge: %w", err)
		}
		cs.bridge = bridge
	}

	return cs, nil
}

// Ledger exposes message history to the HTTP layer.
func (cs *ChatServer) Ledger() *ledger.Ledger {
	return cs.ledger
}

// RegisterClient tracks c until its cleanup has run. It returns
// ErrServerClosed once Shutdown has started.
func (cs *ChatServer) RegisterClient(c *Client) error {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.closing {
		return ErrServerClosed
	}

	cs.clients[c] = struct{}{}
	cs.active.Add(1)
	cs.stats.Incr(stats.ActiveConnections)
	cs.log.Info().Str("client", c.id).Str("username", c.user.Username).Msg("client connected")
	return nil
}

// deregisterClient reports whether c was registered.
func (cs *ChatServer) deregisterClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	cs.stats.Decr(stats.ActiveConnections)
	cs.log.Info().Str("client", c.id).Msg("client disconnected")
	return true
}

// PublishMessage broadcasts msg to the room, falling back to local members
// when the relay is unavailable.
func (cs *ChatServer) PublishMessage(roomId string, msg types.Message) {
	if err := cs.broadcaster.Broadcast(roomId, msg); err != nil {
		cs.log.Error().Err(err).Str("room", roomId).Msg("broadcast failed, delivering locally")
		cs.registry.Deliver(roomId, newMessageEvent(msg))
	}
}

func (cs *ChatServer) askAssistant(roomId string, senderId int, prompt string) {
	if cs.bridge == nil {
		return
	}

	if cs.bridge.Spawn(roomId, senderId, prompt) {
		cs.stats.Incr(stats.AssistantRequests)
	}
}

// Shutdown disconnects every client, waits until their seats are released
// and then waits for pending assistant replies. New clients are refused
// from the moment it is called.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	cs.clientsLock.Lock()
	cs.closing = true
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	var errs []error
	if err := cs.waitClients(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for clients: %w", err))
	}

	if cs.bridge != nil {
		if err := cs.bridge.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for assistant: %w", err))
		}
	}

	if err := cs.broadcaster.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broadcaster: %w", err))
	}

	return errors.Join(errs...)
}

func (cs *ChatServer) waitClients(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cs.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
