package server

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/rs/zerolog"
)

const DefaultNatsSubject = "discuss.rooms"

// Broadcaster fans a persisted or ephemeral message out to every member of
// a room.
type Broadcaster interface {
	Broadcast(roomId string, msg types.Message) error
	Close() error
}

type localBroadcaster struct {
	registry *Registry
}

func (b *localBroadcaster) Broadcast(roomId string, msg types.Message) error {
	b.registry.Deliver(roomId, newMessageEvent(msg))
	return nil
}

func (b *localBroadcaster) Close() error { return nil }

type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type roomEvent struct {
	RoomId  string        `json:"room_id"`
	Message types.Message `json:"message"`
}

// NatsBroadcaster relays room messages through a NATS subject so that
// members connected to other server instances receive them. Every instance
// delivers what it receives on the subject to its local members, including
// the instance that published it.
type NatsBroadcaster struct {
	conn     natsConn
	sub      *nats.Subscription
	subject  string
	registry *Registry
	log      zerolog.Logger
}

func NewNatsBroadcaster(logger zerolog.Logger, conn natsConn, subject string, registry *Registry) (*NatsBroadcaster, error) {
	b := &NatsBroadcaster{
		conn:     conn,
		subject:  subject,
		registry: registry,
		log:      logger.With().Str("component", "nats").Str("subject", subject).Logger(),
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		b.handleRoomEvent(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", subject, err)
	}
	b.sub = sub

	return b, nil
}

func (b *NatsBroadcaster) Broadcast(roomId string, msg types.Message) error {
	data, err := json.Marshal(roomEvent{RoomId: roomId, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}

	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}

	return nil
}

func (b *NatsBroadcaster) handleRoomEvent(data []byte) {
	var evt roomEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		b.log.Warn().Err(err).Msg("invalid room event")
		return
	}

	if evt.RoomId == "" {
		b.log.Warn().Msg("room event without room id")
		return
	}

	b.registry.Deliver(evt.RoomId, newMessageEvent(evt.Message))
}

func (b *NatsBroadcaster) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
