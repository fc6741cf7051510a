// Package assistant lets a text-generation model answer questions asked in
// a room.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-discuss/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Persona is the display name replies are rendered under.
	Persona           = types.AssistantName
	SystemInstruction = "You are a concise DSA tutor. Answer questions about data structures, " +
		"algorithms and complexity in a few short paragraphs. Prefer hints and intuition over full solutions."
	fallbackReply = "Sorry, I couldn't come up with an answer right now. Please try again in a moment."
)

type Generator interface {
	Generate(ctx context.Context, prompt, system string) (string, error)
}

type Appender interface {
	AppendReply(ctx context.Context, roomId string, senderId int, content string) (types.Message, error)
}

// Publisher delivers a message to every connection in a room.
type Publisher interface {
	PublishMessage(roomId string, msg types.Message)
}

type Bridge struct {
	gen     Generator
	ledger  Appender
	out     Publisher
	timeout time.Duration
	log     zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewBridge records its metrics with the global meter provider, so the
// provider has to be installed first.
func NewBridge(logger zerolog.Logger, gen Generator, ledger Appender, out Publisher, timeout time.Duration) (*Bridge, error) {
	meter := otel.Meter("github.com/npezzotti/go-discuss/assistant")
	requests, err := meter.Int64Counter("assistant_requests_total",
		metric.WithDescription("Total assistant completions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("requests counter: %w", err)
	}
	duration, err := meter.Float64Histogram("assistant_duration_seconds",
		metric.WithDescription("Duration of assistant completions"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		gen:      gen,
		ledger:   ledger,
		out:      out,
		timeout:  timeout,
		log:      logger.With().Str("component", "assistant").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		requests: requests,
		duration: duration,
	}, nil
}

// Spawn answers prompt in the background and returns immediately. It
// reports false when the bridge is draining and the prompt was dropped.
func (b *Bridge) Spawn(roomId string, senderId int, prompt string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.draining {
		b.log.Warn().Str("room", roomId).Int("sender", senderId).Msg("assistant is shutting down, prompt dropped")
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Respond(b.ctx, roomId, senderId, prompt)
	}()
	return true
}

// Respond asks the generator for a reply, persists and publishes it. When
// the generator fails or times out the room gets an ephemeral error message
// instead.
func (b *Bridge) Respond(ctx context.Context, roomId string, senderId int, prompt string) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		b.requests.Add(context.Background(), 1, attrs)
		b.duration.Record(context.Background(), time.Since(start).Seconds(), attrs)
	}()

	reply, err := b.generate(ctx, prompt)
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		b.log.Error().Err(err).Str("room", roomId).Int("sender", senderId).Msg("completion failed")
		b.publishFailure(roomId, senderId)
		return
	}

	msg, err := b.ledger.AppendReply(ctx, roomId, senderId, Marker+" "+reply)
	if err != nil {
		outcome = "persist_error"
		b.log.Error().Err(err).Str("room", roomId).Msg("failed to store reply")
		b.publishFailure(roomId, senderId)
		return
	}

	b.out.PublishMessage(roomId, msg)
	b.log.Info().Str("room", roomId).Int64("message", msg.Id).Dur("took", time.Since(start)).Msg("reply published")
}

func (b *Bridge) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.gen.Generate(ctx, prompt, SystemInstruction)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrExternalService, err)
	}
	if reply == "" {
		return "", fmt.Errorf("%w: empty completion", types.ErrExternalService)
	}

	return reply, nil
}

func (b *Bridge) publishFailure(roomId string, senderId int) {
	b.out.PublishMessage(roomId, types.Message{
		RoomId:     roomId,
		SenderId:   senderId,
		SenderName: Persona,
		Content:    Marker + " " + fallbackReply,
		Timestamp:  time.Now().UTC().Round(time.Millisecond),
		Ephemeral:  true,
		Key:        uuid.NewString(),
	})
}

// Wait stops accepting prompts and blocks until every spawned reply has
// finished. If ctx ends first the outstanding completions are cancelled.
func (b *Bridge) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}
