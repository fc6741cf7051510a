package types

import (
	"time"
)

// User is the connection's snapshot of an account. TokenBalance is a local
// cache of the persisted balance, refreshed after every successful debit.
type User struct {
	Id           int    `json:"id"`
	Username     string `json:"username"`
	TokenBalance int    `json:"token_balance"`
}

// AssistantName is the display name of messages written by the assistant.
const AssistantName = "AI"

// Message is a room message as clients see it. Assistant replies keep the
// asking user as SenderId and carry AssistantName as SenderName, both when
// broadcast and when read back from history.
type Message struct {
	Id         int64     `json:"id"`
	RoomId     string    `json:"room_id"`
	SenderId   int       `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	// Ephemeral messages are broadcast without being persisted and carry a
	// Key instead of an Id.
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Key       string `json:"key,omitempty"`
}

type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
