package database

import "time"

type User struct {
	Id           int
	Username     string
	TokenBalance int
}

// SubRoom is one entry of a topic's room allocation.
type SubRoom struct {
	TopicKey  string
	Ordinal   int
	RoomId    string
	Occupants int
	CreatedAt time.Time
}

// Message is a stored room message. FromAssistant marks replies written by
// the assistant on behalf of UserId.
type Message struct {
	Id            int64
	RoomId        string
	UserId        int
	Username      string
	Content       string
	FromAssistant bool
	CreatedAt     time.Time
}

type CreateMessageParams struct {
	RoomId        string
	UserId        int
	Content       string
	FromAssistant bool
	CreatedAt     time.Time
}
