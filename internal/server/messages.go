package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-discuss/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	JoinTopicRoom  *JoinTopicRoom  `json:"join_topic_room,omitempty"`
	JoinDirectRoom *JoinDirectRoom `json:"join_direct_room,omitempty"`
	SendMessage    *SendMessage    `json:"send_message,omitempty"`
}

type JoinTopicRoom struct {
	TopicId string `json:"topic_id"`
}

type JoinDirectRoom struct {
	TargetUserId int `json:"target_user_id"`
}

type SendMessage struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
}

type ServerMessage struct {
	BaseMessage
	Response   *Response      `json:"response,omitempty"`
	NewMessage *types.Message `json:"new_message,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Success:      true,
			Data:         data,
		},
	}
}

func errResponse(id, code int, text string) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format")
}

func ErrNotInRoom(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "not a member of this room")
}

func ErrUserNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "user not found")
}

func ErrAccessDenied(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "access denied: not enough tokens to join")
}

func ErrInsufficientTokens(id int) *ServerMessage {
	return errResponse(id, http.StatusPaymentRequired, "insufficient tokens")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

// errorAck maps a failed operation to the acknowledgement sent back to the
// requesting client.
func errorAck(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, types.ErrInvalidMessage):
		return ErrInvalidMessage(id)
	case errors.Is(err, types.ErrNotInRoom):
		return ErrNotInRoom(id)
	case errors.Is(err, types.ErrUserNotFound):
		return ErrUserNotFound(id)
	case errors.Is(err, types.ErrAccessDenied):
		return ErrAccessDenied(id)
	case errors.Is(err, types.ErrInsufficientTokens):
		return ErrInsufficientTokens(id)
	default:
		return ErrInternalError(id)
	}
}

func newMessageEvent(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		NewMessage: &msg,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
