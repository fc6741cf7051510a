package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (db *PgDiscussRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, token_balance FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.TokenBalance,
	)

	return user, err
}

// DebitTokens subtracts amount from the user's balance only if the balance
// covers it, and returns the post-debit balance.
func (db *PgDiscussRepository) DebitTokens(ctx context.Context, userId, amount int) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE users SET token_balance = token_balance - $2 "+
			"WHERE id = $1 AND token_balance >= $2 RETURNING token_balance",
		userId,
		amount,
	)

	var balance int
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
		return 0, err
	}

	return balance, nil
}

func (db *PgDiscussRepository) ListSubRooms(ctx context.Context, topicKey string) ([]SubRoom, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT topic_key, ordinal, room_id, occupants, created_at FROM sub_rooms "+
			"WHERE topic_key = $1 ORDER BY ordinal ASC",
		topicKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list sub rooms: %w", err)
	}
	defer rows.Close()

	var subRooms []SubRoom
	for rows.Next() {
		var sr SubRoom
		if err := rows.Scan(&sr.TopicKey, &sr.Ordinal, &sr.RoomId, &sr.Occupants, &sr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		subRooms = append(subRooms, sr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return subRooms, nil
}

// CreateSubRoom inserts an empty entry. Inserting an ordinal that already
// exists is a no-op, so racing creators converge on a single row.
func (db *PgDiscussRepository) CreateSubRoom(ctx context.Context, topicKey string, ordinal int, roomId string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO sub_rooms (topic_key, ordinal, room_id, occupants, created_at) "+
			"VALUES ($1, $2, $3, 0, NOW()) ON CONFLICT (topic_key, ordinal) DO NOTHING",
		topicKey,
		ordinal,
		roomId,
	)

	return err
}

func (db *PgDiscussRepository) IncrementOccupancy(ctx context.Context, topicKey, roomId string, capacity int) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE sub_rooms SET occupants = occupants + 1 "+
			"WHERE topic_key = $1 AND room_id = $2 AND occupants < $3",
		topicKey,
		roomId,
		capacity,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (db *PgDiscussRepository) DecrementOccupancy(ctx context.Context, topicKey, roomId string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE sub_rooms SET occupants = occupants - 1 "+
			"WHERE topic_key = $1 AND room_id = $2 AND occupants > 0",
		topicKey,
		roomId,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (db *PgDiscussRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(ctx, `
		WITH m AS (
			INSERT INTO messages (room_id, user_id, content, from_assistant, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, room_id, user_id, content, from_assistant, created_at
		)
		SELECT m.id, m.room_id, m.user_id, COALESCE(u.username, ''), m.content, m.from_assistant, m.created_at
		FROM m LEFT JOIN users u ON u.id = m.user_id`,
		params.RoomId,
		params.UserId,
		params.Content,
		params.FromAssistant,
		params.CreatedAt,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.UserId,
		&msg.Username,
		&msg.Content,
		&msg.FromAssistant,
		&msg.CreatedAt,
	)

	return msg, err
}

// GetMessages returns up to limit messages of a room, newest first. A
// positive before restricts the result to ids strictly below it.
func (db *PgDiscussRepository) GetMessages(ctx context.Context, roomId string, before int64, limit int) ([]Message, error) {
	var upper int64 = 1<<63 - 1
	if before > 0 {
		upper = before
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.room_id, m.user_id, COALESCE(u.username, ''), m.content, m.from_assistant, m.created_at "+
			"FROM messages m LEFT JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.id < $2 ORDER BY m.id DESC LIMIT $3",
		roomId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.RoomId, &msg.UserId, &msg.Username, &msg.Content, &msg.FromAssistant, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
