package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-staychat/internal/types"
)

const (
	conversationColumns = "id, external_id, guest_id, host_id, property_id, guest_last_read_at, host_last_read_at, created_at, updated_at"
	messageColumns      = "id, conversation_id, sender_id, content, correlation_id, created_at"
	bookingColumns      = "id, property_id, guest_id, host_id, status, total_amount, check_in, check_out, created_at, updated_at"

	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.GuestId,
		&c.HostId,
		&c.PropertyId,
		&c.GuestLastReadAt,
		&c.HostLastReadAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.Content,
		&m.CorrelationId,
		&m.CreatedAt,
	)
	return m, err
}

func scanBooking(row scanner) (Booking, error) {
	var b Booking
	err := row.Scan(
		&b.Id,
		&b.PropertyId,
		&b.GuestId,
		&b.HostId,
		&b.Status,
		&b.TotalAmount,
		&b.CheckIn,
		&b.CheckOut,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

func (db *PgStayChatRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT "+conversationColumns+" FROM conversations WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanConversation(row)
}

func (db *PgStayChatRepository) GetConversationByParticipants(guestId, hostId, propertyId int) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT "+conversationColumns+" FROM conversations "+
			"WHERE guest_id = $1 AND host_id = $2 AND property_id = $3 LIMIT 1",
		guestId,
		hostId,
		propertyId,
	)

	return scanConversation(row)
}

// CreateConversation inserts a conversation, or returns the existing one for
// the same (guest, host, property) when another request won the race.
func (db *PgStayChatRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO conversations (external_id, guest_id, host_id, property_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+conversationColumns,
		params.ExternalId,
		params.GuestId,
		params.HostId,
		params.PropertyId,
		now,
		now,
	)

	c, err := scanConversation(row)
	if isUniqueViolation(err) {
		return db.GetConversationByParticipants(params.GuestId, params.HostId, params.PropertyId)
	}

	return c, err
}

func (db *PgStayChatRepository) ListConversationSummaries(userId int) ([]ConversationSummary, error) {
	query := `
		SELECT
				c.id, c.external_id, c.guest_id, c.host_id, c.property_id,
				c.guest_last_read_at, c.host_last_read_at, c.created_at, c.updated_at,
				r.last_read_at,
				lm.id, lm.sender_id, lm.content, lm.correlation_id, lm.created_at,
				(SELECT COUNT(*) FROM messages m
					WHERE m.conversation_id = c.id
					AND m.sender_id <> $1
					AND m.created_at > r.last_read_at) AS unread
		FROM conversations c
		CROSS JOIN LATERAL (
			SELECT CASE WHEN c.guest_id = $1 THEN c.guest_last_read_at ELSE c.host_last_read_at END AS last_read_at
		) r
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, correlation_id, created_at FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON true
		WHERE c.guest_id = $1 OR c.host_id = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC;
`

	rows, err := db.conn.Query(query, userId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			s              ConversationSummary
			msgId          sql.NullInt64
			msgSender      sql.NullInt64
			msgContent     sql.NullString
			msgCorrelation sql.NullString
			msgCreatedAt   sql.NullTime
		)

		err := rows.Scan(
			&s.Id,
			&s.ExternalId,
			&s.GuestId,
			&s.HostId,
			&s.PropertyId,
			&s.GuestLastReadAt,
			&s.HostLastReadAt,
			&s.CreatedAt,
			&s.UpdatedAt,
			&s.LastReadAt,
			&msgId,
			&msgSender,
			&msgContent,
			&msgCorrelation,
			&msgCreatedAt,
			&s.UnreadCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if msgId.Valid {
			s.LastMessage = &Message{
				Id:             int(msgId.Int64),
				ConversationId: s.Id,
				SenderId:       int(msgSender.Int64),
				Content:        msgContent.String,
				CorrelationId:  msgCorrelation.String,
				CreatedAt:      msgCreatedAt.Time,
			}
		}

		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return summaries, nil
}

// UpdateLastReadAt advances the read watermark of userId. The watermark
// never moves backwards.
func (db *PgStayChatRepository) UpdateLastReadAt(conversationId, userId int, at time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET "+
			"guest_last_read_at = CASE WHEN guest_id = $2 THEN GREATEST(guest_last_read_at, $3) ELSE guest_last_read_at END, "+
			"host_last_read_at = CASE WHEN host_id = $2 THEN GREATEST(host_last_read_at, $3) ELSE host_last_read_at END "+
			"WHERE id = $1",
		conversationId,
		userId,
		at,
	)

	return err
}

// CreateMessage stores a message. A repeated (conversation, sender,
// correlation id) returns the message stored first.
func (db *PgStayChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	row := tx.QueryRow(
		"INSERT INTO messages (conversation_id, sender_id, content, correlation_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING "+messageColumns,
		params.ConversationId,
		params.SenderId,
		params.Content,
		params.CorrelationId,
		params.CreatedAt,
	)

	var msg Message
	msg, err = scanMessage(row)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			err = nil
			return db.GetMessageByCorrelationId(params.ConversationId, params.SenderId, params.CorrelationId)
		}
		return Message{}, err
	}

	_, err = tx.Exec("UPDATE conversations SET updated_at = $2 WHERE id = $1", params.ConversationId, params.CreatedAt)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgStayChatRepository) GetMessageByCorrelationId(conversationId, senderId int, correlationId string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND sender_id = $2 AND correlation_id = $3 LIMIT 1",
		conversationId,
		senderId,
		correlationId,
	)

	return scanMessage(row)
}

// GetMessagesAfter returns messages that follow (after, afterId) in
// conversation order. With afterId 0 the bound is inclusive of after, so
// messages sharing the watermark's timestamp are not skipped.
func (db *PgStayChatRepository) GetMessagesAfter(conversationId int, after time.Time, afterId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND (created_at > $2 OR (created_at = $2 AND id > $3)) "+
			"ORDER BY created_at ASC, id ASC LIMIT $4",
		conversationId,
		after,
		afterId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgStayChatRepository) GetBooking(id int) (Booking, error) {
	row := db.conn.QueryRow("SELECT "+bookingColumns+" FROM bookings WHERE id = $1 LIMIT 1", id)

	return scanBooking(row)
}

// UpdateBookingStatus moves a booking from one status to another. It
// returns ErrStatusConflict if the booking is no longer in from.
func (db *PgStayChatRepository) UpdateBookingStatus(id int, from, to types.BookingStatus, at time.Time) (Booking, error) {
	row := db.conn.QueryRow(
		"UPDATE bookings SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2 RETURNING "+bookingColumns,
		id,
		from,
		to,
		at,
	)

	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrStatusConflict
	}

	return b, err
}

func (db *PgStayChatRepository) ListElapsedBookings(before time.Time) ([]Booking, error) {
	rows, err := db.conn.Query(
		"SELECT "+bookingColumns+" FROM bookings WHERE status = $1 AND check_out < $2 ORDER BY check_out ASC",
		types.BookingConfirmed,
		before,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		bookings = append(bookings, b)
	}

	return bookings, rows.Err()
}
