package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/chatlink/internal/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_code TEXT PRIMARY KEY,
		room_id      TEXT NOT NULL,
		sender_id    TEXT NOT NULL,
		sender_name  TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL,
		revoked      BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at      TIMESTAMPTZ NOT NULL,
		read_by      TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_room_sent_idx ON chat_messages (room_id, sent_at)`,
}

// Postgres is a Store backed by a chat_messages table.
type Postgres struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a store on an open pool. Call EnsureSchema before use.
func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// EnsureSchema creates the messages table and index if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, stmt := range schema {
		batch.Queue(stmt)
	}

	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	for range schema {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// messageRow is a message in column form.
type messageRow struct {
	Code       string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	Revoked    bool
	SentAt     time.Time
	ReadBy     []string
}

func toRow(msg model.Message) messageRow {
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return messageRow{
		Code:       msg.Code,
		RoomID:     msg.RoomID,
		SenderID:   string(msg.SenderID),
		SenderName: msg.SenderName,
		Content:    msg.Text,
		Revoked:    msg.Revoked,
		SentAt:     sentAt.UTC(),
		ReadBy:     idStrings(msg.ReadBy),
	}
}

func (r messageRow) message() model.Message {
	var readBy []model.UserID
	for _, id := range r.ReadBy {
		readBy = append(readBy, model.UserID(id))
	}
	return model.Message{
		Code:       r.Code,
		RoomID:     r.RoomID,
		SenderID:   model.UserID(r.SenderID),
		SenderName: r.SenderName,
		Text:       r.Content,
		Revoked:    r.Revoked,
		SentAt:     r.SentAt,
		ReadBy:     readBy,
	}
}

// AppendMessage inserts msg with ON CONFLICT DO NOTHING.
func (p *Postgres) AppendMessage(ctx context.Context, msg model.Message) error {
	if msg.Code == "" {
		return fmt.Errorf("append message: empty message code")
	}
	r := toRow(msg)

	ct, err := p.db.Exec(ctx, `
		INSERT INTO chat_messages (message_code, room_id, sender_id, sender_name, content, revoked, sent_at, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_code) DO NOTHING
	`, r.Code, r.RoomID, r.SenderID, r.SenderName, r.Content, r.Revoked, r.SentAt, r.ReadBy)
	if err != nil {
		return fmt.Errorf("append %s: %w", msg.Code, err)
	}
	if ct.RowsAffected() == 0 {
		p.logger.Debug("duplicate message ignored", "message_code", msg.Code)
	}
	return nil
}

// updateMessageSQL merges an update into a row. Empty text columns and an
// empty read_by keep the stored values; sent_at is never rewritten.
const updateMessageSQL = `
	UPDATE chat_messages
	SET room_id = COALESCE(NULLIF($2::text, ''), room_id),
	    sender_id = COALESCE(NULLIF($3::text, ''), sender_id),
	    sender_name = COALESCE(NULLIF($4::text, ''), sender_name),
	    content = COALESCE(NULLIF($5::text, ''), content),
	    revoked = revoked OR $6,
	    read_by = CASE WHEN cardinality($7::text[]) > 0 THEN $7::text[] ELSE read_by END
	WHERE message_code = $1
`

// updateArgs returns the updateMessageSQL parameters for msg.
func updateArgs(msg model.Message) []any {
	return []any{
		msg.Code,
		msg.RoomID,
		string(msg.SenderID),
		msg.SenderName,
		msg.Text,
		msg.Revoked,
		idStrings(msg.ReadBy),
	}
}

// UpdateMessageByCode merges msg into the stored row with the same code.
func (p *Postgres) UpdateMessageByCode(ctx context.Context, msg model.Message) error {
	ct, err := p.db.Exec(ctx, updateMessageSQL, updateArgs(msg)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", msg.Code, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", msg.Code, ErrMessageNotFound)
	}
	return nil
}

// ReconcileReadStatus merges the active users into read_by on the current
// user's messages in roomID.
func (p *Postgres) ReconcileReadStatus(ctx context.Context, roomID string, activeUserIDs []model.UserID, currentUserID model.UserID) error {
	others := idStrings(readers(activeUserIDs, currentUserID))
	if len(others) == 0 {
		return nil
	}

	ct, err := p.db.Exec(ctx, `
		UPDATE chat_messages
		SET read_by = ARRAY(SELECT DISTINCT r FROM unnest(read_by || $3::text[]) AS r ORDER BY r)
		WHERE room_id = $1 AND sender_id = $2 AND NOT (read_by @> $3::text[])
	`, roomID, string(currentUserID), others)
	if err != nil {
		return fmt.Errorf("reconcile read status %s: %w", roomID, err)
	}

	p.logger.Debug("read status reconciled",
		"room_id", roomID,
		"readers", len(others),
		"updated", ct.RowsAffected(),
	)
	return nil
}

// Messages returns a room's messages ordered by send time.
func (p *Postgres) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	rows, err := p.db.Query(ctx, `
		SELECT message_code, room_id, sender_id, sender_name, content, revoked, sent_at, read_by
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY sent_at, message_code
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages %s: %w", roomID, err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var r messageRow
		if err := row.Scan(&r.Code, &r.RoomID, &r.SenderID, &r.SenderName, &r.Content, &r.Revoked, &r.SentAt, &r.ReadBy); err != nil {
			return model.Message{}, err
		}
		return r.message(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages %s: %w", roomID, err)
	}
	return msgs, nil
}

func idStrings(ids []model.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
