package store

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/database"
	"github.com/rickgao/chatlink/internal/model"
)

func TestToRow(t *testing.T) {
	local := time.FixedZone("UTC+8", 8*3600)
	m := model.Message{
		Code:       "c1",
		RoomID:     "r1",
		SenderID:   "42",
		SenderName: "Ann",
		Text:       "hello",
		Revoked:    true,
		SentAt:     time.Date(2025, 1, 1, 20, 0, 0, 0, local),
		ReadBy:     []model.UserID{"7", "9"},
	}

	r := toRow(m)

	if r.SenderID != "42" {
		t.Errorf("SenderID = %q, want %q", r.SenderID, "42")
	}
	if r.Content != "hello" {
		t.Errorf("Content = %q, want %q", r.Content, "hello")
	}
	if r.SentAt.Location() != time.UTC || !r.SentAt.Equal(m.SentAt) {
		t.Errorf("SentAt = %v, want %v in UTC", r.SentAt, m.SentAt)
	}
	if len(r.ReadBy) != 2 || r.ReadBy[1] != "9" {
		t.Errorf("ReadBy = %v, want [7 9]", r.ReadBy)
	}

	back := r.message()
	if back.Code != m.Code || back.SenderID != m.SenderID || !back.Revoked || len(back.ReadBy) != 2 {
		t.Errorf("message() = %+v, want fields of %+v", back, m)
	}
}

func TestToRow_ZeroSentAt(t *testing.T) {
	before := time.Now()
	r := toRow(model.Message{Code: "c1"})
	if r.SentAt.Before(before.Add(-time.Second)) {
		t.Errorf("SentAt = %v, want about now", r.SentAt)
	}
	if r.ReadBy == nil {
		t.Error("ReadBy = nil, want empty slice for text[]")
	}
}

func TestUpdateArgs_Partial(t *testing.T) {
	args := updateArgs(model.Message{Code: "c1", Revoked: true})

	if len(args) != 7 {
		t.Fatalf("len(args) = %d, want 7", len(args))
	}
	for _, a := range args {
		if _, ok := a.(time.Time); ok {
			t.Errorf("args carry a timestamp %v, want sent_at left alone", a)
		}
	}
	if args[0] != "c1" {
		t.Errorf("args[0] = %v, want c1", args[0])
	}
	for i := 1; i <= 4; i++ {
		if args[i] != "" {
			t.Errorf("args[%d] = %q, want empty so the stored column is kept", i, args[i])
		}
	}
	if args[5] != true {
		t.Errorf("args[5] = %v, want true", args[5])
	}
	if ids, ok := args[6].([]string); !ok || ids == nil || len(ids) != 0 {
		t.Errorf("args[6] = %#v, want empty []string", args[6])
	}
	if !strings.Contains(updateMessageSQL, "COALESCE(NULLIF($5::text, ''), content)") {
		t.Error("content update does not keep the stored value on empty input")
	}
	if strings.Contains(updateMessageSQL, "sent_at") {
		t.Error("update rewrites sent_at")
	}
}

// TestPostgres_RoundTrip needs a scratch database. It runs only when
// CHATLINK_TEST_DB_HOST is set; the other CHATLINK_TEST_DB_* variables
// fill in the rest of the connection.
func TestPostgres_RoundTrip(t *testing.T) {
	host := os.Getenv("CHATLINK_TEST_DB_HOST")
	if host == "" {
		t.Skip("CHATLINK_TEST_DB_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("CHATLINK_TEST_DB_PORT"))
	if port == 0 {
		port = 5432
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, config.DBConfig{
		Host:     host,
		Port:     port,
		Name:     os.Getenv("CHATLINK_TEST_DB_NAME"),
		User:     os.Getenv("CHATLINK_TEST_DB_USER"),
		Password: os.Getenv("CHATLINK_TEST_DB_PASSWORD"),
		SSLMode:  "disable",
		MaxConns: 2,
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer pool.Close()

	s := NewPostgres(pool, nil)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	room := "test-" + uuid.NewString()
	defer pool.Exec(context.Background(), `DELETE FROM chat_messages WHERE room_id = $1`, room)

	mine := model.Message{Code: uuid.NewString(), RoomID: room, SenderID: "me", Text: "hi", SentAt: sentAt}
	theirs := model.Message{Code: uuid.NewString(), RoomID: room, SenderID: "u2", Text: "yo", SentAt: sentAt.Add(time.Second)}

	for _, m := range []model.Message{mine, theirs, mine} {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	if err := s.ReconcileReadStatus(ctx, room, []model.UserID{"me", "u2", "u3"}, "me"); err != nil {
		t.Fatalf("ReconcileReadStatus failed: %v", err)
	}

	if err := s.UpdateMessageByCode(ctx, model.Message{Code: mine.Code, Revoked: true}); err != nil {
		t.Fatalf("UpdateMessageByCode failed: %v", err)
	}

	msgs, err := s.Messages(ctx, room)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Code != mine.Code || !msgs[0].Revoked {
		t.Errorf("Messages[0] = %+v, want revoked %s", msgs[0], mine.Code)
	}
	if msgs[0].Text != "hi" || msgs[0].SenderID != "me" || !msgs[0].SentAt.Equal(sentAt) {
		t.Errorf("Messages[0] = %+v, want text, sender and sent_at kept", msgs[0])
	}
	if len(msgs[0].ReadBy) != 2 || msgs[0].ReadBy[0] != "u2" || msgs[0].ReadBy[1] != "u3" {
		t.Errorf("ReadBy = %v, want [u2 u3]", msgs[0].ReadBy)
	}
	if len(msgs[1].ReadBy) != 0 {
		t.Errorf("ReadBy on other sender = %v, want empty", msgs[1].ReadBy)
	}
}
