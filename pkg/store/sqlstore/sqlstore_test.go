package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, email string) *domain.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	users, err := s.GetUser(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("GetUser before create: len = %d, want 0", len(users))
	}

	created := newTestUser(t, s, "a@example.com")
	if created.ID == "" {
		t.Fatal("CreateUser did not assign an ID")
	}

	users, err = s.GetUser(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(users) != 1 || users[0].ID != created.ID || users[0].Password != "hash" {
		t.Errorf("GetUser = %+v, want %+v", users, created)
	}

	if _, err := s.CreateUser(ctx, "a@example.com", "other"); err == nil {
		t.Error("expected duplicate email to fail")
	}
}

func TestSaveChatUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	first := []domain.StoredMessage{{Role: domain.RoleUser, Content: domain.TextContent("Hi")}}
	if err := s.SaveChat(ctx, "chat-1", first, u.ID); err != nil {
		t.Fatalf("SaveChat insert: %v", err)
	}
	got, err := s.GetChatByID(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetChatByID: %v", err)
	}
	if got.UserID != u.ID || len(got.Messages) != 1 || got.Messages[0].Content.Text != "Hi" {
		t.Errorf("after insert: %+v", got)
	}
	createdAt := got.CreatedAt

	second := append(first, domain.StoredMessage{
		Role: domain.RoleAssistant,
		Content: domain.PartsContent(
			domain.TextPart("Hello"),
			domain.ToolCallPart("t1", "getWeather", domain.Payload(`{"latitude":1,"longitude":2}`)),
		),
	})
	if err := s.SaveChat(ctx, "chat-1", second, u.ID); err != nil {
		t.Fatalf("SaveChat update: %v", err)
	}
	got, err = s.GetChatByID(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetChatByID: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("after update: len = %d, want 2", len(got.Messages))
	}
	if calls := got.Messages[1].ToolCalls(); len(calls) != 1 || calls[0].ToolCallID != "t1" {
		t.Errorf("tool calls = %+v", calls)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", createdAt, got.CreatedAt)
	}
}

func TestGetChatsByUserIDNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice@example.com")
	bob := newTestUser(t, s, "bob@example.com")

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		if err := s.SaveChat(ctx, id, nil, alice.ID); err != nil {
			t.Fatalf("SaveChat %s: %v", id, err)
		}
	}
	if err := s.SaveChat(ctx, "bobs", nil, bob.ID); err != nil {
		t.Fatalf("SaveChat bobs: %v", err)
	}

	chats, err := s.GetChatsByUserID(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetChatsByUserID: %v", err)
	}
	var ids []string
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	if len(ids) != 3 || ids[0] != "new" || ids[1] != "mid" || ids[2] != "old" {
		t.Errorf("ids = %v, want [new mid old]", ids)
	}
	if len(chats[0].Messages) != 0 {
		t.Errorf("nil messages should be stored as an empty log, got %+v", chats[0].Messages)
	}
}

func TestDeleteChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	if err := s.SaveChat(ctx, "chat-1", nil, u.ID); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}
	if err := s.DeleteChatByID(ctx, "chat-1"); err != nil {
		t.Fatalf("DeleteChatByID: %v", err)
	}
	if _, err := s.GetChatByID(ctx, "chat-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetChatByID after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteChatByID(ctx, "chat-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestCorruptLogIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, created_at, messages) VALUES (?, ?, ?, ?)`,
		"bad", u.ID, time.Now().UTC(), `[{"role":"narrator","content":"x"}]`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.GetChatByID(ctx, "bad"); !errors.Is(err, domain.ErrInvalidLog) {
		t.Errorf("err = %v, want ErrInvalidLog", err)
	}
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	ch, cancel := s.Subscribe()
	if err := s.SaveChat(ctx, "chat-1", nil, u.ID); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}
	select {
	case id := <-ch:
		if id != "chat-1" {
			t.Errorf("notified %q, want chat-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	cancel()
	if err := s.SaveChat(ctx, "chat-1", nil, u.ID); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}
	select {
	case id := <-ch:
		t.Errorf("unexpected notification after cancel: %q", id)
	default:
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs := []domain.StoredMessage{{Role: domain.RoleUser, Content: domain.TextContent("hi")}}
			if err := s.SaveChat(ctx, "shared", msgs, u.ID); err != nil {
				t.Errorf("SaveChat: %v", err)
			}
		}()
	}
	wg.Wait()

	chats, err := s.GetChatsByUserID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetChatsByUserID: %v", err)
	}
	if len(chats) != 1 {
		t.Errorf("len = %d, want 1", len(chats))
	}
}
