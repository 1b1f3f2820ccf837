// Package sqlstore implements the chat and user stores on top of SQL.
// SQLite is the default; Postgres is supported for shared deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/store"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements ChatStore and UserStore.
type Store struct {
	db  *sqlx.DB
	now func() time.Time

	mu          sync.RWMutex
	subscribers map[int]chan string
	nextSub     int
}

// Verify interface compliance at compile time.
var _ store.ChatStore = (*Store)(nil)
var _ store.UserStore = (*Store)(nil)

// Open connects to the database and runs migrations. For SQLite, dsn is a
// file path; connection options are added when it has none.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent saves.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:          db,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: map[int]chan string{},
	}
	if err := s.migrate(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(driver string) error {
	timestamp := "DATETIME"
	if driver == DriverPostgres {
		timestamp = "TIMESTAMPTZ"
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at ` + timestamp + ` NOT NULL,
			messages TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_created ON chats(user_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type chatRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	Messages  string    `db:"messages"`
}

func (r chatRow) chat() (*domain.Chat, error) {
	msgs, err := domain.DecodeLog([]byte(r.Messages))
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", r.ID, err)
	}
	return &domain.Chat{
		ID:        r.ID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt.UTC(),
		Messages:  msgs,
	}, nil
}

type userRow struct {
	ID       string `db:"id"`
	Email    string `db:"email"`
	Password string `db:"password"`
}

// --- ChatStore ---

func (s *Store) GetChatByID(ctx context.Context, id string) (*domain.Chat, error) {
	var row chatRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, user_id, created_at, messages FROM chats WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	return row.chat()
}

func (s *Store) GetChatsByUserID(ctx context.Context, userID string) ([]domain.Chat, error) {
	var rows []chatRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT id, user_id, created_at, messages FROM chats WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list chats for user %s: %w", userID, err)
	}

	chats := make([]domain.Chat, 0, len(rows))
	for _, r := range rows {
		c, err := r.chat()
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, nil
}

func (s *Store) SaveChat(ctx context.Context, id string, messages []domain.StoredMessage, userID string) error {
	data, err := domain.EncodeLog(messages)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save chat %s: %w", id, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE chats SET messages = ? WHERE id = ?`), string(data), id)
	if err != nil {
		return fmt.Errorf("update chat %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO chats (id, user_id, created_at, messages) VALUES (?, ?, ?, ?)`),
			id, userID, s.now(), string(data),
		)
		if err != nil {
			return fmt.Errorf("insert chat %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save chat %s: %w", id, err)
	}

	s.notifySubscribers(id)
	return nil
}

func (s *Store) DeleteChatByID(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM chats WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("chat %s: %w", id, store.ErrNotFound)
	}
	s.notifySubscribers(id)
	return nil
}

// Subscribe returns a channel that receives the ID of every chat that is
// saved or deleted, and a function that ends the subscription.
func (s *Store) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notifySubscribers(chatID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- chatID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// --- UserStore ---

func (s *Store) GetUser(ctx context.Context, email string) ([]domain.User, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT id, email, password FROM users WHERE email = ?`), email)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	users := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, domain.User{ID: r.ID, Email: r.Email, Password: r.Password})
	}
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*domain.User, error) {
	u := &domain.User{ID: uuid.New().String(), Email: email, Password: passwordHash}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO users (id, email, password) VALUES (?, ?, ?)`),
		u.ID, u.Email, u.Password,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}
