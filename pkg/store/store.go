package store

import (
	"context"
	"errors"

	"github.com/nstogner/klever/pkg/domain"
)

// ErrNotFound is returned when a chat or user does not exist.
var ErrNotFound = errors.New("not found")

// ChatStore persists conversations. The message log of a chat is stored as a
// single serialized document and replaced wholesale on every save.
type ChatStore interface {
	// GetChatByID returns the chat with the given ID.
	// Returns an error wrapping ErrNotFound if it does not exist.
	GetChatByID(ctx context.Context, id string) (*domain.Chat, error)

	// GetChatsByUserID returns all chats owned by the user, newest first.
	GetChatsByUserID(ctx context.Context, userID string) ([]domain.Chat, error)

	// SaveChat replaces the messages of an existing chat, or inserts a new
	// chat with the current time as its creation time.
	SaveChat(ctx context.Context, id string, messages []domain.StoredMessage, userID string) error

	// DeleteChatByID removes a chat.
	// Returns an error wrapping ErrNotFound if it does not exist.
	DeleteChatByID(ctx context.Context, id string) error
}

// UserStore persists accounts.
type UserStore interface {
	// GetUser returns the users registered with the email. Emails are unique,
	// so the result holds zero or one user.
	GetUser(ctx context.Context, email string) ([]domain.User, error)

	// CreateUser inserts a new user. passwordHash must already be hashed.
	CreateUser(ctx context.Context, email, passwordHash string) (*domain.User, error)
}
