// Package auth implements email/password accounts and cookie sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/store"
)

const (
	CookieName        = "klever_session"
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultBcryptCost = 10
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidSession     = errors.New("invalid session")
)

// Status is the outcome of a login or registration attempt.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusInvalidData Status = "invalid_data"
	StatusUserExists  Status = "user_exists"
)

// ActionState is returned to the form that submitted the action.
type ActionState struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Credentials is the submitted login or registration form.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate returns the message of the first invalid field, or "" when the
// credentials are well formed.
func (c Credentials) Validate() string {
	err := validate.Struct(c)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid form data"
	}
	switch verrs[0].Field() {
	case "Email":
		return "Invalid email address"
	case "Password":
		return "Password must be at least 6 characters"
	}
	return "Invalid form data"
}

// SessionUser identifies the signed-in account.
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the decoded session cookie. A nil *Session means signed out.
type Session struct {
	User    SessionUser `json:"user"`
	Expires time.Time   `json:"expires"`
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Options configures a Service.
type Options struct {
	Secret       []byte
	MaxAge       time.Duration
	BcryptCost   int
	SecureCookie bool
}

// Service authenticates users against a UserStore and issues sessions.
type Service struct {
	users  store.UserStore
	secret []byte
	maxAge time.Duration
	cost   int
	secure bool
	now    func() time.Time
}

// NewService creates a Service. Zero options fall back to defaults.
func NewService(users store.UserStore, opts Options) *Service {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = DefaultBcryptCost
	}
	return &Service{
		users:  users,
		secret: opts.Secret,
		maxAge: opts.MaxAge,
		cost:   opts.BcryptCost,
		secure: opts.SecureCookie,
		now:    time.Now,
	}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateUser validates and stores a new account.
func (s *Service) CreateUser(ctx context.Context, creds Credentials) (*domain.User, error) {
	if msg := creds.Validate(); msg != "" {
		return nil, errors.New(msg)
	}
	existing, err := s.users.GetUser(ctx, creds.Email)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%s: %w", creds.Email, ErrUserExists)
	}
	hash, err := HashPassword(creds.Password, s.cost)
	if err != nil {
		return nil, err
	}
	return s.users.CreateUser(ctx, creds.Email, hash)
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, creds Credentials) (ActionState, *Session) {
	if msg := creds.Validate(); msg != "" {
		return ActionState{Status: StatusInvalidData, Message: msg}, nil
	}
	user, err := s.CreateUser(ctx, creds)
	if errors.Is(err, ErrUserExists) {
		return ActionState{Status: StatusUserExists, Message: "An account with this email already exists"}, nil
	}
	if err != nil {
		slog.Error("Failed to register user", "error", err)
		return ActionState{Status: StatusFailed, Message: "Registration failed"}, nil
	}
	return ActionState{Status: StatusSuccess, Message: "Account created successfully"}, s.newSession(user)
}

// Login checks credentials and returns a session on success.
func (s *Service) Login(ctx context.Context, creds Credentials) (ActionState, *Session) {
	if msg := creds.Validate(); msg != "" {
		return ActionState{Status: StatusInvalidData, Message: msg}, nil
	}
	user, err := s.Authenticate(ctx, creds.Email, creds.Password)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			slog.Error("Failed to authenticate user", "error", err)
		}
		return ActionState{Status: StatusFailed, Message: "Invalid credentials"}, nil
	}
	return ActionState{Status: StatusSuccess, Message: "Successfully logged in"}, s.newSession(user)
}

// Authenticate returns the user when email and password match.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	users, err := s.users.GetUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 || users[0].Password == "" {
		return nil, ErrInvalidCredentials
	}
	if !CheckPassword(users[0].Password, password) {
		return nil, ErrInvalidCredentials
	}
	return &users[0], nil
}

func (s *Service) newSession(u *domain.User) *Session {
	return &Session{
		User:    SessionUser{ID: u.ID, Email: u.Email},
		Expires: s.now().Add(s.maxAge).Truncate(time.Second),
	}
}

// Token signs a session as an HS256 JWT.
func (s *Service) Token(sess *Session) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.User.ID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(sess.Expires),
		},
		Email: sess.User.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// ParseToken verifies a token and returns its session.
func (s *Service) ParseToken(token string) (*Session, error) {
	var c claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parser.SkipClaimsValidation = true
	tok, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if c.Subject == "" || c.ExpiresAt == nil || !s.now().Before(c.ExpiresAt.Time) {
		return nil, ErrInvalidSession
	}
	return &Session{
		User:    SessionUser{ID: c.Subject, Email: c.Email},
		Expires: c.ExpiresAt.Time,
	}, nil
}

// SetCookie writes the session cookie.
func (s *Service) SetCookie(w http.ResponseWriter, sess *Session) error {
	token, err := s.Token(sess)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.Expires,
		MaxAge:   int(s.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie.
func (s *Service) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromRequest returns the session carried by the request cookie, or
// nil when there is none or it does not verify.
func (s *Service) SessionFromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	sess, err := s.ParseToken(cookie.Value)
	if err != nil {
		slog.Debug("Rejected session cookie", "error", err)
		return nil
	}
	return sess
}

type sessionKey struct{}

// WithSession stores a session in ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// FromContext returns the session stored by WithSession, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}
