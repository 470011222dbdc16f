package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatbloom/internal/content"
	"chatbloom/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 7 * 24 * time.Hour
	DefaultIssuer      = "chatbloom"
	loginFailedMessage = "Invalid credentials"
)

var (
	ErrUserExists        = errors.New("user already exists")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token has expired")
	ErrRevokedToken      = errors.New("token has been revoked")
	ErrInvalidCredential = errors.New("invalid credentials")
)

type credentialStore interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegistrationRequest creates a new account and logs it in.
type RegistrationRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

type UserCredentials struct {
	models.User
	PasswordHash string `json:"passwordHash"`
	// Consecutive failed login attempts, used to throttle brute force attacks.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	Issuer      string        `json:"issuer"`
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int `json:"bcryptCost"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return nil
}

type AuthService struct {
	Config
	store credentialStore
	// username -> credentials
	users *geche.Locker[string, *UserCredentials]
	// token id -> user id, kept until the token would have expired anyway
	revoked geche.Geche[string, string]
	now     func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store credentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	as := &AuthService{
		Config:  config,
		store:   store,
		users:   geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		revoked: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}

	credentials, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	for _, c := range credentials {
		tx.Set(c.Username, &c)
	}
	slog.Info("credentials loaded", "users", len(credentials))

	return as, nil
}

func (as *AuthService) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), as.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// AddUser creates a new user with the given password.
func (as *AuthService) AddUser(username, password string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if err := content.ValidatePassword(password); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return models.User{}, ErrUserExists
	}

	passwordHash, err := as.hashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	creds := &UserCredentials{
		User: models.User{
			ID:        uuid.NewString(),
			Username:  username,
			CreatedAt: as.now().UnixMilli(),
		},
		PasswordHash: passwordHash,
	}
	if err := as.store.UpsertCredentials(*creds); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	tx.Set(username, creds)

	return creds.User, nil
}

// Register creates a user and returns a logged-in response for it.
func (as *AuthService) Register(req RegistrationRequest) (LoginResponse, error) {
	user, err := as.AddUser(req.Username, req.Password)
	if err != nil {
		return LoginResponse{Success: false, Message: err.Error()}, err
	}
	return as.issue(user)
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, error) {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ErrInvalidCredential
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ErrInvalidCredential
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ErrInvalidCredential
	}

	user.ResetFailedLoginAttempts(now)
	return as.issue(user.User)
}

func (as *AuthService) issue(user models.User) (LoginResponse, error) {
	token, expiresAt, err := as.generateToken(user)
	if err != nil {
		slog.Error("token generation failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, err
	}

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
		User:        &user,
	}, nil
}

// Logoff revokes the token until its natural expiry.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.parseToken(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, claims.UserID)
	return nil
}

// Verify resolves a token to the identity it was issued for.
func (as *AuthService) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims, err := as.parseToken(token)
	if err != nil {
		return models.Identity{}, err
	}

	if _, err := as.revoked.Get(claims.ID); err == nil {
		return models.Identity{}, ErrRevokedToken
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(claims.Username)
	if err != nil || user.ID != claims.UserID {
		return models.Identity{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}

	return user.Identity(), nil
}
