// Package authpw provides email/password credential verification and
// guest account creation.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parley/api/internal/store"
)

// Service owns password hashing and the user records behind it.
type Service struct {
	store UserStore
}

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, email, passwordHash, userType string) (store.User, error)
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// RegisterRequest contains sign-up parameters.
type RegisterRequest struct {
	Email    string
	Password string
}

// Register creates a credentialed account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, string(hash), store.UserTypeRegular)
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn verifies credentials and returns the matching user.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.User{}, errors.New("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, errors.New("invalid email or password")
	}

	// Guest accounts have no usable credentials.
	if user.UserType == store.UserTypeGuest {
		return store.User{}, errors.New("invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, errors.New("invalid email or password")
	}
	return user, nil
}

// CreateGuest provisions an anonymous account with a timestamp-pattern
// email and a random password nobody can sign in with.
func (s *Service) CreateGuest(ctx context.Context) (store.User, error) {
	email := fmt.Sprintf("guest-%d@parley.local", time.Now().UnixMilli())

	password, err := randomPassword()
	if err != nil {
		return store.User{}, fmt.Errorf("generate guest password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash guest password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, string(hash), store.UserTypeGuest)
	if err != nil {
		return store.User{}, fmt.Errorf("create guest user: %w", err)
	}
	return user, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
