package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examd/internal/auth"
	"github.com/pavelanni/examd/internal/model"
	"github.com/pavelanni/examd/internal/store"
)

// RegisterInput is the body of a registration request.
type RegisterInput struct {
	Username string         `json:"username" validate:"required,max=80"`
	Email    string         `json:"email" validate:"required,emailaddr"`
	Password string         `json:"password" validate:"required"`
	Role     model.UserRole `json:"role" validate:"omitempty,oneof=student admin"`
}

// LoginInput is the body of a login request.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Token is a signed access token handed out on login.
type Token struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      model.User `json:"user"`
}

// Register creates a student account, or an admin account when admin
// self-registration is enabled. Asking for the admin role otherwise fails
// with ErrForbidden.
func (s *Service) Register(ctx context.Context, in RegisterInput) (model.User, error) {
	return s.register(ctx, in, s.cfg.AllowAdminSignup)
}

// CreateAdmin creates an admin account regardless of the signup policy.
func (s *Service) CreateAdmin(ctx context.Context, in RegisterInput) (model.User, error) {
	in.Role = model.UserRoleAdmin
	return s.register(ctx, in, true)
}

func (s *Service) register(_ context.Context, in RegisterInput, allowAdmin bool) (model.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Role == "" {
		in.Role = model.UserRoleStudent
	}

	ve := checkStruct(in)
	if ve == nil {
		ve = &ValidationError{Message: "invalid input"}
	}
	if in.Password != "" {
		if err := auth.CheckPassword(in.Password); err != nil {
			ve.add("password", err.Error())
		}
	}
	if in.Email != "" {
		existing, err := s.store.GetUserByEmail(in.Email)
		if err != nil {
			return model.User{}, fmt.Errorf("lookup email: %w", err)
		}
		if existing != nil {
			ve.add("email", "email already registered")
		}
	}
	if in.Username != "" {
		existing, err := s.store.GetUserByUsername(in.Username)
		if err != nil {
			return model.User{}, fmt.Errorf("lookup username: %w", err)
		}
		if existing != nil {
			ve.add("username", "username already taken")
		}
	}
	if err := ve.orNil(); err != nil {
		return model.User{}, err
	}

	if in.Role == model.UserRoleAdmin && !allowAdmin {
		return model.User{}, fmt.Errorf("admin self-registration is disabled: %w", ErrForbidden)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return model.User{}, err
	}
	u := model.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
	}
	u.ID, err = s.store.CreateUser(u)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent registration.
		return model.User{}, &ValidationError{
			Message: "invalid input",
			Fields:  map[string]string{"email": "email or username already registered"},
		}
	}
	if err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	u.CreatedAt = s.now().UTC()
	return u, nil
}

// Login checks credentials and issues an access token.
func (s *Service) Login(_ context.Context, in LoginInput) (Token, error) {
	in.Email = strings.TrimSpace(in.Email)
	if ve := checkStruct(in); ve != nil {
		return Token{}, ve
	}
	u, err := s.store.GetUserByEmail(in.Email)
	if err != nil {
		return Token{}, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil || !auth.ComparePassword(u.PasswordHash, in.Password) {
		slog.Info("failed login", "email", in.Email)
		return Token{}, ErrAuth
	}
	token, expires, err := s.tokens.Issue(*u)
	if err != nil {
		return Token{}, err
	}
	return Token{Token: token, ExpiresAt: expires, User: *u}, nil
}

// Authenticate resolves an access token to the current user record, so role
// changes apply to tokens issued before them.
func (s *Service) Authenticate(_ context.Context, token string) (*model.User, error) {
	id, err := s.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	u, err := s.store.GetUserByID(id)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %d no longer exists", ErrAuth, id)
	}
	return u, nil
}

// ListUsers returns all accounts.
func (s *Service) ListUsers(_ context.Context) ([]model.User, error) {
	users, err := s.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUserRole changes a user's role.
func (s *Service) UpdateUserRole(_ context.Context, userID int64, role model.UserRole) (model.User, error) {
	if !role.Valid() {
		return model.User{}, invalid("role", "must be one of: student, admin")
	}
	err := s.store.UpdateUserRole(userID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, notFound("user", userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("update role: %w", err)
	}
	u, err := s.store.GetUserByID(userID)
	if err != nil {
		return model.User{}, fmt.Errorf("reload user: %w", err)
	}
	if u == nil {
		return model.User{}, notFound("user", userID)
	}
	return *u, nil
}
