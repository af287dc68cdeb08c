package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/quillchat/backend/internal/logger"
	"github.com/quillchat/backend/internal/storage/pg"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service registers users and exchanges credentials for access tokens.
type Service struct {
	queries *pg.Queries
	tokens  *TokenIssuer
	logger  *logger.Logger
}

func NewService(queries *pg.Queries, tokens *TokenIssuer, log *logger.Logger) *Service {
	return &Service{
		queries: queries,
		tokens:  tokens,
		logger:  log.WithComponent("auth"),
	}
}

// Register creates an account and returns a signed token for it.
func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if _, err := s.queries.GetUserByEmail(ctx, email); err == nil {
		return "", ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	user, err := s.queries.CreateUser(ctx, email, string(hash))
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "User registered", "user_id", user.ID)
	return s.tokens.Issue(user.ID, user.Email)
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.queries.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.tokens.Issue(user.ID, user.Email)
}
