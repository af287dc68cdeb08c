package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quillchat/backend/internal/logger"
	"github.com/quillchat/backend/internal/storage/pg"
)

// ErrNoAPIKey is returned when the user has not configured an upstream key.
var ErrNoAPIKey = errors.New("no openrouter api key configured")

// Store is the persistence surface the settings service needs. *pg.Queries
// satisfies it.
type Store interface {
	GetSettings(ctx context.Context, userID int64) (pg.Settings, error)
	UpsertSettings(ctx context.Context, userID int64, settingsJSON string) error
}

// Service stores per-user settings as an opaque JSON document. The backend
// itself only reads one field out of it: the OpenRouter API key.
type Service struct {
	queries Store
	logger  *logger.Logger
}

func NewService(queries Store, log *logger.Logger) *Service {
	return &Service{
		queries: queries,
		logger:  log.WithComponent("settings"),
	}
}

// Get returns the user's settings document, or an empty object when none has
// been saved yet.
func (s *Service) Get(ctx context.Context, userID int64) (json.RawMessage, error) {
	row, err := s.queries.GetSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return json.RawMessage(`{}`), nil
		}
		return nil, err
	}
	return json.RawMessage(row.SettingsJSON), nil
}

// Put replaces the user's settings document.
func (s *Service) Put(ctx context.Context, userID int64, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("settings payload is not valid JSON")
	}
	return s.queries.UpsertSettings(ctx, userID, string(doc))
}

// OpenRouterKey extracts the upstream API key from the user's settings.
func (s *Service) OpenRouterKey(ctx context.Context, userID int64) (string, error) {
	doc, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	var parsed struct {
		OpenRouterAPIKey string `json:"openRouterApiKey"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return "", fmt.Errorf("decoding settings: %w", err)
	}
	if parsed.OpenRouterAPIKey == "" {
		return "", ErrNoAPIKey
	}
	return parsed.OpenRouterAPIKey, nil
}
