package chats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/quillchat/backend/internal/logger"
	"github.com/quillchat/backend/internal/openrouter"
	"github.com/quillchat/backend/internal/relay"
	"github.com/quillchat/backend/internal/settings"
	"github.com/quillchat/backend/internal/storage/pg"
	"github.com/quillchat/backend/internal/titlegen"
)

// ErrChatNotFound covers both a missing chat and a chat owned by someone
// else; callers cannot tell the two apart.
var ErrChatNotFound = errors.New("chat not found")

const (
	defaultChatName = "New Chat"
	providerName    = "openrouter"
	// appended to the model slug to enable upstream web search
	onlineSuffix = ":online"
)

// Store is the persistence surface the chat service needs. *pg.Queries
// satisfies it.
type Store interface {
	CreateChat(ctx context.Context, arg pg.CreateChatParams) (pg.Chat, error)
	ListChats(ctx context.Context, userID int64) ([]pg.Chat, error)
	GetChat(ctx context.Context, chatID string) (pg.Chat, error)
	RenameChat(ctx context.Context, chatID, name string) (pg.Chat, error)
	SetChatModel(ctx context.Context, chatID, model string) error
	DeleteChat(ctx context.Context, chatID string) error
	InsertMessage(ctx context.Context, arg pg.InsertMessageParams) (pg.Message, error)
	GetMessagesForChat(ctx context.Context, chatID string) ([]pg.Message, error)
	InsertAttachments(ctx context.Context, args []pg.InsertAttachmentParams) error
	GetAttachmentsForMessage(ctx context.Context, messageID string) ([]pg.Attachment, error)
}

// Service implements chat CRUD and drives generations through the relay.
type Service struct {
	queries  Store
	relay    *relay.Orchestrator
	upstream *openrouter.Client
	settings *settings.Service
	titles   *titlegen.Generator
	logger   *logger.Logger
}

func NewService(
	queries Store,
	orchestrator *relay.Orchestrator,
	upstream *openrouter.Client,
	settingsSvc *settings.Service,
	titles *titlegen.Generator,
	log *logger.Logger,
) *Service {
	return &Service{
		queries:  queries,
		relay:    orchestrator,
		upstream: upstream,
		settings: settingsSvc,
		titles:   titles,
		logger:   log.WithComponent("chats"),
	}
}

// CreateChat creates a chat. When no explicit name is given but
// nameContent carries the opening message, a title is generated from it
// before the chat is stored; without an API key the title degrades to a
// truncation of the content.
func (s *Service) CreateChat(ctx context.Context, userID int64, name, model, nameContent string) (ChatDto, error) {
	if name == "" && nameContent != "" {
		if apiKey, err := s.settings.OpenRouterKey(ctx, userID); err == nil {
			name = s.titles.Generate(ctx, apiKey, model, nameContent)
		} else {
			name = titlegen.Fallback(nameContent)
		}
	}

	chat, err := s.queries.CreateChat(ctx, pg.CreateChatParams{
		UserID: userID,
		Name:   name,
		Model:  model,
	})
	if err != nil {
		return ChatDto{}, err
	}
	return chatToDto(chat), nil
}

func (s *Service) ListChats(ctx context.Context, userID int64) ([]ChatDto, error) {
	chats, err := s.queries.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatDto, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatToDto(c))
	}
	return out, nil
}

// getOwnedChat loads a chat and verifies ownership. A chat belonging to a
// different user is reported as not found.
func (s *Service) getOwnedChat(ctx context.Context, userID int64, chatID string) (pg.Chat, error) {
	chat, err := s.queries.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pg.Chat{}, ErrChatNotFound
		}
		return pg.Chat{}, err
	}
	if chat.UserID != userID {
		return pg.Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (s *Service) RenameChat(ctx context.Context, userID int64, chatID, name string) (ChatDto, error) {
	if _, err := s.getOwnedChat(ctx, userID, chatID); err != nil {
		return ChatDto{}, err
	}
	chat, err := s.queries.RenameChat(ctx, chatID, name)
	if err != nil {
		return ChatDto{}, err
	}
	return chatToDto(chat), nil
}

func (s *Service) DeleteChat(ctx context.Context, userID int64, chatID string) error {
	if _, err := s.getOwnedChat(ctx, userID, chatID); err != nil {
		return err
	}
	// an in-flight generation for a deleted chat is stopped first
	_ = s.relay.Cancel(chatID)
	return s.queries.DeleteChat(ctx, chatID)
}

// Messages returns the chat's history. When a generation is in flight its
// partial assistant message is appended with a generating status.
func (s *Service) Messages(ctx context.Context, userID int64, chatID string) ([]MessageDto, error) {
	chat, err := s.getOwnedChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	rows, err := s.queries.GetMessagesForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDto, 0, len(rows)+1)
	for _, m := range rows {
		var attachments []pg.Attachment
		if m.Role == openrouter.RoleUser {
			attachments, err = s.queries.GetAttachmentsForMessage(ctx, m.ID)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, messageToDto(m, attachments))
	}

	if messageID, content, ok := s.relay.Snapshot(chatID); ok {
		out = append(out, MessageDto{
			ID:        messageID,
			ChatID:    chatID,
			Role:      openrouter.RoleAssistant,
			Content:   content,
			Model:     chat.Model,
			Provider:  providerName,
			Status:    statusGenerating,
			CreatedAt: time.Now().UTC(),
		})
	}
	return out, nil
}

// PostMessageParams is one user turn to append and respond to. A non-empty
// Model switches the chat to that model for this and later turns.
type PostMessageParams struct {
	Content     string
	Model       string
	Attachments []AttachmentUpload
	UseSearch   bool
}

// PostMessageResult reports the persisted user message and the ID the
// assistant's reply will be stored under.
type PostMessageResult struct {
	UserMessage        MessageDto
	AssistantMessageID string
}

// PostMessage appends the user's message and starts the assistant generation
// in the background. Returns relay.ErrGenerationActive when the chat already
// has one in flight.
func (s *Service) PostMessage(ctx context.Context, userID int64, chatID string, params PostMessageParams) (PostMessageResult, error) {
	chat, err := s.getOwnedChat(ctx, userID, chatID)
	if err != nil {
		return PostMessageResult{}, err
	}
	if s.relay.Active(chatID) {
		return PostMessageResult{}, relay.ErrGenerationActive
	}

	apiKey, err := s.settings.OpenRouterKey(ctx, userID)
	if err != nil {
		return PostMessageResult{}, err
	}

	decoded, err := decodeAttachments(params.Attachments)
	if err != nil {
		return PostMessageResult{}, err
	}

	model := chat.Model
	if params.Model != "" && params.Model != chat.Model {
		if err := s.queries.SetChatModel(ctx, chatID, params.Model); err != nil {
			return PostMessageResult{}, err
		}
		model = params.Model
	}

	history, err := s.queries.GetMessagesForChat(ctx, chatID)
	if err != nil {
		return PostMessageResult{}, err
	}
	firstMessage := len(history) == 0

	userMsg, err := s.queries.InsertMessage(ctx, pg.InsertMessageParams{
		ChatID:   chatID,
		UserID:   userID,
		Role:     openrouter.RoleUser,
		Content:  params.Content,
		Model:    model,
		Provider: providerName,
	})
	if err != nil {
		return PostMessageResult{}, err
	}

	if len(decoded) > 0 {
		inserts := make([]pg.InsertAttachmentParams, 0, len(decoded))
		for _, a := range decoded {
			inserts = append(inserts, pg.InsertAttachmentParams{
				ChatID:    chatID,
				UserID:    userID,
				MessageID: userMsg.ID,
				Filename:  a.Filename,
				Mimetype:  a.Mimetype,
				Data:      a.Data,
			})
		}
		if err := s.queries.InsertAttachments(ctx, inserts); err != nil {
			return PostMessageResult{}, err
		}
	}

	upstreamMessages, err := s.buildUpstreamMessages(ctx, append(history, userMsg))
	if err != nil {
		return PostMessageResult{}, err
	}

	requestModel := model
	if params.UseSearch {
		requestModel += onlineSuffix
	}
	request := openrouter.Request{
		Model:    requestModel,
		Messages: upstreamMessages,
	}

	assistantID, err := s.relay.Start(relay.StartParams{
		ChatID:   chatID,
		UserID:   userID,
		Model:    model,
		Provider: providerName,
		Stream: func(streamCtx context.Context, onDelta func(string)) ([]byte, error) {
			result, err := s.upstream.StreamCompletion(streamCtx, apiKey, request, onDelta)
			var annotations []byte
			if result != nil && len(result.Annotations) > 0 {
				annotations, _ = json.Marshal(result.Annotations)
			}
			return annotations, err
		},
	})
	if err != nil {
		return PostMessageResult{}, err
	}

	if firstMessage && chat.Name == defaultChatName {
		go s.assignTitle(chatID, apiKey, model, params.Content)
	}

	return PostMessageResult{
		UserMessage:        messageToDto(userMsg, nil),
		AssistantMessageID: assistantID,
	}, nil
}

// buildUpstreamMessages converts stored history into the upstream payload,
// expanding user messages with attachments into multimodal content blocks.
func (s *Service) buildUpstreamMessages(ctx context.Context, history []pg.Message) ([]openrouter.Message, error) {
	out := make([]openrouter.Message, 0, len(history))
	for _, m := range history {
		if m.Role != openrouter.RoleUser {
			out = append(out, openrouter.Message{Role: m.Role, Content: m.Content})
			continue
		}

		attachments, err := s.queries.GetAttachmentsForMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if len(attachments) == 0 {
			out = append(out, openrouter.Message{Role: m.Role, Content: m.Content})
			continue
		}

		parts := make([]openrouter.ContentPart, 0, len(attachments)+1)
		if m.Content != "" {
			parts = append(parts, openrouter.TextPart(m.Content))
		}
		parts = append(parts, attachmentContentParts(attachments)...)
		out = append(out, openrouter.Message{Role: m.Role, Content: parts})
	}
	return out, nil
}

// Stop cancels the chat's in-flight generation.
func (s *Service) Stop(ctx context.Context, userID int64, chatID string) error {
	if _, err := s.getOwnedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.relay.Cancel(chatID)
}

// Subscribe attaches to the chat's in-flight generation after checking
// ownership.
func (s *Service) Subscribe(ctx context.Context, userID int64, chatID string) (*relay.Subscriber, error) {
	if _, err := s.getOwnedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.relay.Subscribe(ctx, chatID)
}

// Unsubscribe detaches a stream consumer.
func (s *Service) Unsubscribe(chatID, subscriberID string) {
	s.relay.Unsubscribe(chatID, subscriberID)
}

func (s *Service) assignTitle(chatID, apiKey, model, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title := s.titles.Generate(ctx, apiKey, model, firstMessage)
	if title == "" {
		return
	}
	if _, err := s.queries.RenameChat(ctx, chatID, title); err != nil {
		s.logger.Error("Failed to set generated chat title", "chat_id", chatID, "error", err)
	}
}
