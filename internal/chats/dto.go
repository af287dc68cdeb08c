package chats

import (
	"encoding/json"
	"time"

	"github.com/quillchat/backend/internal/storage/pg"
)

const (
	statusComplete   = "complete"
	statusGenerating = "generating"
)

type ChatDto struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type MessageDto struct {
	ID                string          `json:"id"`
	ChatID            string          `json:"chatId"`
	Role              string          `json:"role"`
	Content           string          `json:"content"`
	Model             string          `json:"model,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Status            string          `json:"status"`
	SearchAnnotations json.RawMessage `json:"searchAnnotations,omitempty"`
	Attachments       []AttachmentDto `json:"attachments,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type AttachmentDto struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
}

func chatToDto(c pg.Chat) ChatDto {
	return ChatDto{
		ID:        c.ID,
		Name:      c.Name,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func messageToDto(m pg.Message, attachments []pg.Attachment) MessageDto {
	dto := MessageDto{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		Status:    statusComplete,
		CreatedAt: m.CreatedAt,
	}
	if m.Model.Valid {
		dto.Model = m.Model.String
	}
	if m.Provider.Valid {
		dto.Provider = m.Provider.String
	}
	if len(m.Annotations) > 0 {
		dto.SearchAnnotations = json.RawMessage(m.Annotations)
	}
	for _, a := range attachments {
		dto.Attachments = append(dto.Attachments, AttachmentDto{
			ID:       a.ID,
			Filename: a.Filename,
			Mimetype: a.Mimetype,
		})
	}
	return dto
}
