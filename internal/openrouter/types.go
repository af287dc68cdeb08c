package openrouter

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an upstream conversation. Content is either a plain
// string or a []ContentPart when the turn carries attachments.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *FileData `json:"file,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type FileData struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

func ImagePart(dataURL string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}}
}

func FilePart(filename, dataURL string) ContentPart {
	return ContentPart{Type: "file", File: &FileData{Filename: filename, FileData: dataURL}}
}

// Request is the chat completions payload.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Annotation is provider metadata attached to a response, currently url
// citations from web search.
type Annotation struct {
	Type        string          `json:"type"`
	URLCitation json.RawMessage `json:"url_citation,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content     string       `json:"content"`
			Annotations []Annotation `json:"annotations"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type completionResponse struct {
	Error   *providerErrorBody `json:"error"`
	Choices []struct {
		Error   *providerErrorBody `json:"error"`
		Message struct {
			Content     string       `json:"content"`
			Annotations []Annotation `json:"annotations"`
		} `json:"message"`
	} `json:"choices"`
}

// the provider sends code as a number or a string depending on the error
type providerErrorBody struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// StreamResult carries non-delta data collected over a completed stream.
type StreamResult struct {
	Annotations []Annotation
}
