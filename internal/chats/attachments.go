package chats

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/quillchat/backend/internal/openrouter"
	"github.com/quillchat/backend/internal/storage/pg"
)

const maxAttachmentSize = 10 * 1024 * 1024

var pdfMagic = []byte("%PDF-")

// attachmentError marks a client-side validation failure, mapped to a 400.
type attachmentError struct {
	msg string
}

func (e *attachmentError) Error() string { return e.msg }

func attachmentErrorf(format string, args ...interface{}) error {
	return &attachmentError{msg: fmt.Sprintf(format, args...)}
}

// AttachmentUpload is one file sent with a message, base64-encoded.
type AttachmentUpload struct {
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
}

type decodedAttachment struct {
	Filename string
	Mimetype string
	Data     []byte
}

// decodeAttachments validates and decodes uploads. PDFs must carry the PDF
// magic bytes; only images and PDFs are accepted.
func decodeAttachments(uploads []AttachmentUpload) ([]decodedAttachment, error) {
	out := make([]decodedAttachment, 0, len(uploads))
	for _, up := range uploads {
		if up.Filename == "" {
			return nil, attachmentErrorf("attachment is missing a filename")
		}
		if !strings.HasPrefix(up.Mimetype, "image/") && up.Mimetype != "application/pdf" {
			return nil, attachmentErrorf("unsupported attachment type %q", up.Mimetype)
		}

		data, err := base64.StdEncoding.DecodeString(up.Data)
		if err != nil {
			return nil, attachmentErrorf("attachment %q is not valid base64", up.Filename)
		}
		if len(data) == 0 {
			return nil, attachmentErrorf("attachment %q is empty", up.Filename)
		}
		if len(data) > maxAttachmentSize {
			return nil, attachmentErrorf("attachment %q exceeds the size limit", up.Filename)
		}
		if up.Mimetype == "application/pdf" && !bytes.HasPrefix(data, pdfMagic) {
			return nil, attachmentErrorf("attachment %q is not a valid PDF", up.Filename)
		}

		out = append(out, decodedAttachment{
			Filename: up.Filename,
			Mimetype: up.Mimetype,
			Data:     data,
		})
	}
	return out, nil
}

func dataURL(mimetype string, data []byte) string {
	return "data:" + mimetype + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// attachmentContentParts converts stored attachments into the upstream
// multimodal content blocks: image_url for images, file for PDFs.
func attachmentContentParts(attachments []pg.Attachment) []openrouter.ContentPart {
	parts := make([]openrouter.ContentPart, 0, len(attachments))
	for _, a := range attachments {
		url := dataURL(a.Mimetype, a.Data)
		if strings.HasPrefix(a.Mimetype, "image/") {
			parts = append(parts, openrouter.ImagePart(url))
		} else {
			parts = append(parts, openrouter.FilePart(a.Filename, url))
		}
	}
	return parts
}
