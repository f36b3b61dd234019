// Package attachments converts inbound chat attachments into the content
// blocks the agent SDK accepts (SPEC_FULL.md §4.5), and groups chat
// "albums" so a multi-photo message reaches the agent as one query.
package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// UnsupportedError reports an attachment the processor cannot express as a
// content block. Callers surface it to the user as a one-line message and
// keep processing the rest of the group.
type UnsupportedError struct {
	Filename  string
	MediaType string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported attachment %q (%s)", e.Filename, e.MediaType)
}

// Item is one inbound attachment, already reduced to the platform-neutral
// facts the processor needs. Exactly one of IsPhoto / IsDocument is set.
type Item struct {
	IsPhoto    bool
	IsDocument bool
	FileID     string
	Filename   string
	MIMEType   string
	GroupID    string // media-group (album) id, empty for standalone messages
	Caption    string
	UserID     string // originating chat user, threaded through the collector
}

// textExtensions is the known text-file extension set used when a
// document's MIME type is missing or unhelpful.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".xml": true,
	".log": true, ".ini": true, ".cfg": true, ".env": true,
	".sh": true, ".py": true, ".go": true, ".js": true, ".ts": true,
	".html": true, ".css": true, ".sql": true, ".rs": true,
	".java": true, ".c": true, ".cpp": true, ".h": true,
	".rb": true, ".php": true, ".toml": true,
}

// Processor turns Items into model.Attachments by downloading their bytes
// through the chat platform and classifying them.
type Processor struct {
	platform chatplatform.Platform
}

// NewProcessor returns a Processor downloading through platform.
func NewProcessor(platform chatplatform.Platform) *Processor {
	return &Processor{platform: platform}
}

// Process converts one Item into an Attachment, or returns
// *UnsupportedError when no documented block kind fits.
func (p *Processor) Process(ctx context.Context, item Item) (model.Attachment, error) {
	switch {
	case item.IsPhoto:
		return p.processPhoto(ctx, item)
	case item.IsDocument:
		return p.processDocument(ctx, item)
	default:
		return model.Attachment{}, fmt.Errorf("attachments: item %q is neither photo nor document", item.Filename)
	}
}

func (p *Processor) processPhoto(ctx context.Context, item Item) (model.Attachment, error) {
	file, err := p.platform.DownloadFile(ctx, item.FileID)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: download photo: %w", err)
	}

	mediaType := sniffImageType(file.Data)
	if mediaType == "" {
		// Chat photos arrive recompressed; JPEG is the platform default.
		mediaType = "image/jpeg"
	}
	if _, err := imaging.Decode(bytes.NewReader(file.Data)); err != nil {
		slog.Warn("attachments: photo bytes did not decode as an image, sending anyway",
			"filename", item.Filename, "media_type", mediaType, "error", err)
	}

	return imageAttachment(file.Data, filenameOr(item, file), mediaType), nil
}

func (p *Processor) processDocument(ctx context.Context, item Item) (model.Attachment, error) {
	file, err := p.platform.DownloadFile(ctx, item.FileID)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: download document: %w", err)
	}
	name := filenameOr(item, file)
	mime := item.MIMEType
	if mime == "" {
		mime = file.MediaType
	}

	if strings.HasPrefix(mime, "image/") || sniffImageType(file.Data) != "" {
		mediaType := sniffImageType(file.Data)
		if mediaType == "" {
			mediaType = mime
		}
		return imageAttachment(file.Data, name, mediaType), nil
	}

	if mime == "application/pdf" || bytes.HasPrefix(file.Data, []byte("%PDF-")) {
		return model.Attachment{
			ContentBlock: model.ContentBlock{
				Type:       "document",
				SourceType: "base64",
				MediaType:  "application/pdf",
				Data:       base64.StdEncoding.EncodeToString(file.Data),
				Title:      name,
			},
			Filename:  name,
			SizeBytes: int64(len(file.Data)),
			MediaType: "application/pdf",
		}, nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	if strings.HasPrefix(mime, "text/") || textExtensions[ext] || utf8.Valid(file.Data) {
		return model.Attachment{
			ContentBlock: model.ContentBlock{
				Type:       "document",
				SourceType: "text",
				MediaType:  "text/plain",
				Data:       string(file.Data),
				Title:      name,
			},
			Filename:  name,
			SizeBytes: int64(len(file.Data)),
			MediaType: "text/plain",
		}, nil
	}

	return model.Attachment{}, &UnsupportedError{Filename: name, MediaType: mime}
}

func imageAttachment(data []byte, name, mediaType string) model.Attachment {
	return model.Attachment{
		ContentBlock: model.ContentBlock{
			Type:       "image",
			SourceType: "base64",
			MediaType:  mediaType,
			Data:       base64.StdEncoding.EncodeToString(data),
		},
		Filename:  name,
		SizeBytes: int64(len(data)),
		MediaType: mediaType,
	}
}

func filenameOr(item Item, file chatplatform.DownloadedFile) string {
	if item.Filename != "" {
		return item.Filename
	}
	return file.Filename
}

// sniffImageType detects PNG, JPEG, GIF, and WebP from magic bytes.
// Returns "" when the bytes match none of them.
func sniffImageType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return ""
	}
}
