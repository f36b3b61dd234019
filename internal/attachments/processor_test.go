package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
)

// fakeDownloader serves fixed bytes per file id.
type fakeDownloader struct {
	files map[string]chatplatform.DownloadedFile
}

func (f *fakeDownloader) DownloadFile(ctx context.Context, fileID string) (chatplatform.DownloadedFile, error) {
	file, ok := f.files[fileID]
	if !ok {
		return chatplatform.DownloadedFile{}, errors.New("no such file")
	}
	return file, nil
}

func (f *fakeDownloader) Send(ctx context.Context, chatID, text string) (chatplatform.MessageHandle, error) {
	return chatplatform.MessageHandle{}, nil
}
func (f *fakeDownloader) Edit(ctx context.Context, h chatplatform.MessageHandle, text string) error {
	return nil
}
func (f *fakeDownloader) Reply(ctx context.Context, h chatplatform.MessageHandle, text string) (chatplatform.MessageHandle, error) {
	return chatplatform.MessageHandle{}, nil
}
func (f *fakeDownloader) SendWithKeyboard(ctx context.Context, chatID, text string, kb chatplatform.InlineKeyboard) (chatplatform.MessageHandle, error) {
	return chatplatform.MessageHandle{}, nil
}
func (f *fakeDownloader) EditKeyboard(ctx context.Context, h chatplatform.MessageHandle, text string, kb chatplatform.InlineKeyboard) error {
	return nil
}
func (f *fakeDownloader) AnswerCallback(ctx context.Context, callbackID, notice string) error {
	return nil
}
func (f *fakeDownloader) SendChatAction(ctx context.Context, chatID, action string) error {
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestProcessor(files map[string]chatplatform.DownloadedFile) *Processor {
	return NewProcessor(&fakeDownloader{files: files})
}

func TestProcessPhotoDetectsPNG(t *testing.T) {
	data := pngBytes(t)
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Filename: "photo.bin", Data: data},
	})

	att, err := p.Process(context.Background(), Item{IsPhoto: true, FileID: "f1"})
	if err != nil {
		t.Fatal(err)
	}
	if att.ContentBlock.Type != "image" || att.ContentBlock.MediaType != "image/png" {
		t.Errorf("block = %+v, want image/png", att.ContentBlock)
	}
	decoded, err := base64.StdEncoding.DecodeString(att.ContentBlock.Data)
	if err != nil || !bytes.Equal(decoded, data) {
		t.Error("image payload not base64 of the original bytes")
	}
}

func TestProcessPhotoFallsBackToJPEG(t *testing.T) {
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Filename: "photo", Data: []byte("not an image at all")},
	})
	att, err := p.Process(context.Background(), Item{IsPhoto: true, FileID: "f1"})
	if err != nil {
		t.Fatal(err)
	}
	if att.ContentBlock.MediaType != "image/jpeg" {
		t.Errorf("media type = %q, want jpeg fallback", att.ContentBlock.MediaType)
	}
}

func TestProcessDocumentImageByMagicBytes(t *testing.T) {
	gif := append([]byte("GIF89a"), make([]byte, 20)...)
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Data: gif},
	})
	att, err := p.Process(context.Background(), Item{IsDocument: true, FileID: "f1", Filename: "anim.dat", MIMEType: "application/octet-stream"})
	if err != nil {
		t.Fatal(err)
	}
	if att.ContentBlock.Type != "image" || att.ContentBlock.MediaType != "image/gif" {
		t.Errorf("block = %+v, want image/gif via magic bytes", att.ContentBlock)
	}
}

func TestProcessDocumentPDF(t *testing.T) {
	pdf := []byte("%PDF-1.7\nfake body")
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Data: pdf},
	})
	att, err := p.Process(context.Background(), Item{IsDocument: true, FileID: "f1", Filename: "report.pdf", MIMEType: "application/pdf"})
	if err != nil {
		t.Fatal(err)
	}
	b := att.ContentBlock
	if b.Type != "document" || b.SourceType != "base64" || b.MediaType != "application/pdf" {
		t.Errorf("block = %+v", b)
	}
	if b.Title != "report.pdf" {
		t.Errorf("title = %q, want the filename", b.Title)
	}
}

func TestProcessDocumentTextByExtension(t *testing.T) {
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Data: []byte("package main")},
	})
	att, err := p.Process(context.Background(), Item{IsDocument: true, FileID: "f1", Filename: "main.go", MIMEType: "application/octet-stream"})
	if err != nil {
		t.Fatal(err)
	}
	b := att.ContentBlock
	if b.Type != "document" || b.SourceType != "text" || b.Data != "package main" {
		t.Errorf("block = %+v", b)
	}
}

func TestProcessDocumentUTF8Fallback(t *testing.T) {
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Data: []byte("plain readable content")},
	})
	att, err := p.Process(context.Background(), Item{IsDocument: true, FileID: "f1", Filename: "NOTES", MIMEType: "application/octet-stream"})
	if err != nil {
		t.Fatal(err)
	}
	if att.ContentBlock.SourceType != "text" {
		t.Errorf("valid UTF-8 should fall back to a text document: %+v", att.ContentBlock)
	}
}

func TestProcessDocumentUnsupportedBinary(t *testing.T) {
	p := newTestProcessor(map[string]chatplatform.DownloadedFile{
		"f1": {Data: []byte{0x00, 0xff, 0xfe, 0x01, 0x80, 0x81}},
	})
	_, err := p.Process(context.Background(), Item{IsDocument: true, FileID: "f1", Filename: "file.xlsx", MIMEType: "application/vnd.ms-excel"})
	var unsupported *UnsupportedError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want UnsupportedError", err)
	}
	if unsupported.Filename != "file.xlsx" || unsupported.MediaType != "application/vnd.ms-excel" {
		t.Errorf("error fields = %+v", unsupported)
	}
}

func TestProcessNeitherPhotoNorDocument(t *testing.T) {
	p := newTestProcessor(nil)
	_, err := p.Process(context.Background(), Item{Filename: "ghost"})
	if err == nil {
		t.Fatal("expected a programming error")
	}
	var unsupported *UnsupportedError
	if errors.As(err, &unsupported) {
		t.Error("a malformed item is a programming error, not an UnsupportedError")
	}
}

func TestSniffImageType(t *testing.T) {
	cases := []struct {
		data []byte
		want string
	}{
		{[]byte("\x89PNG\r\n\x1a\nrest"), "image/png"},
		{[]byte("\xff\xd8\xffrest"), "image/jpeg"},
		{[]byte("GIF87a..."), "image/gif"},
		{append([]byte("RIFF\x00\x00\x00\x00WEBP"), 0), "image/webp"},
		{[]byte("plain text"), ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := sniffImageType(tc.data); got != tc.want {
			t.Errorf("sniffImageType(%q) = %q, want %q", tc.data, got, tc.want)
		}
	}
}
