package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// fakePlatform records every send and edit; it never fails unless told to.
type fakePlatform struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	edits   map[string][]string // messageID → successive texts
	editErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{edits: make(map[string][]string)}
}

func (f *fakePlatform) Send(ctx context.Context, chatID, text string) (chatplatform.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return chatplatform.MessageHandle{ChatID: chatID, MessageID: fmt.Sprint(f.nextID)}, nil
}

func (f *fakePlatform) Edit(ctx context.Context, h chatplatform.MessageHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits[h.MessageID] = append(f.edits[h.MessageID], text)
	return nil
}

func (f *fakePlatform) Reply(ctx context.Context, h chatplatform.MessageHandle, text string) (chatplatform.MessageHandle, error) {
	return f.Send(ctx, h.ChatID, text)
}

func (f *fakePlatform) SendWithKeyboard(ctx context.Context, chatID, text string, kb chatplatform.InlineKeyboard) (chatplatform.MessageHandle, error) {
	return f.Send(ctx, chatID, text)
}

func (f *fakePlatform) EditKeyboard(ctx context.Context, h chatplatform.MessageHandle, text string, kb chatplatform.InlineKeyboard) error {
	return f.Edit(ctx, h, text)
}

func (f *fakePlatform) AnswerCallback(ctx context.Context, callbackID, notice string) error {
	return nil
}

func (f *fakePlatform) SendChatAction(ctx context.Context, chatID, action string) error {
	return nil
}

func (f *fakePlatform) DownloadFile(ctx context.Context, fileID string) (chatplatform.DownloadedFile, error) {
	return chatplatform.DownloadedFile{}, nil
}

func (f *fakePlatform) lastEdit(messageID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	edits := f.edits[messageID]
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1]
}

func startRenderer(t *testing.T, cfg Config) (*fakePlatform, *Renderer, chatplatform.MessageHandle) {
	t.Helper()
	fp := newFakePlatform()
	handle, err := fp.Send(context.Background(), "chat-1", "Working…")
	if err != nil {
		t.Fatal(err)
	}
	return fp, New(fp, "chat-1", handle, cfg), handle
}

func text(content string) model.StreamEvent {
	return model.StreamEvent{Kind: model.EventText, Content: content}
}

func TestRendererStreamSequence(t *testing.T) {
	fp, r, handle := startRenderer(t, Config{EditInterval: time.Nanosecond})
	ctx := context.Background()

	r.Handle(ctx, text("Let me look."))
	r.Handle(ctx, model.StreamEvent{Kind: model.EventToolUse, ToolName: "Read", ToolInput: map[string]any{"file_path": "/x/foo.py"}})
	r.Handle(ctx, model.StreamEvent{Kind: model.EventToolResult, Content: "def main():\n    pass\n"})
	r.Handle(ctx, model.StreamEvent{Kind: model.EventThinking, Content: "I see…"})
	r.Handle(ctx, model.StreamEvent{Kind: model.EventToolUse, ToolName: "Edit", ToolInput: map[string]any{"file_path": "/x/foo.py"}})
	r.Handle(ctx, model.StreamEvent{Kind: model.EventToolResult, Content: "Applied 1 edit"})
	r.Handle(ctx, text("Done."))
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	final := fp.lastEdit(handle.MessageID)
	if !strings.HasPrefix(final, "Done (") {
		t.Errorf("final header = %q", strings.SplitN(final, "\n", 2)[0])
	}
	for _, want := range []string{
		"Let me look.",
		"🔧 Read: /x/foo.py",
		"⎿ def main():",
		"💭 Thinking (done)",
		"🔧 Edit: /x/foo.py",
		"⎿ Applied 1 edit",
		"Done.",
	} {
		if !strings.Contains(final, want) {
			t.Errorf("final render missing %q:\n%s", want, final)
		}
	}
	// Order: prose, Read, result, thinking, Edit, result, prose.
	idx := func(s string) int { return strings.Index(final, s) }
	if !(idx("Let me look.") < idx("🔧 Read") && idx("🔧 Read") < idx("💭 Thinking") && idx("💭 Thinking") < idx("🔧 Edit") && idx("🔧 Edit") < idx("Done.")) {
		t.Errorf("entries out of order:\n%s", final)
	}
	for _, frame := range spinnerFrames {
		if strings.Contains(final, frame) {
			t.Errorf("finalized render still contains spinner %q", frame)
		}
	}
}

func TestRendererMergesConsecutiveText(t *testing.T) {
	fp, r, handle := startRenderer(t, Config{EditInterval: time.Nanosecond})
	ctx := context.Background()

	r.Handle(ctx, text("Hello "))
	r.Handle(ctx, text("world"))
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	final := fp.lastEdit(handle.MessageID)
	if !strings.Contains(final, "Hello world") {
		t.Errorf("consecutive text events should merge into one entry:\n%s", final)
	}
}

func TestRendererThrottle(t *testing.T) {
	fp, r, handle := startRenderer(t, Config{EditInterval: time.Hour})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		r.Handle(ctx, text("x"))
	}

	fp.mu.Lock()
	edits := len(fp.edits[handle.MessageID])
	fp.mu.Unlock()
	if edits > 1 {
		t.Errorf("got %d edits within one interval, want at most 1", edits)
	}

	// Finalize bypasses the throttle exactly once.
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	fp.mu.Lock()
	after := len(fp.edits[handle.MessageID])
	fp.mu.Unlock()
	if after != edits+1 {
		t.Errorf("finalize should add exactly one edit: before=%d after=%d", edits, after)
	}
}

func TestRendererRollover(t *testing.T) {
	fp, r, _ := startRenderer(t, Config{EditInterval: time.Nanosecond, MaxMsgLength: 200})
	ctx := context.Background()

	// Distinct non-mergeable entries so rollover has boundaries to cut at:
	// alternate tool and text events.
	var want []string
	for i := 0; i < 40; i++ {
		chunk := fmt.Sprintf("text-entry-%02d", i)
		want = append(want, chunk)
		r.Handle(ctx, text(chunk))
		r.Handle(ctx, model.StreamEvent{Kind: model.EventToolUse, ToolName: fmt.Sprintf("Tool%02d", i)})
	}
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	fp.mu.Lock()
	sendCount := len(fp.sends)
	fp.mu.Unlock()
	if sendCount < 2 {
		t.Fatalf("expected rollover to send extra messages, got %d total sends", sendCount)
	}

	// P4: the renderer references exactly the messages it sent; none deleted.
	// P5: every frozen message carries the continuation marker, and no edit
	// ever exceeded the cap.
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for id, edits := range fp.edits {
		for _, e := range edits {
			if len(e) > 200 {
				t.Errorf("message %s edit exceeded cap: %d chars", id, len(e))
			}
		}
	}
	frozen := 0
	for id := 1; id < fp.nextID; id++ {
		edits := fp.edits[fmt.Sprint(id)]
		if len(edits) == 0 {
			continue
		}
		if strings.Contains(edits[len(edits)-1], "(continued…)") {
			frozen++
		}
	}
	if frozen == 0 {
		t.Error("no frozen message carries the (continued…) marker")
	}
}

func TestRendererFrozenMessagesNotEditedAfterRollover(t *testing.T) {
	fp, r, handle := startRenderer(t, Config{EditInterval: time.Nanosecond, MaxMsgLength: 120})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r.Handle(ctx, model.StreamEvent{Kind: model.EventToolUse, ToolName: fmt.Sprintf("LongNamedTool%02d", i)})
	}

	fp.mu.Lock()
	firstEdits := len(fp.edits[handle.MessageID])
	fp.mu.Unlock()

	for i := 0; i < 10; i++ {
		r.Handle(ctx, model.StreamEvent{Kind: model.EventToolUse, ToolName: fmt.Sprintf("LaterTool%02d", i)})
	}
	_ = r.Finalize(ctx)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.nextID < 2 {
		t.Skip("no rollover happened at this cap")
	}
	if got := len(fp.edits[handle.MessageID]); got != firstEdits {
		t.Errorf("frozen first message was edited again: %d → %d edits", firstEdits, got)
	}
}

func TestRendererEditFailureIsSwallowed(t *testing.T) {
	fp, r, _ := startRenderer(t, Config{EditInterval: time.Nanosecond})
	fp.editErr = fmt.Errorf("telegram hiccup")
	ctx := context.Background()

	// Must not panic or propagate.
	r.Handle(ctx, text("hello"))
	if err := r.Finalize(ctx); err != nil {
		t.Errorf("finalize must swallow edit errors, got %v", err)
	}
}

func TestRendererOversizedFinalizeTruncates(t *testing.T) {
	fp, r, handle := startRenderer(t, Config{EditInterval: time.Hour, MaxMsgLength: 100})
	ctx := context.Background()

	// The first event renders small; the oversized growth arrives while the
	// throttle blocks interim edits, so only Finalize sees it.
	r.Handle(ctx, text("a"))
	r.Handle(ctx, text(strings.Repeat("a", 500)))
	if err := r.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	final := fp.lastEdit(handle.MessageID)
	if len(final) > 100 {
		t.Errorf("finalized text length = %d, want ≤ 100", len(final))
	}
	if !strings.HasSuffix(final, "…") {
		t.Errorf("truncated finalize should end with an ellipsis: %q", final)
	}
	// Finalize never rolls over.
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.sends) != 1 {
		t.Errorf("finalize must not send new messages, got %d sends", len(fp.sends))
	}
}
