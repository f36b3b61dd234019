package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// DefaultEditInterval is the minimum spacing between two edits of the same
// message handle (SPEC_FULL.md §4.4, P6).
const DefaultEditInterval = 2 * time.Second

// DefaultMaxMsgLength is the rollover threshold, kept below the chat
// platform's 4096-character ceiling.
const DefaultMaxMsgLength = 4000

const (
	toolIcon     = "🔧"
	foldGlyph    = "⎿"
	thinkingIcon = "💭"
)

// Renderer turns one query's stream of SDK events into a rolling sequence
// of chat messages (SPEC_FULL.md §4.4).
type Renderer struct {
	mu sync.Mutex

	platform chatplatform.Platform
	chatID   string
	messages []chatplatform.MessageHandle

	entries      []model.ActivityEntry
	renderedUpTo int

	openTextIdx    int
	openRunningIdx int

	start     time.Time
	tick      int
	limiter   *rate.Limiter
	maxLen    int
	finalized bool
}

// Config tunes one Renderer; zero values fall back to the defaults above.
type Config struct {
	EditInterval time.Duration
	MaxMsgLength int
}

// New constructs a Renderer bound to an already-sent "Working…" message.
func New(platform chatplatform.Platform, chatID string, initial chatplatform.MessageHandle, cfg Config) *Renderer {
	interval := cfg.EditInterval
	if interval <= 0 {
		interval = DefaultEditInterval
	}
	maxLen := cfg.MaxMsgLength
	if maxLen <= 0 {
		maxLen = DefaultMaxMsgLength
	}
	return &Renderer{
		platform:       platform,
		chatID:         chatID,
		messages:       []chatplatform.MessageHandle{initial},
		openTextIdx:    -1,
		openRunningIdx: -1,
		start:          time.Now(),
		limiter:        rate.NewLimiter(rate.Every(interval), 1),
		maxLen:         maxLen,
	}
}

// Handle mutates the activity log for one classified stream event and
// attempts a throttled re-render. Called by the stream callback as the
// Actor's worker consumes SDK events.
func (r *Renderer) Handle(ctx context.Context, ev model.StreamEvent) {
	r.mu.Lock()
	switch ev.Kind {
	case model.EventText:
		r.appendText(ev.Content)
	case model.EventThinking:
		r.appendThinking(ev.Content)
	case model.EventToolUse:
		r.appendToolUse(ev.ToolName, ev.ToolInput)
	case model.EventToolResult:
		r.attachToolResult(ev.Content)
	default:
		// EventResult and EventUnknown carry nothing the activity log
		// renders; EventResult completion is handled via Finalize.
	}
	r.mu.Unlock()

	if err := r.tryUpdate(ctx); err != nil {
		slog.Warn("progress: update failed", "error", err)
	}
}

func (r *Renderer) closeRunning() {
	if r.openRunningIdx < 0 {
		return
	}
	e := &r.entries[r.openRunningIdx]
	e.IsRunning = false
	if e.Kind == model.ActivityThinking {
		e.Content = "Thinking (done)"
	}
	r.openRunningIdx = -1
}

func (r *Renderer) appendText(content string) {
	r.closeRunning()
	if r.openTextIdx >= 0 {
		r.entries[r.openTextIdx].Content += content
		return
	}
	r.entries = append(r.entries, model.ActivityEntry{Kind: model.ActivityText, Content: content})
	r.openTextIdx = len(r.entries) - 1
}

func (r *Renderer) appendThinking(content string) {
	r.openTextIdx = -1
	if r.openRunningIdx >= 0 && r.entries[r.openRunningIdx].Kind == model.ActivityThinking {
		r.entries[r.openRunningIdx].Content = content
		return
	}
	r.closeRunning()
	r.entries = append(r.entries, model.ActivityEntry{Kind: model.ActivityThinking, Content: content, IsRunning: true})
	r.openRunningIdx = len(r.entries) - 1
}

func (r *Renderer) appendToolUse(name string, input map[string]any) {
	r.openTextIdx = -1
	r.closeRunning()
	r.entries = append(r.entries, model.ActivityEntry{
		Kind:       model.ActivityTool,
		ToolName:   name,
		ToolDetail: Redact(summarizeInput(input)),
		IsRunning:  true,
	})
	r.openRunningIdx = len(r.entries) - 1
}

func (r *Renderer) attachToolResult(content string) {
	if r.openRunningIdx < 0 || r.entries[r.openRunningIdx].Kind != model.ActivityTool {
		slog.Debug("progress: tool result with no open tool entry, dropping")
		return
	}
	r.entries[r.openRunningIdx].ToolResult = Redact(summarizeResult(content))
	r.entries[r.openRunningIdx].IsRunning = false
	r.openRunningIdx = -1
}

// Finalize flips every entry to not-running, renders a "Done (Ns)" header,
// and edits the tail message once, bypassing the throttle. It never rolls
// over — an oversized final render is truncated with an ellipsis instead.
func (r *Renderer) Finalize(ctx context.Context) error {
	r.mu.Lock()
	r.closeRunning()
	r.openTextIdx = -1
	for i := range r.entries {
		r.entries[i].IsRunning = false
	}
	r.finalized = true
	header := fmt.Sprintf("Done (%ds)", int(time.Since(r.start).Seconds()))
	text := r.render(header)
	if len(text) > r.maxLen {
		text = text[:r.maxLen-len("…")] + "…"
	}
	handle := r.messages[len(r.messages)-1]
	r.mu.Unlock()

	if err := r.platform.Edit(ctx, handle, text); err != nil {
		slog.Warn("progress: finalize edit failed", "error", err)
	}
	return nil
}

// tryUpdate renders the current tail and, subject to EDIT_INTERVAL
// throttling and MAX_MSG_LENGTH rollover, edits (or extends) the message
// sequence.
func (r *Renderer) tryUpdate(ctx context.Context) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	if !r.limiter.Allow() {
		r.mu.Unlock()
		return nil
	}
	r.tick++

	header := fmt.Sprintf("Working… (%ds)", int(time.Since(r.start).Seconds()))
	text := r.render(header)

	if len(text) <= r.maxLen {
		handle := r.messages[len(r.messages)-1]
		r.mu.Unlock()
		if err := r.platform.Edit(ctx, handle, text); err != nil {
			slog.Warn("progress: edit failed", "error", err)
		}
		return nil
	}

	// Rollover: freeze the current tail at an entry boundary (splitting an
	// oversized text entry if it alone overflows), then open a new tail
	// that picks up from rendered_up_to.
	frozenText := r.freezeLocked(header)
	tail := r.messages[len(r.messages)-1]
	newHeader := fmt.Sprintf("Working… (%ds) (continued)", int(time.Since(r.start).Seconds()))
	chatID := r.chatID
	r.mu.Unlock()

	if err := r.platform.Edit(ctx, tail, frozenText); err != nil {
		slog.Warn("progress: rollover freeze-edit failed", "error", err)
	}
	newHandle, err := r.platform.Send(ctx, chatID, newHeader)
	if err != nil {
		slog.Warn("progress: rollover send failed", "error", err)
		return err
	}

	r.mu.Lock()
	r.messages = append(r.messages, newHandle)
	r.mu.Unlock()
	return nil
}

const continuedMarker = "\n(continued…)"

// freezeLocked advances rendered_up_to past every entry that fits in the
// frozen tail and returns the frozen message text. The caller holds r.mu.
//
// No content is dropped: entries past the cut re-render in the next tail,
// and when the very first unrendered entry is itself an oversized text
// entry its content is split across the boundary instead.
func (r *Renderer) freezeLocked(header string) string {
	budget := r.maxLen - len(continuedMarker)

	cut := r.renderedUpTo
	for cut < len(r.entries) {
		candidate := r.renderRange(header, r.renderedUpTo, cut+1)
		if len(candidate) > budget {
			break
		}
		cut++
	}

	if cut == r.renderedUpTo {
		// The first unrendered entry alone overflows. Split text content at
		// the boundary; freeze anything else whole (tool and thinking
		// entries render a bounded number of characters, so only a merged
		// text entry can realistically get here).
		e := &r.entries[cut]
		if e.Kind == model.ActivityText {
			overhead := len(r.renderRange(header, cut, cut)) // header + separators
			fit := budget - overhead
			if fit < 1 {
				fit = 1
			}
			if fit < len(e.Content) {
				frozen := header + "\n\n" + e.Content[:fit] + continuedMarker
				e.Content = e.Content[fit:]
				return frozen
			}
		}
		cut++
	}

	frozen := r.renderRange(header, r.renderedUpTo, cut) + continuedMarker
	r.renderedUpTo = cut
	if r.openTextIdx >= 0 && r.openTextIdx < r.renderedUpTo {
		r.openTextIdx = -1
	}
	if r.openRunningIdx >= 0 && r.openRunningIdx < r.renderedUpTo {
		r.openRunningIdx = -1
	}
	if len(frozen) > r.maxLen {
		frozen = frozen[:r.maxLen-len("…")] + "…"
	}
	return frozen
}

// render builds the full message text for the current tail: header, blank
// line, then one block per entry from renderedUpTo onward.
func (r *Renderer) render(header string) string {
	return r.renderRange(header, r.renderedUpTo, len(r.entries))
}

// renderRange renders header plus entries[from:to].
func (r *Renderer) renderRange(header string, from, to int) string {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n\n")

	var lastWasText bool
	for i, e := range r.entries[from:to] {
		if i > 0 {
			sb.WriteString("\n")
			if lastWasText || e.Kind == model.ActivityText {
				sb.WriteString("\n")
			}
		}
		switch e.Kind {
		case model.ActivityText:
			sb.WriteString(e.Content)
			lastWasText = true
		case model.ActivityTool:
			sb.WriteString(toolIcon)
			sb.WriteString(" ")
			sb.WriteString(e.ToolName)
			if e.ToolDetail != "" {
				sb.WriteString(": ")
				sb.WriteString(e.ToolDetail)
			}
			if e.IsRunning && !r.finalized {
				sb.WriteString(" ")
				sb.WriteString(spinnerFrame(r.tick))
			}
			if e.ToolResult != "" {
				sb.WriteString("\n")
				sb.WriteString(foldGlyph)
				sb.WriteString(" ")
				sb.WriteString(e.ToolResult)
			}
			lastWasText = false
		case model.ActivityThinking:
			if e.IsRunning && !r.finalized {
				sb.WriteString(thinkingIcon)
				sb.WriteString(" Thinking")
				sb.WriteString(strings.Repeat(".", thinkingDots(r.tick)))
			} else {
				sb.WriteString(thinkingIcon)
				sb.WriteString(" Thinking (done)")
			}
			lastWasText = false
		}
	}
	return sb.String()
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func spinnerFrame(tick int) string {
	return spinnerFrames[tick%len(spinnerFrames)]
}

// thinkingDots cycles 1-3 periods once per tick.
func thinkingDots(tick int) int {
	return (tick % 3) + 1
}

// summarizeInput renders a tool_use input map as a short one-line summary
// for display, preferring common single-field shapes (e.g. a shell tool's
// "command" field) over a full JSON dump.
func summarizeInput(input map[string]any) string {
	if input == nil {
		return ""
	}
	for _, key := range []string{"command", "path", "file_path", "pattern", "query"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok {
				return truncate(s, 120)
			}
		}
	}
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	return truncate(strings.Join(parts, " "), 120)
}

func summarizeResult(content string) string {
	first := strings.SplitN(content, "\n", 2)[0]
	return truncate(first, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
