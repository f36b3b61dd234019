package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawbridge/internal/actor"
	"github.com/nextlevelbuilder/clawbridge/internal/agentsdk"
	"github.com/nextlevelbuilder/clawbridge/internal/attachments"
	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/manager"
	"github.com/nextlevelbuilder/clawbridge/internal/model"
	"github.com/nextlevelbuilder/clawbridge/internal/progress"
	"github.com/nextlevelbuilder/clawbridge/internal/sessionindex"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// defaultAttachmentPrompt is used when an album arrives with no caption.
const defaultAttachmentPrompt = "Analyze these files."

// builtinCommands are handled by the bridge itself; any other slash
// command is offered to the agent CLI (command passthrough, §4.9).
var builtinCommands = map[string]bool{
	"new":      true,
	"sessions": true,
	"cd":       true,
	"model":    true,
	"skills":   true,
	"stop":     true,
	"status":   true,
}

// OrchestratorDeps wires the orchestrator's collaborators.
type OrchestratorDeps struct {
	Platform chatplatform.Platform
	Manager  *manager.Manager
	Resolver *sessionindex.Resolver
	Dirs     *store.UserDirectoryStore
}

// userState is the per-user chat-session state: the working directory the
// next query runs in and the directory-browser's current subpath.
type userState struct {
	mu         sync.Mutex
	directory  string
	browsePath string // relative to the first approved root
	forceNew   bool   // one-shot: set by /new, consumed by the next connect
}

// Orchestrator turns inbound chat traffic into actor queries and renders
// the results back (SPEC_FULL.md §4.9).
type Orchestrator struct {
	cfg       *config.Config
	platform  chatplatform.Platform
	manager   *manager.Manager
	resolver  *sessionindex.Resolver
	dirs      *store.UserDirectoryStore
	processor *attachments.Processor
	collector *attachments.Collector

	states sync.Map // userID string → *userState

	// pendingChats remembers which chat an album belongs to, keyed by
	// userID, since the collector callback runs without the message.
	pendingChats sync.Map // userID string → chatID string
}

// NewOrchestrator builds an Orchestrator and its media-group collector.
func NewOrchestrator(cfg *config.Config, deps OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		platform:  deps.Platform,
		manager:   deps.Manager,
		resolver:  deps.Resolver,
		dirs:      deps.Dirs,
		processor: attachments.NewProcessor(deps.Platform),
	}
	o.collector = attachments.NewCollector(cfg.MediaGroupTimeout(), o.handleGroup)
	return o
}

// HandleMessage is the entry point for one inbound Telegram message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	if !o.cfg.IsAllowed(userID) {
		slog.Debug("telegram: message from unlisted user ignored", "user_id", userID)
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if items := itemsFromMessage(msg); len(items) > 0 {
		o.pendingChats.Store(userID, chatID)
		for _, it := range items {
			it.Caption = msg.Caption
			it.UserID = userID
			o.collector.Add(it)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		o.handleCommand(ctx, userID, chatID, text)
		return
	}

	o.runQuery(ctx, userID, chatID, model.Query{Text: text, HasText: true})
}

// handleCommand dispatches built-in commands and passes unknown slash
// commands through to the agent CLI when it claims them.
func (o *Orchestrator) handleCommand(ctx context.Context, userID, chatID, text string) {
	word := strings.TrimPrefix(strings.Fields(text)[0], "/")
	// Strip the @botname suffix Telegram appends in some clients.
	if i := strings.Index(word, "@"); i >= 0 {
		word = word[:i]
	}

	if builtinCommands[word] {
		o.runBuiltin(ctx, userID, chatID, word, strings.TrimSpace(strings.TrimPrefix(text, "/"+word)))
		return
	}

	// Command passthrough: the CLI decides. With a connected actor we can
	// check its command list up front; without one, send verbatim and let
	// the freshly started CLI judge.
	if a := o.manager.Actor(userID); a != nil && a.Running() {
		if !o.manager.HasCommand(userID, word) {
			o.notify(ctx, chatID, fmt.Sprintf("Unknown command /%s — not a bridge command and the agent CLI does not list it.", word))
			return
		}
	}
	o.runQuery(ctx, userID, chatID, model.Query{Text: text, HasText: true})
}

// handleGroup receives one completed media group (or a standalone
// attachment) from the collector.
func (o *Orchestrator) handleGroup(items []attachments.Item) {
	if len(items) == 0 {
		return
	}
	userID := items[0].UserID
	chatIDVal, ok := o.pendingChats.Load(userID)
	if !ok {
		slog.Warn("telegram: dropping media group with no chat recorded", "user_id", userID)
		return
	}
	chatID := chatIDVal.(string)
	ctx := context.Background()

	var processed []model.Attachment
	for _, item := range items {
		att, err := o.processor.Process(ctx, item)
		if err != nil {
			var unsupported *attachments.UnsupportedError
			if errors.As(err, &unsupported) {
				o.notify(ctx, chatID, fmt.Sprintf("Skipping %s: unsupported file type (%s).", unsupported.Filename, unsupported.MediaType))
			} else {
				slog.Warn("telegram: attachment processing failed", "user_id", userID, "error", err)
				o.notify(ctx, chatID, "Failed to process an attachment; skipping it.")
			}
			continue
		}
		processed = append(processed, att)
	}
	if len(processed) == 0 {
		return
	}

	text := defaultAttachmentPrompt
	for _, item := range items {
		if strings.TrimSpace(item.Caption) != "" {
			text = strings.TrimSpace(item.Caption)
			break
		}
	}

	o.runQuery(ctx, userID, chatID, model.Query{Text: text, HasText: true, Attachments: processed})
}

// runQuery is the shared text/attachment path: progress message, actor
// lookup, submit, finalize, final answer.
func (o *Orchestrator) runQuery(ctx context.Context, userID, chatID string, query model.Query) {
	directory := o.resolveDirectory(ctx, userID)

	_ = o.platform.SendChatAction(ctx, chatID, "")
	working, err := o.platform.Send(ctx, chatID, "Working…")
	if err != nil {
		slog.Warn("telegram: failed to send progress message", "user_id", userID, "error", err)
		// Queries proceed without a progress view rather than being dropped.
	}
	renderer := progress.New(o.platform, chatID, working, progress.Config{
		EditInterval: o.cfg.EditInterval(),
		MaxMsgLength: o.cfg.MaxMsgLength,
	})

	a, err := o.connect(ctx, userID, directory)
	if err != nil {
		_ = renderer.Finalize(ctx)
		o.notify(ctx, chatID, "Could not start the agent: "+err.Error())
		return
	}

	result, err := a.Submit(ctx, query, renderer.Handle)
	if err != nil {
		_ = renderer.Finalize(ctx)
		o.notify(ctx, chatID, "Query failed: "+err.Error())
		return
	}

	o.manager.UpdateSessionID(ctx, userID, result.SessionID)
	_ = renderer.Finalize(ctx)
	o.sendFinal(ctx, chatID, result.ResponseText)
}

// connect wraps GetOrConnect with the one documented resume-failure retry:
// if the SDK refuses the stored session id, start fresh once.
func (o *Orchestrator) connect(ctx context.Context, userID, directory string) (*actor.Actor, error) {
	st := o.state(userID)
	st.mu.Lock()
	forceNew := st.forceNew
	st.forceNew = false
	st.mu.Unlock()

	in := manager.ConnectInput{
		UserID:            userID,
		Directory:         directory,
		ApprovedDirectory: o.approvedRootFor(directory),
		ForceNew:          forceNew,
	}
	a, err := o.manager.GetOrConnect(ctx, in)
	if err != nil && errors.Is(err, agentsdk.ErrResumeFailed) {
		slog.Info("telegram: stored session no longer resumable, starting fresh", "user_id", userID)
		in.ForceNew = true
		a, err = o.manager.GetOrConnect(ctx, in)
	}
	return a, err
}

// sendFinal posts the final response, chunked under the platform ceiling.
func (o *Orchestrator) sendFinal(ctx context.Context, chatID, text string) {
	if strings.TrimSpace(text) == "" {
		text = "(no response)"
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > o.cfg.MaxMsgLength {
			chunk = chunk[:o.cfg.MaxMsgLength]
		}
		if _, err := o.platform.Send(ctx, chatID, chunk); err != nil {
			slog.Warn("telegram: failed to send final response", "error", err)
			return
		}
		text = text[len(chunk):]
	}
}

// notify sends a single informational line, swallowing transport errors.
func (o *Orchestrator) notify(ctx context.Context, chatID, text string) {
	if _, err := o.platform.Send(ctx, chatID, text); err != nil {
		slog.Warn("telegram: notify failed", "error", err)
	}
}

// resolveDirectory returns the user's working directory: in-memory state,
// then the persisted row, then the first approved root.
func (o *Orchestrator) resolveDirectory(ctx context.Context, userID string) string {
	st := o.state(userID)
	st.mu.Lock()
	dir := st.directory
	st.mu.Unlock()
	if dir != "" {
		return dir
	}

	if stored, ok, err := o.dirs.Get(ctx, userID); err == nil && ok {
		st.mu.Lock()
		st.directory = stored
		st.mu.Unlock()
		return stored
	}
	return config.ExpandHome(o.cfg.ApprovedRoots[0])
}

// setDirectory updates both the in-memory state and the persisted row.
func (o *Orchestrator) setDirectory(ctx context.Context, userID, dir string) {
	st := o.state(userID)
	st.mu.Lock()
	st.directory = dir
	st.mu.Unlock()
	if err := o.dirs.Set(ctx, userID, dir); err != nil {
		slog.Warn("telegram: failed to persist directory", "user_id", userID, "error", err)
	}
}

// approvedRootFor returns the approved root containing dir, or the first
// root when none contains it.
func (o *Orchestrator) approvedRootFor(dir string) string {
	for _, root := range o.cfg.ApprovedRoots {
		expanded := config.ExpandHome(root)
		if dir == expanded || strings.HasPrefix(dir, expanded+"/") {
			return expanded
		}
	}
	return config.ExpandHome(o.cfg.ApprovedRoots[0])
}

func (o *Orchestrator) state(userID string) *userState {
	v, _ := o.states.LoadOrStore(userID, &userState{})
	return v.(*userState)
}

// itemsFromMessage extracts attachment items from one Telegram message.
// Photos take the largest size; documents carry their declared MIME type.
func itemsFromMessage(msg *telego.Message) []attachments.Item {
	var items []attachments.Item
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		items = append(items, attachments.Item{
			IsPhoto: true,
			FileID:  photo.FileID,
			GroupID: msg.MediaGroupID,
		})
	}
	if msg.Document != nil {
		items = append(items, attachments.Item{
			IsDocument: true,
			FileID:     msg.Document.FileID,
			Filename:   msg.Document.FileName,
			MIMEType:   msg.Document.MimeType,
			GroupID:    msg.MediaGroupID,
		})
	}
	return items
}
