package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawbridge/internal/chatplatform"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/manager"
	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

const (
	sessionPickerLimit = 10
	newSessionToken    = "__new__"
)

// modelChoices offered by the /model picker. The :1m variant enables the
// long-context beta alongside the model.
var modelChoices = []string{"sonnet", "opus", "haiku"}

// runBuiltin dispatches one of the bridge's own slash commands.
func (o *Orchestrator) runBuiltin(ctx context.Context, userID, chatID, word, args string) {
	switch word {
	case "new":
		if err := o.manager.ClearSession(ctx, userID); err != nil {
			slog.Warn("telegram: failed to clear session row", "user_id", userID, "error", err)
		}
		st := o.state(userID)
		st.mu.Lock()
		st.forceNew = true
		st.mu.Unlock()
		o.notify(ctx, chatID, "Starting fresh — the next message opens a new session.")

	case "sessions":
		o.showSessionPicker(ctx, userID, chatID)

	case "cd":
		if args != "" {
			o.selectDirectory(ctx, userID, chatID, args)
			return
		}
		o.showDirectoryBrowser(ctx, userID, chatID)

	case "model":
		o.showModelPicker(ctx, chatID)

	case "skills":
		o.showSkillPicker(ctx, userID, chatID)

	case "stop":
		if err := o.manager.Interrupt(userID); err != nil {
			o.notify(ctx, chatID, "Interrupt failed: "+err.Error())
			return
		}
		o.notify(ctx, chatID, "Interrupt sent.")

	case "status":
		o.showStatus(ctx, userID, chatID)
	}
}

func (o *Orchestrator) showStatus(ctx context.Context, userID, chatID string) {
	var b strings.Builder
	dir := o.resolveDirectory(ctx, userID)
	fmt.Fprintf(&b, "Directory: %s\n", dir)

	if a := o.manager.Actor(userID); a != nil && a.Running() {
		state := "idle"
		if a.Querying() {
			state = "querying"
		}
		fmt.Fprintf(&b, "Agent: connected (%s)\n", state)
		if sid := a.CurrentSessionID(); sid != "" {
			fmt.Fprintf(&b, "Session: %s\n", sid)
		}
		fmt.Fprintf(&b, "Commands: %d available\n", len(a.AvailableCommands()))
	} else {
		b.WriteString("Agent: not connected\n")
	}

	if warn := o.resolver.CheckFormatHealth(); warn != "" {
		b.WriteString("⚠ " + warn + "\n")
	}
	o.notify(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

// showSessionPicker lists the newest sessions for the user's directory as
// an inline keyboard of session:<id> buttons.
func (o *Orchestrator) showSessionPicker(ctx context.Context, userID, chatID string) {
	dir := o.resolveDirectory(ctx, userID)
	entries := o.resolver.ListSessions(dir, sessionPickerLimit)

	var kb chatplatform.InlineKeyboard
	for _, e := range entries {
		label := e.Display
		if label == "" {
			label = e.SessionID
		}
		label = fmt.Sprintf("%s · %s", truncateLabel(label, 28), time.UnixMilli(e.Timestamp).Format("Jan 2 15:04"))
		kb = append(kb, []chatplatform.InlineButton{{Label: label, Data: "session:" + e.SessionID}})
	}
	kb = append(kb, []chatplatform.InlineButton{{Label: "➕ New session", Data: "session:" + newSessionToken}})

	text := fmt.Sprintf("Sessions in %s:", dir)
	if len(entries) == 0 {
		text = fmt.Sprintf("No recorded sessions in %s yet.", dir)
	}
	if _, err := o.platform.SendWithKeyboard(ctx, chatID, text, kb); err != nil {
		slog.Warn("telegram: failed to send session picker", "error", err)
	}
}

// showDirectoryBrowser opens the inline directory browser at the user's
// current browse path.
func (o *Orchestrator) showDirectoryBrowser(ctx context.Context, userID, chatID string) {
	st := o.state(userID)
	st.mu.Lock()
	rel := st.browsePath
	st.mu.Unlock()

	text, kb := o.browserView(rel)
	if _, err := o.platform.SendWithKeyboard(ctx, chatID, text, kb); err != nil {
		slog.Warn("telegram: failed to send directory browser", "error", err)
	}
}

// browserView renders the directory listing and keyboard for one relative
// path under the first approved root.
func (o *Orchestrator) browserView(rel string) (string, chatplatform.InlineKeyboard) {
	root := config.ExpandHome(o.cfg.ApprovedRoots[0])
	abs := filepath.Join(root, filepath.FromSlash(rel))

	var kb chatplatform.InlineKeyboard
	if rel != "" && rel != "." {
		parent := filepath.ToSlash(filepath.Dir(rel))
		if parent == "." {
			parent = ""
		}
		kb = append(kb, []chatplatform.InlineButton{{Label: "⬆ ..", Data: "nav:" + parent}})
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		slog.Warn("telegram: directory listing failed", "path", abs, "error", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sub := e.Name()
		if rel != "" {
			sub = rel + "/" + sub
		}
		kb = append(kb, []chatplatform.InlineButton{{Label: "📁 " + e.Name(), Data: "nav:" + sub}})
		if len(kb) >= 20 {
			break
		}
	}
	kb = append(kb, []chatplatform.InlineButton{{Label: "✅ Use this directory", Data: "sel:" + rel}})

	return "Browse: " + abs, kb
}

func (o *Orchestrator) showModelPicker(ctx context.Context, chatID string) {
	var kb chatplatform.InlineKeyboard
	for _, m := range modelChoices {
		kb = append(kb, []chatplatform.InlineButton{
			{Label: m, Data: "model:" + m},
			{Label: m + " (1M context)", Data: "model:" + m + ":1m"},
		})
	}
	if _, err := o.platform.SendWithKeyboard(ctx, chatID, "Pick a model:", kb); err != nil {
		slog.Warn("telegram: failed to send model picker", "error", err)
	}
}

// showSkillPicker lists the connected CLI's slash commands as skill:
// buttons. The list exists only while an actor is connected.
func (o *Orchestrator) showSkillPicker(ctx context.Context, userID, chatID string) {
	commands := o.manager.AvailableCommands(userID)
	if len(commands) == 0 {
		o.notify(ctx, chatID, "No agent connected yet — send a message first, then the CLI's skills show up here.")
		return
	}

	var kb chatplatform.InlineKeyboard
	for _, c := range commands {
		label := "/" + c.Name
		if c.Description != "" {
			label = fmt.Sprintf("/%s — %s", c.Name, truncateLabel(c.Description, 32))
		}
		kb = append(kb, []chatplatform.InlineButton{{Label: label, Data: "skill:" + c.Name}})
		if len(kb) >= 25 {
			break
		}
	}
	if _, err := o.platform.SendWithKeyboard(ctx, chatID, "Pick a skill:", kb); err != nil {
		slog.Warn("telegram: failed to send skill picker", "error", err)
	}
}

// HandleCallback processes one inline-keyboard callback query by editing
// the originating message in place.
func (o *Orchestrator) HandleCallback(ctx context.Context, cq *telego.CallbackQuery) {
	userID := strconv.FormatInt(cq.From.ID, 10)
	if !o.cfg.IsAllowed(userID) {
		_ = o.platform.AnswerCallback(ctx, cq.ID, "")
		return
	}
	if cq.Message == nil {
		_ = o.platform.AnswerCallback(ctx, cq.ID, "This menu has expired.")
		return
	}
	handle := chatplatform.MessageHandle{
		ChatID:    strconv.FormatInt(cq.Message.GetChat().ID, 10),
		MessageID: strconv.Itoa(cq.Message.GetMessageID()),
	}

	kind, payload, _ := strings.Cut(cq.Data, ":")
	switch kind {
	case "nav":
		o.onNav(ctx, userID, handle, payload)
	case "sel":
		o.onSelect(ctx, userID, handle, payload)
	case "session":
		o.onSession(ctx, userID, handle, payload)
	case "skill":
		o.onSkill(ctx, userID, handle, payload)
	case "model":
		o.onModel(ctx, userID, handle, payload)
	default:
		slog.Debug("telegram: unknown callback payload", "data", cq.Data)
	}
	_ = o.platform.AnswerCallback(ctx, cq.ID, "")
}

func (o *Orchestrator) onNav(ctx context.Context, userID string, handle chatplatform.MessageHandle, rel string) {
	if !validRelPath(rel) {
		return
	}
	st := o.state(userID)
	st.mu.Lock()
	st.browsePath = rel
	st.mu.Unlock()

	text, kb := o.browserView(rel)
	if err := o.platform.EditKeyboard(ctx, handle, text, kb); err != nil {
		slog.Warn("telegram: browser edit failed", "error", err)
	}
}

func (o *Orchestrator) onSelect(ctx context.Context, userID string, handle chatplatform.MessageHandle, rel string) {
	if !validRelPath(rel) {
		return
	}
	root := config.ExpandHome(o.cfg.ApprovedRoots[0])
	dir := filepath.Join(root, filepath.FromSlash(rel))
	o.setDirectory(ctx, userID, dir)
	if err := o.platform.EditKeyboard(ctx, handle, "Directory set to "+dir, nil); err != nil {
		slog.Warn("telegram: select edit failed", "error", err)
	}
}

// selectDirectory handles the argument form of /cd: an absolute path that
// must sit under one of the approved roots.
func (o *Orchestrator) selectDirectory(ctx context.Context, userID, chatID, arg string) {
	dir := filepath.Clean(config.ExpandHome(arg))
	for _, root := range o.cfg.ApprovedRoots {
		expanded := config.ExpandHome(root)
		if dir == expanded || strings.HasPrefix(dir, expanded+string(filepath.Separator)) {
			o.setDirectory(ctx, userID, dir)
			o.notify(ctx, chatID, "Directory set to "+dir)
			return
		}
	}
	o.notify(ctx, chatID, "That path is outside the approved directories.")
}

func (o *Orchestrator) onSession(ctx context.Context, userID string, handle chatplatform.MessageHandle, payload string) {
	dir := o.resolveDirectory(ctx, userID)
	in := manager.ConnectInput{
		UserID:            userID,
		Directory:         dir,
		ApprovedDirectory: o.approvedRootFor(dir),
	}
	label := "Resumed session " + payload
	if payload == newSessionToken {
		in.ForceNew = true
		label = "Started a new session"
	} else {
		in.SessionID = payload
	}

	if _, err := o.manager.SwitchSession(ctx, in); err != nil {
		label = "Could not switch session: " + err.Error()
	} else if payload != newSessionToken {
		// A short tail of the transcript reminds the user where the
		// conversation left off.
		if tail := o.resolver.ReadTranscript(payload, dir, 2, false); len(tail) > 0 {
			var b strings.Builder
			b.WriteString(label)
			b.WriteString("\n")
			for _, m := range tail {
				fmt.Fprintf(&b, "\n%s: %s", m.Role, truncateLabel(strings.ReplaceAll(m.Text, "\n", " "), 120))
			}
			label = b.String()
		}
	}
	if err := o.platform.EditKeyboard(ctx, handle, label, nil); err != nil {
		slog.Warn("telegram: session edit failed", "error", err)
	}
}

// onSkill submits the picked skill as a verbatim slash command.
func (o *Orchestrator) onSkill(ctx context.Context, userID string, handle chatplatform.MessageHandle, name string) {
	if err := o.platform.EditKeyboard(ctx, handle, "Running /"+name, nil); err != nil {
		slog.Warn("telegram: skill edit failed", "error", err)
	}
	o.runQuery(ctx, userID, handle.ChatID, model.Query{Text: "/" + name, HasText: true})
}

func (o *Orchestrator) onModel(ctx context.Context, userID string, handle chatplatform.MessageHandle, payload string) {
	name, variant, _ := strings.Cut(payload, ":")
	var betas []string
	label := "Model set to " + name
	if variant == "1m" {
		betas = []string{"context-1m"}
		label += " (1M context)"
	}
	o.manager.SetModel(ctx, userID, name, betas)
	if err := o.platform.EditKeyboard(ctx, handle, label+" — applies on the next session start.", nil); err != nil {
		slog.Warn("telegram: model edit failed", "error", err)
	}
}

// validRelPath rejects traversal outside the browse root.
func validRelPath(rel string) bool {
	if rel == "" {
		return true
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	return clean != ".." && !strings.HasPrefix(clean, "../") && !filepath.IsAbs(rel)
}

func truncateLabel(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
