// Package sessionindex reads the agent CLI's own on-disk session index so
// that sessions started from either the bot or the CLI are mutually
// resumable. The index is owned and written by the CLI; this package only
// ever reads it.
package sessionindex

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// formatHealthThreshold is the fraction of unparseable history lines above
// which CheckFormatHealth reports a warning. Heuristic, not configurable —
// see the Decided Open Questions section of SPEC_FULL.md.
const formatHealthThreshold = 0.5

// historyLine is the on-disk JSON shape of one history.jsonl record.
type historyLine struct {
	Display   string `json:"display"`
	Timestamp int64  `json:"timestamp"`
	Project   string `json:"project"`
	SessionID string `json:"sessionId"`
}

// Resolver reads history.jsonl and per-session transcript files under a
// single agent-config directory.
type Resolver struct {
	configDir string

	lastTotalLines   int
	lastSkippedLines int
}

// New returns a Resolver rooted at configDir (the agent CLI's config
// directory, e.g. ~/.claude).
func New(configDir string) *Resolver {
	return &Resolver{configDir: configDir}
}

// historyPath is the well-known default location of the session index.
func (r *Resolver) historyPath() string {
	return filepath.Join(r.configDir, "history.jsonl")
}

// ListSessions returns up to limit entries, newest first, filtered by
// directory if non-empty. A missing history file yields an empty result,
// not an error.
func (r *Resolver) ListSessions(directory string, limit int) []model.HistoryEntry {
	entries := r.readAll()

	if directory != "" {
		canon := canonicalize(directory)
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Project == canon {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// GetLatestSession returns the most recent session id for directory, or ""
// if no entry matches.
func (r *Resolver) GetLatestSession(directory string) string {
	entries := r.ListSessions(directory, 1)
	if len(entries) == 0 {
		return ""
	}
	return entries[0].SessionID
}

// FindSessionById does a linear lookup of sessionID among entries.
func FindSessionById(entries []model.HistoryEntry, sessionID string) (model.HistoryEntry, bool) {
	for _, e := range entries {
		if e.SessionID == sessionID {
			return e, true
		}
	}
	return model.HistoryEntry{}, false
}

// CheckFormatHealth reports a warning when more than formatHealthThreshold
// of the history file's lines failed to parse on the last read. Returns ""
// when there is nothing to warn about (including "file never read yet").
func (r *Resolver) CheckFormatHealth() string {
	if r.lastTotalLines == 0 {
		return ""
	}
	frac := float64(r.lastSkippedLines) / float64(r.lastTotalLines)
	if frac <= formatHealthThreshold {
		return ""
	}
	return "the agent CLI's history file format looks unfamiliar — some sessions may not show up here (possible CLI version skew)"
}

// readAll parses every line of history.jsonl, skipping malformed lines.
// A missing file yields an empty slice without a log line; any other open
// error yields an empty slice with a logged warning, and a read error
// mid-file logs a warning and keeps the entries parsed so far, matching the
// Resource error semantics in SPEC_FULL.md §7.
func (r *Resolver) readAll() []model.HistoryEntry {
	f, err := os.Open(r.historyPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("sessionindex: failed to open history file", "path", r.historyPath(), "error", err)
		}
		r.lastTotalLines, r.lastSkippedLines = 0, 0
		return nil
	}
	defer f.Close()

	var entries []model.HistoryEntry
	total, skipped := 0, 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++

		var raw historyLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			skipped++
			slog.Debug("sessionindex: skipping malformed history line", "error", err)
			continue
		}
		if raw.SessionID == "" || raw.Project == "" {
			skipped++
			continue
		}

		entries = append(entries, model.HistoryEntry{
			SessionID: raw.SessionID,
			Display:   raw.Display,
			Timestamp: raw.Timestamp,
			Project:   canonicalize(raw.Project),
		})
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("sessionindex: error reading history file", "error", err)
	}

	r.lastTotalLines, r.lastSkippedLines = total, skipped
	return entries
}

// ReadTranscript reads the transcript file for sessionID from the CLI's
// per-project transcripts directory and returns up to limit messages.
// fromStart selects the first N exchanges instead of the default last N
// (used by the session-handoff path).
func (r *Resolver) ReadTranscript(sessionID, projectDir string, limit int, fromStart bool) []model.TranscriptMessage {
	path, err := r.findTranscriptFile(sessionID, projectDir)
	if err != nil {
		slog.Debug("sessionindex: transcript not found", "session_id", sessionID, "error", err)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("sessionindex: failed to open transcript", "path", path, "error", err)
		return nil
	}
	defer f.Close()

	var all []model.TranscriptMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw struct {
			Role string `json:"role"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if raw.Role != "user" && raw.Role != "assistant" {
			continue
		}
		all = append(all, model.TranscriptMessage{Role: raw.Role, Text: raw.Text})
	}

	if limit <= 0 || len(all) <= limit {
		return all
	}
	if fromStart {
		return all[:limit]
	}
	return all[len(all)-limit:]
}

// findTranscriptFile locates the per-project transcript file whose name
// contains sessionID, since the exact filename convention is CLI-version
// dependent beyond that.
func (r *Resolver) findTranscriptFile(sessionID, projectDir string) (string, error) {
	dir := filepath.Join(r.configDir, "projects", sanitizeProjectDirName(projectDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), sessionID) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", os.ErrNotExist
}

// sanitizeProjectDirName mirrors the CLI's convention of flattening an
// absolute project path into a single directory-safe segment.
func sanitizeProjectDirName(projectDir string) string {
	return strings.ReplaceAll(canonicalize(projectDir), string(filepath.Separator), "-")
}

// canonicalize normalizes a directory path for comparison: absolute,
// cleaned, trailing separators removed.
func canonicalize(dir string) string {
	if dir == "" {
		return ""
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return filepath.Clean(abs)
}
