// Package actor implements the per-user Agent Client Actor (SPEC_FULL.md
// §4.7): a long-lived worker owning one agent CLI subprocess for the
// lifetime of one user's conversation. The agent SDK binds its internal
// cancellation scopes to the goroutine that called Connect, so every
// Connect/Query/Disconnect for a given client must happen on the same
// goroutine — this package is the actor that makes that true.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawbridge/internal/agentsdk"
	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// SDKClient is the slice of the agent SDK client the actor drives. The
// production implementation is *agentsdk.Client; tests substitute a stub.
type SDKClient interface {
	Connect(ctx context.Context, opts agentsdk.Options) error
	Query(ctx context.Context, blocks []agentsdk.StdinBlock) (<-chan agentsdk.EventOrError, error)
	Interrupt() error
	Disconnect() error
	GetServerInfo() agentsdk.ServerInfo
}

// ErrNotRunning is returned by Submit when the actor's worker goroutine has
// already exited (idle timeout, Stop, or a fatal connect/stream error).
var ErrNotRunning = errors.New("actor: not running")

// ErrAlreadyRunning is returned by Start if called on an actor that has
// already been started.
var ErrAlreadyRunning = errors.New("actor: already running")

// DefaultIdleTimeout is used when Config.IdleTimeout is zero.
const DefaultIdleTimeout = time.Hour

// StreamCallback receives every classified stream event for one query, in
// the exact order the agent CLI emitted them. It is invoked only from the
// actor's worker goroutine — callers need no locks of their own.
type StreamCallback func(ctx context.Context, ev model.StreamEvent)

// workItem is one submitted {query, callback, promise} triple.
type workItem struct {
	ctx      context.Context
	query    model.Query
	onStream StreamCallback
	result   chan itemResult
}

type itemResult struct {
	value model.QueryResult
	err   error
}

// stopSentinel is pushed onto the queue to ask the worker to exit after
// whatever item is already in flight finishes.
type stopSentinel struct{}

// Actor owns one agent CLI subprocess and serializes every query against it
// through a bounded work queue.
type Actor struct {
	userID      string
	directory   string
	idleTimeout time.Duration
	onExit      func(userID string)

	queue chan any // workItem | stopSentinel

	client SDKClient

	running  atomic.Bool
	querying atomic.Bool

	commandsMu        sync.RWMutex
	availableCommands []agentsdk.CommandInfo

	sessionMu sync.RWMutex
	sessionID string

	connected chan error // one-shot: closed/sent-to once Start's worker finishes Connect
	done      chan struct{}
}

// Config configures a new Actor.
type Config struct {
	UserID      string
	Directory   string
	IdleTimeout time.Duration
	// OnExit is invoked exactly once, from the worker goroutine, right
	// before the worker returns (self-removal hook for the Client
	// Manager's map, SPEC_FULL.md §4.8).
	OnExit func(userID string)
	// Client overrides the SDK client; nil means a real subprocess-backed
	// agentsdk.Client.
	Client SDKClient
}

// New returns an unstarted Actor. Call Start to spawn its worker goroutine.
func New(cfg Config) *Actor {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	client := cfg.Client
	if client == nil {
		client = agentsdk.NewClient()
	}
	return &Actor{
		userID:      cfg.UserID,
		directory:   cfg.Directory,
		idleTimeout: idle,
		onExit:      cfg.OnExit,
		queue:       make(chan any, 16),
		client:      client,
		connected:   make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Directory reports the working directory this actor was started with.
func (a *Actor) Directory() string { return a.directory }

// UserID reports the user this actor belongs to.
func (a *Actor) UserID() string { return a.userID }

// Running reports whether the worker goroutine is still alive.
func (a *Actor) Running() bool { return a.running.Load() }

// Querying reports whether a query is currently in flight.
func (a *Actor) Querying() bool { return a.querying.Load() }

// Start spawns the worker goroutine and blocks until the agent CLI's
// Connect completes (successfully or not).
func (a *Actor) Start(ctx context.Context, opts agentsdk.Options) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go a.run(ctx, opts)
	return <-a.connected
}

// Submit enqueues one query and blocks until the worker publishes its
// result (success or error). It never leaves the returned promise
// unresolved: every path through process_item eventually answers it.
func (a *Actor) Submit(ctx context.Context, query model.Query, onStream StreamCallback) (model.QueryResult, error) {
	if !a.running.Load() {
		return model.QueryResult{}, ErrNotRunning
	}
	item := workItem{ctx: ctx, query: query, onStream: onStream, result: make(chan itemResult, 1)}

	select {
	case a.queue <- item:
	case <-a.done:
		return model.QueryResult{}, ErrNotRunning
	case <-ctx.Done():
		return model.QueryResult{}, ctx.Err()
	}

	select {
	case res := <-item.result:
		return res.value, res.err
	case <-ctx.Done():
		return model.QueryResult{}, ctx.Err()
	}
}

// Interrupt forwards to the SDK's interrupt call. Safe to call from any
// goroutine; a no-op if no query is in flight.
func (a *Actor) Interrupt() error {
	if !a.querying.Load() {
		return nil
	}
	return a.client.Interrupt()
}

// AvailableCommands returns a snapshot of the cached slash-command list
// reported by the agent CLI right after connect.
func (a *Actor) AvailableCommands() []agentsdk.CommandInfo {
	a.commandsMu.RLock()
	defer a.commandsMu.RUnlock()
	out := make([]agentsdk.CommandInfo, len(a.availableCommands))
	copy(out, a.availableCommands)
	return out
}

// HasCommand reports whether name is in the cached command list.
func (a *Actor) HasCommand(name string) bool {
	a.commandsMu.RLock()
	defer a.commandsMu.RUnlock()
	for _, c := range a.availableCommands {
		if c.Name == name {
			return true
		}
	}
	return false
}

// CurrentSessionID returns the most recently observed session id, updated
// after each query's result event.
func (a *Actor) CurrentSessionID() string {
	a.sessionMu.RLock()
	defer a.sessionMu.RUnlock()
	return a.sessionID
}

// Stop cooperatively asks the worker to exit once its current item (if
// any) finishes, then waits up to the given bound before giving up. On
// timeout the underlying subprocess is killed directly so it cannot leak.
func (a *Actor) Stop(wait time.Duration) {
	if !a.running.Load() {
		return
	}
	select {
	case a.queue <- stopSentinel{}:
	case <-a.done:
		return
	}

	if wait <= 0 {
		wait = 10 * time.Second
	}
	select {
	case <-a.done:
	case <-time.After(wait):
		slog.Warn("actor: stop timed out, killing subprocess directly", "user_id", a.userID)
		_ = a.client.Disconnect()
		<-a.done
	}
}

// run is the worker algorithm (SPEC_FULL.md §4.7): connect once, loop
// consuming work items until the stop sentinel or idle timeout, disconnect,
// notify on_exit. It must never touch a.client from any other goroutine.
func (a *Actor) run(ctx context.Context, opts agentsdk.Options) {
	defer func() {
		a.running.Store(false)
		close(a.done)
		if a.onExit != nil {
			a.onExit(a.userID)
		}
	}()

	if err := a.client.Connect(ctx, opts); err != nil {
		a.running.Store(false)
		a.connected <- err
		return
	}
	a.sessionMu.Lock()
	a.sessionID = opts.SessionID
	a.sessionMu.Unlock()

	info := a.client.GetServerInfo()
	a.commandsMu.Lock()
	a.availableCommands = info.Commands
	a.commandsMu.Unlock()
	a.connected <- nil

	defer func() {
		a.commandsMu.Lock()
		a.availableCommands = nil
		a.commandsMu.Unlock()
		if err := a.client.Disconnect(); err != nil {
			slog.Warn("actor: disconnect failed", "user_id", a.userID, "error", err)
		}
	}()

	for {
		select {
		case raw := <-a.queue:
			switch item := raw.(type) {
			case stopSentinel:
				return
			case workItem:
				a.processItem(item)
			}
		case <-time.After(a.idleTimeout):
			slog.Info("actor: idle timeout, exiting", "user_id", a.userID, "timeout", a.idleTimeout)
			return
		}
	}
}

// processItem runs one query end to end and always answers its promise,
// whether via a clean result or a captured error — a failed query must
// never tear the actor down (SPEC_FULL.md §4.7 step 6).
func (a *Actor) processItem(item workItem) {
	a.querying.Store(true)
	defer a.querying.Store(false)

	start := time.Now()
	traceID := uuid.NewString()
	slog.Debug("actor: query started", "user_id", a.userID, "trace_id", traceID)
	blocks := agentsdk.ToStdinBlocks(item.query.ToContentBlocks())

	events, err := a.client.Query(item.ctx, blocks)
	if err != nil {
		item.result <- itemResult{err: fmt.Errorf("actor: query: %w", err)}
		return
	}

	var (
		responseText string
		sessionID    string
		cost         float64
		hasCost      bool
		numTurns     int
	)

	for eoe := range events {
		if eoe.Err != nil {
			item.result <- itemResult{err: fmt.Errorf("actor: stream: %w", eoe.Err)}
			return
		}
		ev := eoe.Event
		switch ev.Kind {
		case model.EventResult:
			responseText = ev.Content
			sessionID = ev.SessionID
			cost = ev.Cost
			hasCost = ev.HasCost
		case model.EventText:
			if ev.Content != "" && item.onStream != nil {
				item.onStream(item.ctx, ev)
			}
		case model.EventToolUse:
			if !ev.IsPartial {
				numTurns++
			}
			if item.onStream != nil {
				item.onStream(item.ctx, ev)
			}
		case model.EventThinking:
			if ev.Content != "" && item.onStream != nil {
				item.onStream(item.ctx, ev)
			}
		case model.EventToolResult:
			if ev.Content != "" && item.onStream != nil {
				item.onStream(item.ctx, ev)
			}
		case model.EventUnknown:
			// ignored
		}
	}

	if sessionID != "" {
		a.sessionMu.Lock()
		a.sessionID = sessionID
		a.sessionMu.Unlock()
	}

	slog.Debug("actor: query finished", "user_id", a.userID, "trace_id", traceID, "session_id", sessionID, "turns", numTurns)
	item.result <- itemResult{value: model.QueryResult{
		ResponseText: responseText,
		SessionID:    sessionID,
		Cost:         cost,
		HasCost:      hasCost,
		NumTurns:     numTurns,
		DurationMS:   time.Since(start).Milliseconds(),
	}}
}
