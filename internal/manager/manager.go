// Package manager owns the user → Actor map (SPEC_FULL.md §4.8): starting
// and stopping per-user agent clients, evicting on directory change,
// resolving resume targets from the session repository and the agent CLI's
// own history, and funneling session-id updates back into storage.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/actor"
	"github.com/nextlevelbuilder/clawbridge/internal/agentsdk"
	"github.com/nextlevelbuilder/clawbridge/internal/sessionindex"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

// DefaultStopWait bounds how long Disconnect waits for a worker to drain
// before killing its subprocess.
const DefaultStopWait = 10 * time.Second

// Manager maps user ids to their live actors. All map mutations go through
// its mutex; actor on_exit callbacks converge idle timeouts, graceful
// stops, and fatal errors onto the same removal path.
type Manager struct {
	mu      sync.Mutex
	actors  map[string]*actor.Actor
	prefs   map[string]pref // model/betas chosen via SetModel, applied on next connect
	userMus map[string]*sync.Mutex // serializes connect/disconnect per user

	repo     *store.BotSessionRepository
	resolver *sessionindex.Resolver
	builder  *agentsdk.Builder

	clientFactory func() actor.SDKClient
	idleTimeout   time.Duration
	stopWait      time.Duration
}

type pref struct {
	model string
	betas []string
}

// Config wires a Manager. ClientFactory is nil in production (real
// subprocess clients); tests inject stubs through it.
type Config struct {
	Repo          *store.BotSessionRepository
	Resolver      *sessionindex.Resolver
	Builder       *agentsdk.Builder
	ClientFactory func() actor.SDKClient
	IdleTimeout   time.Duration
	StopWait      time.Duration
}

// New returns an empty Manager.
func New(cfg Config) *Manager {
	stopWait := cfg.StopWait
	if stopWait <= 0 {
		stopWait = DefaultStopWait
	}
	return &Manager{
		actors:        make(map[string]*actor.Actor),
		prefs:         make(map[string]pref),
		userMus:       make(map[string]*sync.Mutex),
		repo:          cfg.Repo,
		resolver:      cfg.Resolver,
		builder:       cfg.Builder,
		clientFactory: cfg.ClientFactory,
		idleTimeout:   cfg.IdleTimeout,
		stopWait:      stopWait,
	}
}

// ConnectInput carries GetOrConnect's per-call arguments.
type ConnectInput struct {
	UserID            string
	Directory         string
	SessionID         string // explicit resume target; empty means "resolve one"
	Model             string
	Betas             []string
	ApprovedDirectory string
	ForceNew          bool
}

// userLock returns the mutex that serializes connect/disconnect for one
// user, so two racing messages cannot each spawn a subprocess.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.userMus[userID]
	if !ok {
		mu = &sync.Mutex{}
		m.userMus[userID] = mu
	}
	return mu
}

// GetOrConnect returns the user's live actor, starting a new one if none
// exists, the existing one died, or its directory no longer matches.
func (m *Manager) GetOrConnect(ctx context.Context, in ConnectInput) (*actor.Actor, error) {
	userMu := m.userLock(in.UserID)
	userMu.Lock()
	defer userMu.Unlock()

	m.mu.Lock()
	existing := m.actors[in.UserID]
	if existing != nil && existing.Running() && existing.Directory() == in.Directory {
		m.mu.Unlock()
		m.touch(ctx, in.UserID, existing)
		return existing, nil
	}
	if existing != nil {
		delete(m.actors, in.UserID)
	}
	m.mu.Unlock()

	if existing != nil {
		slog.Info("manager: evicting actor", "user_id", in.UserID,
			"old_directory", existing.Directory(), "new_directory", in.Directory)
		existing.Stop(m.stopWait)
	}

	sessionID, modelName, betas := m.resolveSession(ctx, in)

	opts, err := m.builder.Build(agentsdk.BuildInput{
		Cwd:               in.Directory,
		SessionID:         sessionID,
		Model:             modelName,
		Betas:             betas,
		ApprovedDirectory: in.ApprovedDirectory,
	})
	if err != nil {
		return nil, err
	}

	cfg := actor.Config{
		UserID:      in.UserID,
		Directory:   in.Directory,
		IdleTimeout: m.idleTimeout,
		OnExit:      m.remove,
	}
	if m.clientFactory != nil {
		cfg.Client = m.clientFactory()
	}
	a := actor.New(cfg)
	if err := a.Start(ctx, opts); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.actors[in.UserID] = a
	m.mu.Unlock()

	// Empty session_id is fine here: the SDK mints one on the first reply
	// and UpdateSessionID overwrites the row.
	if err := m.repo.Upsert(ctx, in.UserID, sessionID, in.Directory, optional(modelName), betas); err != nil {
		slog.Warn("manager: failed to persist session row", "user_id", in.UserID, "error", err)
	}
	return a, nil
}

// resolveSession picks the resume target and model per §4.8 step 3:
// explicit argument, then the repository row (if its directory matches),
// then the agent CLI's own history.
func (m *Manager) resolveSession(ctx context.Context, in ConnectInput) (sessionID, modelName string, betas []string) {
	sessionID = in.SessionID
	modelName = in.Model
	betas = in.Betas

	if !in.ForceNew && sessionID == "" {
		rec, err := m.repo.GetByUser(ctx, in.UserID)
		if err != nil {
			slog.Warn("manager: session lookup failed", "user_id", in.UserID, "error", err)
		}
		if rec != nil && rec.Directory == in.Directory {
			sessionID = rec.SessionID
			if modelName == "" && rec.Model != nil {
				modelName = *rec.Model
			}
			if betas == nil {
				betas = rec.Betas
			}
		} else {
			sessionID = m.resolver.GetLatestSession(in.Directory)
		}
	}

	m.mu.Lock()
	if p, ok := m.prefs[in.UserID]; ok {
		if modelName == "" {
			modelName = p.model
		}
		if betas == nil {
			betas = p.betas
		}
	}
	m.mu.Unlock()
	return sessionID, modelName, betas
}

// SwitchSession tears down the user's current actor (if any) and connects
// with an explicit session id.
func (m *Manager) SwitchSession(ctx context.Context, in ConnectInput) (*actor.Actor, error) {
	m.Disconnect(in.UserID)
	return m.GetOrConnect(ctx, in)
}

// UpdateSessionID persists the session id the SDK reported on a result
// event. The actor's own in-memory field is already current (the worker
// updates it before completing the promise); this writes the durable copy.
func (m *Manager) UpdateSessionID(ctx context.Context, userID, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	a := m.actors[userID]
	var p pref
	if a != nil {
		p = m.prefs[userID]
	}
	m.mu.Unlock()
	if a == nil {
		return
	}
	if err := m.repo.Upsert(ctx, userID, sessionID, a.Directory(), optional(p.model), p.betas); err != nil {
		slog.Warn("manager: failed to persist session id", "user_id", userID, "error", err)
	}
}

// SetModel records the user's model choice for the next connect and
// persists it alongside whatever session is current.
func (m *Manager) SetModel(ctx context.Context, userID, modelName string, betas []string) {
	m.mu.Lock()
	m.prefs[userID] = pref{model: modelName, betas: betas}
	a := m.actors[userID]
	m.mu.Unlock()

	sessionID, directory := "", ""
	if a != nil {
		sessionID = a.CurrentSessionID()
		directory = a.Directory()
	} else if rec, err := m.repo.GetByUser(ctx, userID); err == nil && rec != nil {
		sessionID = rec.SessionID
		directory = rec.Directory
	}
	if directory == "" {
		return
	}
	if err := m.repo.Upsert(ctx, userID, sessionID, directory, optional(modelName), betas); err != nil {
		slog.Warn("manager: failed to persist model choice", "user_id", userID, "error", err)
	}
}

// ClearSession disconnects the user's actor and forgets the persisted
// session row, so the next query starts a brand-new session.
func (m *Manager) ClearSession(ctx context.Context, userID string) error {
	m.Disconnect(userID)
	m.mu.Lock()
	delete(m.prefs, userID)
	m.mu.Unlock()
	return m.repo.Delete(ctx, userID)
}

// Interrupt forwards to the user's actor, if any.
func (m *Manager) Interrupt(userID string) error {
	m.mu.Lock()
	a := m.actors[userID]
	m.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Interrupt()
}

// Disconnect stops and removes the user's actor, if any.
func (m *Manager) Disconnect(userID string) {
	userMu := m.userLock(userID)
	userMu.Lock()
	defer userMu.Unlock()

	m.mu.Lock()
	a := m.actors[userID]
	delete(m.actors, userID)
	m.mu.Unlock()
	if a != nil {
		a.Stop(m.stopWait)
	}
}

// DisconnectAll stops every live actor; used at shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	actors := make([]*actor.Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*actor.Actor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *actor.Actor) {
			defer wg.Done()
			a.Stop(m.stopWait)
		}(a)
	}
	wg.Wait()
}

// Actor returns the user's live actor, or nil.
func (m *Manager) Actor(userID string) *actor.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[userID]
}

// AvailableCommands returns the slash commands the user's connected agent
// CLI reports, or nil if the user has no live actor.
func (m *Manager) AvailableCommands(userID string) []agentsdk.CommandInfo {
	m.mu.Lock()
	a := m.actors[userID]
	m.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.AvailableCommands()
}

// HasCommand reports whether the user's connected CLI claims name.
func (m *Manager) HasCommand(userID, name string) bool {
	m.mu.Lock()
	a := m.actors[userID]
	m.mu.Unlock()
	return a != nil && a.HasCommand(name)
}

// touch refreshes the repository row's last_active for a reused actor.
func (m *Manager) touch(ctx context.Context, userID string, a *actor.Actor) {
	m.mu.Lock()
	p := m.prefs[userID]
	m.mu.Unlock()
	if err := m.repo.Upsert(ctx, userID, a.CurrentSessionID(), a.Directory(), optional(p.model), p.betas); err != nil {
		slog.Warn("manager: failed to touch session row", "user_id", userID, "error", err)
	}
}

// remove is the actors' on_exit callback. Idempotent: only drops the map
// entry if it still points at an exited actor.
func (m *Manager) remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[userID]; ok && !a.Running() {
		delete(m.actors, userID)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
