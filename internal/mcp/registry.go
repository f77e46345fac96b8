package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"komorebi/internal/events"
	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

// Registry owns the set of live MCP sessions keyed by server name.
// Servers start in parallel; a failing server never blocks the others.
type Registry struct {
	configs     []types.MCPServerConfig
	callTimeout time.Duration
	bus         *events.Bus
	logger      logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry for the given server configs
func NewRegistry(configs []types.MCPServerConfig, callTimeout time.Duration, bus *events.Bus, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		configs:     configs,
		callTimeout: callTimeout,
		bus:         bus,
		logger:      logger.WithComponent("mcp.registry"),
		sessions:    make(map[string]*Session),
	}
}

// StartAll resolves secrets and starts every configured server in
// parallel. Per-server failures are logged and reported through
// mcp.status_changed; the registry comes up with whatever succeeded.
func (r *Registry) StartAll(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, config := range r.configs {
		config := config
		group.Go(func() error {
			if err := r.start(groupCtx, config); err != nil {
				r.logger.Warn("mcp server failed to start",
					"server", config.Name, "error", err.Error())
				r.publishState(config.Name, types.SessionClosed)
			}
			// Startup errors are isolated per server.
			return nil
		})
	}
	_ = group.Wait()

	r.mu.Lock()
	live := len(r.sessions)
	r.mu.Unlock()
	r.logger.Info("mcp registry started", "configured", len(r.configs), "live", live)
}

func (r *Registry) start(ctx context.Context, config types.MCPServerConfig) error {
	resolved, err := ResolveSecrets(config.Env)
	if err != nil {
		return fmt.Errorf("server %s: %w", config.Name, err)
	}
	config.Env = resolved

	session, err := StartSession(ctx, config, r.callTimeout, r.logger, r.publishState)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = session.Close()
		return fmt.Errorf("%w: registry closed during startup", types.ErrTransportLost)
	}
	if previous, ok := r.sessions[config.Name]; ok {
		go func() { _ = previous.Close() }()
	}
	r.sessions[config.Name] = session
	r.mu.Unlock()
	return nil
}

// Get returns the live session for a server name
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: mcp server %q", types.ErrNotFound, name)
	}
	return session, nil
}

// List returns the live sessions in no particular order
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Reconnect tears down a server's session and starts a fresh one,
// retrying with exponential backoff.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	var config *types.MCPServerConfig
	for i := range r.configs {
		if r.configs[i].Name == name {
			config = &r.configs[i]
			break
		}
	}
	if config == nil {
		return fmt.Errorf("%w: mcp server %q is not configured", types.ErrNotFound, name)
	}

	r.mu.Lock()
	if session, ok := r.sessions[name]; ok {
		delete(r.sessions, name)
		r.mu.Unlock()
		_ = session.Close()
	} else {
		r.mu.Unlock()
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
		backoff.WithMaxElapsedTime(time.Minute),
	), ctx)

	return backoff.Retry(func() error {
		return r.start(ctx, *config)
	}, policy)
}

// Close shuts every session down. Safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(session)
	}
	wg.Wait()
	r.logger.Info("mcp registry closed", "sessions", len(sessions))
}

func (r *Registry) publishState(server string, state types.SessionState) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(types.NewEvent(types.EventMCPStatusChanged).
		WithPayload("server", server).
		WithPayload("state", string(state)))
}
