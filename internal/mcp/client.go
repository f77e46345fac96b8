package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

const (
	// DefaultCallTimeout bounds one tools/call round trip
	DefaultCallTimeout = 30 * time.Second

	// DefaultCloseGrace is how long Close waits for a clean exit before
	// force-terminating the subprocess.
	DefaultCloseGrace = 3 * time.Second

	// malformed-frame circuit breaker: this many unparseable frames
	// inside the window closes the session
	malformedFrameLimit  = 5
	malformedFrameWindow = 10 * time.Second

	protocolVersion = "2024-11-05"
	clientName      = "komorebi"
	clientVersion   = "1.0.0"
)

// StateFunc observes session state transitions
type StateFunc func(server string, state types.SessionState)

// rpcRequest is one newline-delimited JSON-RPC 2.0 frame. Notifications
// omit the id.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int   `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Session is one running MCP server subprocess with its handshake
// state and tool catalogue.
type Session struct {
	config  types.MCPServerConfig
	timeout time.Duration
	logger  logging.Logger
	onState StateFunc

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	state   types.SessionState
	tools   []types.ToolDescriptor
	pending map[int]chan *rpcResponse
	nextID  int

	malformedTimes []time.Time

	done     chan struct{}
	doneOnce sync.Once
	exited   chan struct{}
	readerWG sync.WaitGroup
}

// StartSession spawns the subprocess, runs the handshake, and lists
// tools. Secrets must already be resolved in config.Env. The child's
// environment is the parent's merged with the overrides; PATH always
// survives from the parent unless explicitly overridden.
func StartSession(ctx context.Context, config types.MCPServerConfig, timeout time.Duration, logger logging.Logger, onState StateFunc) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Session{
		config:  config,
		timeout: timeout,
		logger:  logger.WithComponent("mcp." + config.Name),
		onState: onState,
		state:   types.SessionConnecting,
		pending: make(map[int]chan *rpcResponse),
		nextID:  1,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.notifyState(types.SessionConnecting)

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = mergeEnv(os.Environ(), config.Env)
	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe for %s: %v", types.ErrTransportLost, config.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe for %s: %v", types.ErrTransportLost, config.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe for %s: %v", types.ErrTransportLost, config.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s (%s): %v", types.ErrTransportLost, config.Name, config.Command, err)
	}
	s.cmd = cmd
	s.stdin = stdin

	s.readerWG.Add(2)
	go s.readFrames(stdout)
	go s.drainStderr(stderr)

	go s.watchExit()

	if err := s.handshake(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.mu.Lock()
	s.state = types.SessionReady
	s.mu.Unlock()
	s.notifyState(types.SessionReady)
	s.logger.Info("mcp session ready", "tools", len(s.Tools()))
	return s, nil
}

// mergeEnv layers overrides on top of the parent environment. Later
// entries win in exec.Cmd.Env, so appending implements merge semantics
// without ever losing PATH.
func mergeEnv(parent []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(parent)+len(overrides))
	merged = append(merged, parent...)
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}

// handshake runs initialize and tools/list, each bounded by the call
// timeout so a mute server cannot stall startup.
func (s *Session) handshake(ctx context.Context) error {
	_, err := s.timedCall(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize %s: %w", s.config.Name, err)
	}

	if err := s.notify("notifications/initialized", nil); err != nil {
		return err
	}

	result, err := s.timedCall(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list %s: %w", s.config.Name, err)
	}
	var listed struct {
		Tools []types.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("%w: parse tools/list from %s: %v", types.ErrInvalidResponse, s.config.Name, err)
	}

	s.mu.Lock()
	s.tools = listed.Tools
	s.mu.Unlock()
	return nil
}

// Name returns the configured server name
func (s *Session) Name() string { return s.config.Name }

// State returns the current session state
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns the catalogue captured during the handshake
func (s *Session) Tools() []types.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ToolDescriptor(nil), s.tools...)
}

// timedCall bounds one request with the per-call timeout, mapping a
// deadline hit to the Timeout sentinel.
func (s *Session) timedCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.call(callCtx, method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s on %s exceeded %s", types.ErrTimeout, method, s.config.Name, s.timeout)
		}
		return nil, err
	}
	return result, nil
}

// CallTool invokes one tool with the per-call timeout. Timeouts cancel
// the pending entry; a dead transport fails with TransportLost.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.call(callCtx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tool %s on %s exceeded %s", types.ErrTimeout, name, s.config.Name, s.timeout)
		}
		return nil, err
	}
	return result, nil
}

// call sends one request frame and waits for its correlated response
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state == types.SessionClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is closed", types.ErrTransportLost, s.config.Name)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan *rpcResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.writeFrame(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		s.dropPending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("%w: session %s lost while waiting for %s", types.ErrTransportLost, s.config.Name, method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s from %s: %w", method, s.config.Name, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: session %s closed during %s", types.ErrTransportLost, s.config.Name, method)
	}
}

// notify sends a frame without an id and does not wait
func (s *Session) notify(method string, params any) error {
	return s.writeFrame(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Session) writeFrame(frame rpcRequest) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", types.ErrValidation, frame.Method, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return fmt.Errorf("%w: session %s has no stdin", types.ErrTransportLost, s.config.Name)
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write to %s: %v", types.ErrTransportLost, s.config.Name, err)
	}
	return nil
}

func (s *Session) dropPending(id int) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readFrames is the single reader loop: it owns response dispatch and
// the malformed-frame circuit breaker.
func (s *Session) readFrames(stdout io.Reader) {
	defer s.readerWG.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.JSONRPC == "" {
			s.logger.Warn("skipping malformed frame", "bytes", len(line))
			if s.recordMalformed() {
				s.logger.Error("too many malformed frames, closing session")
				go func() { _ = s.Close() }()
				return
			}
			continue
		}

		if resp.ID == nil {
			// Server-initiated notification; nothing to correlate.
			s.logger.Debug("server notification received")
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		if ok {
			delete(s.pending, *resp.ID)
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("response for unknown id", "id", *resp.ID)
			continue
		}
		ch <- &resp
	}
}

// recordMalformed returns true when the frame budget is exhausted
func (s *Session) recordMalformed() bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.malformedTimes[:0]
	for _, t := range s.malformedTimes {
		if now.Sub(t) < malformedFrameWindow {
			kept = append(kept, t)
		}
	}
	s.malformedTimes = append(kept, now)
	return len(s.malformedTimes) >= malformedFrameLimit
}

func (s *Session) drainStderr(stderr io.Reader) {
	defer s.readerWG.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("stderr", "line", scanner.Text())
	}
}

// watchExit is the sole process waiter: it reaps the subprocess and
// fails the session when the child dies out from under us.
func (s *Session) watchExit() {
	err := s.cmd.Wait()
	if err != nil && s.State() != types.SessionClosed {
		s.logger.Warn("mcp subprocess exited", "error", err.Error())
	}
	s.failPending()
	s.transitionClosed()
	close(s.exited)
}

// failPending completes every in-flight call with TransportLost by
// closing its channel.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int]chan *rpcResponse)
	s.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (s *Session) transitionClosed() {
	s.mu.Lock()
	already := s.state == types.SessionClosed
	s.state = types.SessionClosed
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	if !already {
		s.notifyState(types.SessionClosed)
	}
}

func (s *Session) notifyState(state types.SessionState) {
	if s.onState != nil {
		s.onState(s.config.Name, state)
	}
}

// Close shuts the session down: polite shutdown request, stdin close,
// grace window, then kill. Always leaves the subprocess reaped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == types.SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = types.SessionClosed
	stdin := s.stdin
	s.mu.Unlock()
	s.notifyState(types.SessionClosed)

	// Best effort; the server may already be gone.
	_ = s.notifyShutdown()
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-s.exited:
	case <-time.After(DefaultCloseGrace):
		s.logger.Warn("mcp subprocess did not exit in grace window, killing")
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
	}

	waitDone := make(chan struct{})
	go func() {
		s.readerWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		s.logger.Warn("reader goroutines did not drain")
	}
	return nil
}

func (s *Session) notifyShutdown() error {
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "shutdown"})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}
