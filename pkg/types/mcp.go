package types

import "fmt"

// MCPServerConfig is the declarative connection descriptor for one
// MCP server subprocess. Env values may be literal or secret URIs
// (env://NAME, keyring://service/user) resolved before spawn.
type MCPServerConfig struct {
	Name     string            `json:"name" yaml:"name"`
	Command  string            `json:"command" yaml:"command"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Cwd      string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

// Validate checks descriptor invariants
func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: mcp server name cannot be empty", ErrValidation)
	}
	if c.Command == "" {
		return fmt.Errorf("%w: mcp server %q has no command", ErrValidation, c.Name)
	}
	return nil
}

// SessionState tracks the lifecycle of one MCP subprocess session
type SessionState string

const (
	// SessionConnecting means the subprocess is starting or handshaking
	SessionConnecting SessionState = "connecting"
	// SessionReady means the handshake completed and tools are listed
	SessionReady SessionState = "ready"
	// SessionDegraded means the session is up but misbehaving
	SessionDegraded SessionState = "degraded"
	// SessionClosed means the subprocess exited or was shut down
	SessionClosed SessionState = "closed"
)

// ToolDescriptor is one tool advertised by an MCP server
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}
