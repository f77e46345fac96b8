package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestLoadServersFile_JSON(t *testing.T) {
	path := writeFile(t, "servers.json", `{
		"servers": [
			{"name": "github", "command": "npx", "args": ["-y", "@modelcontextprotocol/server-github"],
			 "env": {"GITHUB_TOKEN": "env://GITHUB_TOKEN"}},
			{"name": "disabled-one", "command": "true", "disabled": true}
		]
	}`)

	servers, err := LoadServersFile(path)
	require.NoError(t, err)
	require.Len(t, servers, 1, "disabled servers are skipped")
	assert.Equal(t, "github", servers[0].Name)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-github"}, servers[0].Args)
}

func TestLoadServersFile_YAML(t *testing.T) {
	path := writeFile(t, "servers.yaml", `
servers:
  - name: filesystem
    command: mcp-fs
    args: ["--root", "/tmp"]
    env:
      TOKEN: env://FS_TOKEN
`)

	servers, err := LoadServersFile(path)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "filesystem", servers[0].Name)
	assert.Equal(t, "env://FS_TOKEN", servers[0].Env["TOKEN"])
}

func TestLoadServersFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate names", `{"servers": [{"name": "a", "command": "x"}, {"name": "a", "command": "y"}]}`},
		{"missing command", `{"servers": [{"name": "a"}]}`},
		{"bad json", `{"servers": [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "servers.json", tt.content)
			_, err := LoadServersFile(path)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("KOMOREBI_TEST_SECRET", "s3cret")

	original := keyringLookup
	keyringLookup = func(service, user string) (string, error) {
		if service == "vault" && user == "me" {
			return "from-keyring", nil
		}
		return "", fmt.Errorf("not found")
	}
	t.Cleanup(func() { keyringLookup = original })

	resolved, err := ResolveSecrets(map[string]string{
		"LITERAL":  "plain-value",
		"FROM_ENV": "env://KOMOREBI_TEST_SECRET",
		"FROM_KR":  "keyring://vault/me",
		"ENDPOINT": "https://api.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "plain-value", resolved["LITERAL"])
	assert.Equal(t, "s3cret", resolved["FROM_ENV"])
	assert.Equal(t, "from-keyring", resolved["FROM_KR"])
	assert.Equal(t, "https://api.example.com", resolved["ENDPOINT"], "URLs are literals, not secret refs")
}

func TestResolveSecrets_Failures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing env var", map[string]string{"X": "env://KOMOREBI_DEFINITELY_UNSET_VAR"}},
		{"malformed keyring ref", map[string]string{"X": "keyring://only-service"}},
		{"unknown scheme", map[string]string{"X": "vault://kv/secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveSecrets(tt.env)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestMergeEnv_PreservesPath(t *testing.T) {
	parent := []string{"PATH=/usr/bin:/bin", "HOME=/home/u"}
	merged := mergeEnv(parent, map[string]string{"TOKEN": "abc"})

	assert.Contains(t, merged, "PATH=/usr/bin:/bin")
	assert.Contains(t, merged, "HOME=/home/u")
	assert.Contains(t, merged, "TOKEN=abc")
}

func TestResultText(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"plain string", `"file body"`, "file body"},
		{"content array", `{"content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}`, "line one\nline two"},
		{"list of text", `[{"type":"text","text":"item"}]`, "item"},
		{"fallback to raw json", `{"rows": 3}`, `{"rows": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resultText(json.RawMessage(tt.result)))
		})
	}
}

func TestRecordMalformed_CircuitBreaker(t *testing.T) {
	s := &Session{}
	for i := 0; i < malformedFrameLimit-1; i++ {
		assert.False(t, s.recordMalformed())
	}
	assert.True(t, s.recordMalformed(), "limit within the window trips the breaker")
}

// fakeServerScript is a minimal NDJSON MCP server. Request ids are
// monotonic from 1, so responses can be hardcoded per method.
const fakeServerScript = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      echo '{"jsonrpc":"2.0","id":1,"result":{"capabilities":{},"serverInfo":{"name":"fake","version":"0.1"}}}' ;;
    *'"method":"tools/list"'*)
      echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}' ;;
    *'"method":"tools/call"'*)
      echo '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"hello from tool"}]}}' ;;
    *'"method":"shutdown"'*)
      exit 0 ;;
  esac
done
`

func startFakeSession(t *testing.T, onState StateFunc) *Session {
	t.Helper()
	script := writeFile(t, "fake-mcp.sh", fakeServerScript)
	session, err := StartSession(context.Background(), types.MCPServerConfig{
		Name:    "fake",
		Command: "/bin/sh",
		Args:    []string{script},
	}, 5*time.Second, logging.NewNop(), onState)
	require.NoError(t, err)
	return session
}

func TestSession_HandshakeAndCall(t *testing.T) {
	var mu sync.Mutex
	var states []types.SessionState
	session := startFakeSession(t, func(_ string, state types.SessionState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})
	defer func() { _ = session.Close() }()

	assert.Equal(t, types.SessionReady, session.State())
	tools := session.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := session.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from tool", resultText(result))

	require.NoError(t, session.Close())
	assert.Equal(t, types.SessionClosed, session.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.SessionConnecting, states[0])
	assert.Contains(t, states, types.SessionReady)
	assert.Contains(t, states, types.SessionClosed)
}

// muteServerScript consumes frames and never answers; stdin close
// makes the read fail so the process exits promptly.
const muteServerScript = `#!/bin/sh
while IFS= read -r line; do :; done
`

func TestStartSession_MuteServerTimesOut(t *testing.T) {
	script := writeFile(t, "mute-mcp.sh", muteServerScript)

	start := time.Now()
	_, err := StartSession(context.Background(), types.MCPServerConfig{
		Name:    "mute",
		Command: "/bin/sh",
		Args:    []string{script},
	}, 500*time.Millisecond, logging.NewNop(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "handshake must fail within the call timeout")
}

func TestStartSession_CommandNotFound(t *testing.T) {
	_, err := StartSession(context.Background(), types.MCPServerConfig{
		Name:    "ghost",
		Command: "/nonexistent/komorebi-mcp-server",
	}, time.Second, logging.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrTransportLost)
}

func TestRegistry_StartAllAndClose(t *testing.T) {
	script := writeFile(t, "fake-mcp.sh", fakeServerScript)
	configs := []types.MCPServerConfig{
		{Name: "one", Command: "/bin/sh", Args: []string{script}},
		{Name: "broken", Command: "/nonexistent/komorebi-mcp-server"},
	}

	registry := NewRegistry(configs, 5*time.Second, nil, logging.NewNop())
	registry.StartAll(context.Background())

	session, err := registry.Get("one")
	require.NoError(t, err)
	assert.Equal(t, types.SessionReady, session.State())

	_, err = registry.Get("broken")
	assert.ErrorIs(t, err, types.ErrNotFound, "failed servers never join the registry")

	assert.Len(t, registry.List(), 1)

	registry.Close()
	assert.Equal(t, types.SessionClosed, session.State())
	assert.Empty(t, registry.List())
}
