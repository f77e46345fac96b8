package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"komorebi/internal/capture"
	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

// ServerTool is one tool qualified by the server exposing it
type ServerTool struct {
	Server string               `json:"server"`
	Tool   types.ToolDescriptor `json:"tool"`
	State  types.SessionState   `json:"state"`
}

// CallResult carries the tool result and, when capture was requested,
// the id of the chunk it produced.
type CallResult struct {
	Result          json.RawMessage `json:"result"`
	CapturedChunkID *string         `json:"captured_chunk_id,omitempty"`
}

// Service layers tool aggregation on the registry and feeds captured
// tool output back into the pipeline as ordinary chunks.
type Service struct {
	registry *Registry
	capture  *capture.Service
	logger   logging.Logger
}

// NewService creates the MCP service
func NewService(registry *Registry, captureService *capture.Service, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		registry: registry,
		capture:  captureService,
		logger:   logger.WithComponent("mcp.service"),
	}
}

// ListTools flattens every live server's catalogue
func (s *Service) ListTools() []ServerTool {
	var tools []ServerTool
	for _, session := range s.registry.List() {
		state := session.State()
		for _, tool := range session.Tools() {
			tools = append(tools, ServerTool{Server: session.Name(), Tool: tool, State: state})
		}
	}
	return tools
}

// CallTool invokes a tool on a named server. With capture enabled the
// result's text view becomes a new inbox chunk tagged with the tool
// and sourced as mcp:<server>:<tool>.
func (s *Service) CallTool(ctx context.Context, server, tool string, arguments map[string]any, captureResult bool, projectID *string) (*CallResult, error) {
	session, err := s.registry.Get(server)
	if err != nil {
		return nil, err
	}
	if session.State() != types.SessionReady {
		return nil, fmt.Errorf("%w: mcp server %q is %s", types.ErrServerNotReady, server, session.State())
	}

	result, err := session.CallTool(ctx, tool, arguments)
	if err != nil {
		return nil, err
	}

	out := &CallResult{Result: result}
	if captureResult && s.capture != nil {
		text := resultText(result)
		if text != "" {
			source := fmt.Sprintf("mcp:%s:%s", server, tool)
			chunk, captureErr := s.capture.Capture(ctx, &types.ChunkDraft{
				Content:   text,
				ProjectID: projectID,
				Tags:      []string{tool},
				Source:    &source,
			})
			if chunk != nil {
				out.CapturedChunkID = &chunk.ID
			}
			if captureErr != nil {
				s.logger.WarnContext(ctx, "tool result capture degraded",
					"server", server, "tool", tool, "error", captureErr.Error())
			}
		}
	}
	return out, nil
}

// resultText extracts a text view of a tool result, walking the known
// MCP response shapes before falling back to raw JSON.
func resultText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(result, &plain); err == nil {
		return plain
	}

	// {content: [{type: "text", text: "..."}]}
	var structured struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &structured); err == nil && len(structured.Content) > 0 {
		var parts []string
		for _, item := range structured.Content {
			if item.Type == "text" && item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	// bare list of text items
	var list []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(result, &list); err == nil && len(list) > 0 {
		var parts []string
		for _, item := range list {
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	return string(result)
}
