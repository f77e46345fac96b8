// Package mcp aggregates external Model-Context-Protocol servers:
// declarative config, secret resolution, stdio JSON-RPC sessions,
// parallel startup, and tool-result capture back into the pipeline.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"komorebi/pkg/types"
)

// serversFile is the on-disk shape of the MCP config file
type serversFile struct {
	Servers []types.MCPServerConfig `json:"servers" yaml:"servers"`
}

// LoadServersFile reads the declarative server list from a JSON or
// YAML file, chosen by extension. Disabled servers are skipped; names
// must be unique among the enabled ones.
func LoadServersFile(path string) ([]types.MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read mcp config %s: %v", types.ErrValidation, path, err)
	}

	var file serversFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse mcp config %s: %v", types.ErrValidation, path, err)
	}

	enabled := make([]types.MCPServerConfig, 0, len(file.Servers))
	seen := make(map[string]bool, len(file.Servers))
	for _, server := range file.Servers {
		if server.Disabled {
			continue
		}
		if err := server.Validate(); err != nil {
			return nil, err
		}
		if seen[server.Name] {
			return nil, fmt.Errorf("%w: duplicate mcp server name %q", types.ErrValidation, server.Name)
		}
		seen[server.Name] = true
		enabled = append(enabled, server)
	}
	return enabled, nil
}
