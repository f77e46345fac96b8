package mcp

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"komorebi/pkg/types"
)

const (
	envScheme     = "env://"
	keyringScheme = "keyring://"
)

// keyringLookup is swapped in tests; the default hits the host keyring.
var keyringLookup = keyring.Get

// ResolveSecrets materialises the env map of one server. Values of the
// form env://NAME come from the process environment, keyring://service/user
// from the host keyring; everything else is passed through literally.
// A missing secret fails that server's startup only.
func ResolveSecrets(env map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(env))
	for key, value := range env {
		secret, err := resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("resolve env %s: %w", key, err)
		}
		resolved[key] = secret
	}
	return resolved, nil
}

func resolveValue(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, envScheme):
		name := strings.TrimPrefix(value, envScheme)
		secret, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s is not set", types.ErrValidation, name)
		}
		return secret, nil

	case strings.HasPrefix(value, keyringScheme):
		ref := strings.TrimPrefix(value, keyringScheme)
		service, user, ok := strings.Cut(ref, "/")
		if !ok || service == "" || user == "" {
			return "", fmt.Errorf("%w: keyring reference %q must be keyring://service/user", types.ErrValidation, value)
		}
		secret, err := keyringLookup(service, user)
		if err != nil {
			return "", fmt.Errorf("%w: keyring lookup %s/%s: %v", types.ErrValidation, service, user, err)
		}
		return secret, nil

	case strings.Contains(value, "://") && looksLikeSecretScheme(value):
		return "", fmt.Errorf("%w: unknown secret scheme in %q", types.ErrValidation, value)

	default:
		return value, nil
	}
}

// looksLikeSecretScheme distinguishes unknown secret URIs from plain
// values that legitimately contain :// (an http endpoint, say).
func looksLikeSecretScheme(value string) bool {
	scheme, _, _ := strings.Cut(value, "://")
	switch strings.ToLower(scheme) {
	case "http", "https", "ws", "wss", "postgres", "postgresql", "sqlite", "file", "redis":
		return false
	}
	return true
}
