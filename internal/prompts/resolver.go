package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Getter is the interface that wraps GetParameter. Consumers depend on this
// interface rather than the concrete *ParamStore so they remain testable
// without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Resolver maps (prompt id, version) pairs onto parameter names under a fixed
// prefix and returns the stored prompt text. Versioned prompts live one path
// segment below the unversioned ones.
type Resolver struct {
	params Getter
	prefix string
}

// NewResolver creates a Resolver reading below the given parameter prefix.
func NewResolver(params Getter, prefix string) (*Resolver, error) {
	if params == nil {
		return nil, errors.New("prompts: param getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("prompts: parameter prefix must not be empty")
	}
	return &Resolver{params: params, prefix: prefix}, nil
}

func (r *Resolver) parameterName(id, version string) string {
	name := r.prefix + "/" + strings.Trim(strings.TrimSpace(id), "/")
	if v := strings.TrimSpace(version); v != "" {
		name += "/" + v
	}
	return name
}

// GetPrompt returns the prompt text for the given id and optional version.
// A missing parameter surfaces as an error wrapping ErrNotFound.
func (r *Resolver) GetPrompt(ctx context.Context, id, version string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("prompts: prompt id must not be empty")
	}
	text, err := r.params.GetParameter(ctx, r.parameterName(id, version))
	if err != nil {
		return "", fmt.Errorf("prompts: resolve prompt %q: %w", id, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("prompts: prompt %q has empty text: %w", id, ErrNotFound)
	}
	return text, nil
}

// GetPrompts returns the system and user prompt texts for one request.
func (r *Resolver) GetPrompts(ctx context.Context, sysID, sysVersion, userID, userVersion string) (string, string, error) {
	systemText, err := r.GetPrompt(ctx, sysID, sysVersion)
	if err != nil {
		return "", "", err
	}
	userText, err := r.GetPrompt(ctx, userID, userVersion)
	if err != nil {
		return "", "", err
	}
	return systemText, userText, nil
}
