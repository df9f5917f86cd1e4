package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest is returned when a caller supplies a malformed request.
// It is the only error the generation path surfaces to callers.
var ErrInvalidRequest = errors.New("invalid request")

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRoles is the set of all valid turn roles.
var ValidRoles = []Role{
	RoleUser,
	RoleAssistant,
	RoleSystem,
}

// IsValid returns true if the role is recognized.
func (r Role) IsValid() bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Turn is a single message in a conversation. Order within a sequence is significant.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// BackendMode selects the routing policy between the local and cloud backends.
type BackendMode string

const (
	ModeLocal  BackendMode = "local"
	ModeCloud  BackendMode = "cloud"
	ModeHybrid BackendMode = "hybrid"
)

// ValidBackendModes is the set of all valid backend modes.
var ValidBackendModes = []BackendMode{
	ModeLocal,
	ModeCloud,
	ModeHybrid,
}

// IsValid returns true if the mode is recognized.
func (m BackendMode) IsValid() bool {
	for _, v := range ValidBackendModes {
		if m == v {
			return true
		}
	}
	return false
}

// ParseBackendMode converts a case-insensitive string into a BackendMode.
func ParseBackendMode(s string) (BackendMode, error) {
	m := BackendMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown backend mode %q: must be one of local, cloud, hybrid", s)
	}
	return m, nil
}

// GenerationRequest is a single generate or chat call. It is not mutated after construction.
type GenerationRequest struct {
	Prompt string `json:"prompt,omitempty"`

	// System overrides the personal-context system prompt when non-nil.
	// A non-nil empty string suppresses the system prompt entirely.
	System *string `json:"system,omitempty"`

	ForceCloud bool `json:"force_cloud,omitempty"`

	// Provider names a cloud provider to use for this request instead of the configured one.
	Provider string `json:"provider,omitempty"`

	History []Turn `json:"history,omitempty"`

	// Metadata is forwarded to the learning pipeline with the recorded turn.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Query is recorded as the user text instead of Prompt when Prompt was rewritten,
	// as retrieval augmentation does.
	Query string `json:"-"`
}

// SystemPrompt returns a pointer suitable for GenerationRequest.System.
func SystemPrompt(s string) *string {
	return &s
}

// ValidateGenerate checks the request for a single-prompt generation.
func (r GenerationRequest) ValidateGenerate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalidRequest)
	}
	return nil
}

// ValidateChat checks the request for a multi-turn chat.
func (r GenerationRequest) ValidateChat() error {
	if len(r.History) == 0 {
		return fmt.Errorf("%w: chat requires at least one turn", ErrInvalidRequest)
	}
	for i, t := range r.History {
		if !t.Role.IsValid() {
			return fmt.Errorf("%w: turn %d has unknown role %q", ErrInvalidRequest, i, t.Role)
		}
	}
	return nil
}

// UserText is the text recorded as the user side of a generate exchange.
func (r GenerationRequest) UserText() string {
	if r.Query != "" {
		return r.Query
	}
	return r.Prompt
}

// LastTurn returns the content of the final turn, or "" when there is none.
func (r GenerationRequest) LastTurn() string {
	if len(r.History) == 0 {
		return ""
	}
	return r.History[len(r.History)-1].Content
}

// LastUserTurn returns the content of the most recent user turn.
func (r GenerationRequest) LastUserTurn() (string, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == RoleUser {
			return r.History[i].Content, true
		}
	}
	return "", false
}

// HasSystemTurn reports whether any turn in the history has the system role.
func (r GenerationRequest) HasSystemTurn() bool {
	for _, t := range r.History {
		if t.Role == RoleSystem {
			return true
		}
	}
	return false
}
