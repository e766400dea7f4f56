package persistence

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"time"
)

type SessionKind string

const (
	KindCompetition SessionKind = "competition"
	KindEnsemble    SessionKind = "ensemble"
	KindDebate      SessionKind = "debate"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPaused    SessionStatus = "paused"
)

type InstanceStatus string

const (
	InstanceIdle      InstanceStatus = "idle"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstancePaused    InstanceStatus = "paused"
	InstanceArchived  InstanceStatus = "archived"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MaxMessageContent bounds chat message content. Captured instance output
// is intentionally unbounded; messages are interactive dialogue turns.
const MaxMessageContent = 1 << 20

// Session is one multi-agent execution run. JSON tags match the legacy
// per-workspace file format, which uses camelCase keys; timestamps stay
// ISO-8601 strings end to end so the legacy mirror and the relational
// store serialize identically.
type Session struct {
	ID          string        `json:"id"`
	Kind        SessionKind   `json:"type"`
	Task        string        `json:"task"`
	Status      SessionStatus `json:"status"`
	CreatedAt   string        `json:"createdAt"`
	UpdatedAt   string        `json:"updatedAt"`
	CompletedAt *string       `json:"completedAt"`

	Model             *string  `json:"model,omitempty"`
	TimeoutSeconds    *int     `json:"timeoutSeconds,omitempty"`
	PreserveWorktrees *bool    `json:"preserveWorktrees,omitempty"`
	WinnerID          *int     `json:"winnerId,omitempty"`
	RuntimeMix        []string `json:"runtimeMix,omitempty"`

	TotalDuration     *int64 `json:"totalDuration,omitempty"`
	TotalFilesChanged *int   `json:"totalFilesChanged,omitempty"`
	TotalLinesAdded   *int   `json:"totalLinesAdded,omitempty"`
	TotalLinesDeleted *int   `json:"totalLinesDeleted,omitempty"`

	Instances   []Instance    `json:"instances"`
	ChatHistory []ChatMessage `json:"chatHistory"`

	// InstanceCount and MessageCount carry the maintained counter columns
	// on lightweight list rows, where the slices above stay unloaded. They
	// are derived state, so the legacy JSON format never serializes them.
	InstanceCount int `json:"-"`
	MessageCount  int `json:"-"`
}

// Instance is one parallel agent run inside a session. Ordinal is the
// caller-visible instance number; the surrogate row id never leaves the
// store.
type Instance struct {
	Ordinal       int            `json:"instanceId"`
	WorktreePath  string         `json:"worktreePath"`
	Branch        string         `json:"branch"`
	AgentName     string         `json:"agentName"`
	Status        InstanceStatus `json:"status"`
	TmuxSessionID string         `json:"tmuxSessionId"`
	Output        *string        `json:"output"`
	StartTime     *string        `json:"startTime"`
	EndTime       *string        `json:"endTime"`
	FilesChanged  *int           `json:"filesChanged,omitempty"`
	LinesAdded    *int           `json:"linesAdded,omitempty"`
	LinesDeleted  *int           `json:"linesDeleted,omitempty"`
	Runtime       *string        `json:"runtime,omitempty"`
	Model         *string        `json:"model,omitempty"`
	RuntimeLabel  *string        `json:"runtimeLabel,omitempty"`
}

// ChatMessage is one dialogue turn, optionally tied to an instance by
// ordinal. Ordering is by timestamp with rowid breaking ties.
type ChatMessage struct {
	ID              string      `json:"id"`
	Role            MessageRole `json:"role"`
	Content         string      `json:"content"`
	Timestamp       string      `json:"timestamp"`
	InstanceOrdinal *int        `json:"instanceId,omitempty"`
}

// Workspace maps the one-way path hash back to a human-meaningful path.
type Workspace struct {
	Hash         string `json:"hash"`
	Path         string `json:"path"`
	LastAccessed string `json:"lastAccessed"`
}

func validKind(k SessionKind) bool {
	switch k {
	case KindCompetition, KindEnsemble, KindDebate:
		return true
	}
	return false
}

func validSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionRunning, SessionCompleted, SessionFailed, SessionPaused:
		return true
	}
	return false
}

func validInstanceStatus(s InstanceStatus) bool {
	switch s {
	case InstanceIdle, InstanceRunning, InstanceCompleted, InstanceFailed, InstancePaused, InstanceArchived:
		return true
	}
	return false
}

func validRole(r MessageRole) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Validate enforces every invariant expressible without touching storage:
// enum membership, ordinal uniqueness, the completed_at/status pairing,
// winner and message references resolving to a declared instance, and
// bounded message content.
func (s *Session) Validate() error {
	if s.ID == "" {
		return validationf("session id is required")
	}
	if !validKind(s.Kind) {
		return validationf("session %s: unknown kind %q", s.ID, s.Kind)
	}
	if !validSessionStatus(s.Status) {
		return validationf("session %s: unknown status %q", s.ID, s.Status)
	}
	terminal := s.Status == SessionCompleted || s.Status == SessionFailed
	if terminal && s.CompletedAt == nil {
		return validationf("session %s: status %s requires completedAt", s.ID, s.Status)
	}
	if !terminal && s.CompletedAt != nil {
		return validationf("session %s: completedAt set but status is %s", s.ID, s.Status)
	}

	ordinals := make(map[int]bool, len(s.Instances))
	for _, inst := range s.Instances {
		if ordinals[inst.Ordinal] {
			return validationf("session %s: duplicate instance ordinal %d", s.ID, inst.Ordinal)
		}
		ordinals[inst.Ordinal] = true
		if !validInstanceStatus(inst.Status) {
			return validationf("session %s instance %d: unknown status %q", s.ID, inst.Ordinal, inst.Status)
		}
	}
	if s.WinnerID != nil && !ordinals[*s.WinnerID] {
		return validationf("session %s: winner %d is not an instance of this session", s.ID, *s.WinnerID)
	}

	for _, msg := range s.ChatHistory {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("session %s: %w", s.ID, err)
		}
		if msg.InstanceOrdinal != nil && !ordinals[*msg.InstanceOrdinal] {
			return validationf("session %s message %s: instance %d is not part of this session", s.ID, msg.ID, *msg.InstanceOrdinal)
		}
	}
	return nil
}

func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return validationf("message id is required")
	}
	if !validRole(m.Role) {
		return validationf("message %s: unknown role %q", m.ID, m.Role)
	}
	if len(m.Content) > MaxMessageContent {
		return validationf("message %s: content exceeds %d bytes", m.ID, MaxMessageContent)
	}
	return nil
}

// NowUTC returns the engine's canonical timestamp format.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// WorkspaceHash derives the one-way workspace identifier: SHA-256 of the
// canonicalized path, truncated to 16 hex chars. Symlinks are resolved
// and trailing slashes trimmed so equivalent spellings hash identically;
// paths that do not exist yet fall back to the cleaned literal.
func WorkspaceHash(workspacePath string) string {
	normalized := workspacePath
	if resolved, err := filepath.EvalSymlinks(workspacePath); err == nil {
		if abs, err := filepath.Abs(resolved); err == nil {
			normalized = abs
		}
	}
	for len(normalized) > 1 && normalized[len(normalized)-1] == '/' {
		normalized = normalized[:len(normalized)-1]
	}
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum)[:16]
}
