// Package domain defines the persistence models for chat sessions and their
// multi-variant messages. These types are mapped with GORM and form the core
// data layer of the farmer-assistance backend.
package domain

import "time"

// Message roles. A session's transcript is an ordered sequence of turns, each
// authored by one of these roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession represents a conversation owned by a user. Each session has a
// title (auto-generated from the first message when not provided), an archived
// flag for soft deletion, and an UpdatedAt stamp bumped by every successful
// message mutation inside the session.
//
// Fields:
//   - ID: stable ULID primary key (lexicographically sortable).
//   - UserID: identifier of the session owner; indexed for efficient retrieval.
//   - Title: human-readable session title.
//   - Archived: soft-deletion flag; archived sessions are hidden from default
//     listings but keep their full message history.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type ChatSession struct {
	ID        string    `json:"id"         gorm:"type:char(26);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_sessions"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null;default:'New chat'"`
	Archived  bool      `json:"archived"   gorm:"not null;default:false;index:idx_user_sessions_archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// MessageMeta carries optional generation metadata for assistant messages.
// For error-outcome turns, Model is "error", IsError is true, and ErrorDetail
// holds a short diagnostic string (never shown verbatim to end users).
type MessageMeta struct {
	Model          string `json:"model,omitempty"        gorm:"type:varchar(64)"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	IsError        bool   `json:"is_error,omitempty"`
	ErrorDetail    string `json:"error_detail,omitempty" gorm:"type:varchar(512)"`
}

// ChatMessage represents one candidate variant of a single turn within a
// session. A turn position can hold several variants (the original answer
// plus regenerations); exactly one of them is active and contributes to the
// session's linear transcript.
//
// Invariants maintained by the service layer:
//   - Position is a single per-session sequence shared by all roles, assigned
//     contiguously from 0 in creation order.
//   - VariantIndex values within a (session, position) group are exactly
//     0..n-1 in creation order, with no gaps.
//   - At most one variant per (session, position) group has Active set, and a
//     non-empty group always has exactly one.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - SessionID: foreign key to the owning session (indexed).
//   - Position: turn position within the session.
//   - Role: "user", "assistant", or "system" (enforced by DB constraint).
//   - Content: full text content of the variant.
//   - VariantIndex: ordinal of this variant within its turn group.
//   - Active: whether this variant is the one shown in the transcript.
//   - Meta: optional generation metadata (model, latency, error outcome).
type ChatMessage struct {
	ID           string      `json:"id"            gorm:"type:char(36);primaryKey"`
	SessionID    string      `json:"session_id"    gorm:"type:char(26);not null;index:idx_session_pos,priority:1;uniqueIndex:ux_session_pos_variant,priority:1"`
	Position     int         `json:"position"      gorm:"not null;index:idx_session_pos,priority:2;uniqueIndex:ux_session_pos_variant,priority:2"`
	Role         string      `json:"role"          gorm:"type:varchar(16);not null;check:role IN ('user','assistant','system')"`
	Content      string      `json:"content"       gorm:"type:text;not null"`
	VariantIndex int         `json:"variant_index" gorm:"not null;uniqueIndex:ux_session_pos_variant,priority:3"`
	Active       bool        `json:"active"        gorm:"not null;default:true"`
	Meta         MessageMeta `json:"metadata"      gorm:"embedded;embeddedPrefix:meta_"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	// Session is the parent conversation. Messages are cascade-deleted
	// if their session is removed permanently.
	Session ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

// IsRetryable reports whether this message is a valid regeneration target:
// any assistant-authored variant, including error-outcome turns.
func (m *ChatMessage) IsRetryable() bool { return m.Role == RoleAssistant }

// TranscriptEntry is one step of the reconstructed linear conversation: the
// active variant's role and content at a given position. It is both the shape
// rendered to clients and the exact context handed to the generation gateway.
type TranscriptEntry struct {
	Position int    `json:"position"`
	Role     string `json:"role"`
	Content  string `json:"content"`
}
