// Package chat defines the shared data model for mirrored IDE conversations:
// instances, conversations, turns, and the content sections a turn is made of.
// These types cross the boundary between the CDP snapshot provider, the
// topology registry, and the mirroring engine.
package chat

import "strings"

// SectionKind classifies one forwardable piece of an assistant turn.
type SectionKind string

const (
	KindText         SectionKind = "text"
	KindThinking     SectionKind = "thinking"
	KindTable        SectionKind = "table"
	KindCodeBlock    SectionKind = "code_block"
	KindFileEdit     SectionKind = "file_edit"
	KindConfirmation SectionKind = "confirmation"
)

// ParseSectionKind maps a raw kind string from the DOM snapshot to a
// SectionKind. Unknown kinds degrade to plain text rather than erroring.
func ParseSectionKind(s string) SectionKind {
	switch SectionKind(s) {
	case KindText, KindThinking, KindTable, KindCodeBlock, KindFileEdit, KindConfirmation:
		return SectionKind(s)
	default:
		return KindText
	}
}

// Renderable reports whether sections of this kind should be forwarded as an
// element screenshot when possible (falling back to text).
func (k SectionKind) Renderable() bool {
	switch k {
	case KindTable, KindCodeBlock, KindFileEdit, KindConfirmation:
		return true
	default:
		return false
	}
}

// Section is one content unit of a turn's response. IDs are stable across
// repeated polls of the same open turn; the text may still be streaming.
type Section struct {
	ID   string      `json:"id"`
	Kind SectionKind `json:"kind"`
	Text string      `json:"text"`

	// Locator is a CSS selector for fetching a rendered representation of
	// the section. Empty for plain text and thinking sections.
	Locator string `json:"selector,omitempty"`

	// Confirmation sections carry the selectable actions as advertised in
	// the client UI.
	Actions []Action `json:"actions,omitempty"`
}

// Action is one selectable choice on a confirmation section.
type Action struct {
	Label   string `json:"label"`
	Locator string `json:"locator"`
}

// Snapshot is the current state of a conversation's latest turn, as returned
// by the snapshot provider. Purely a query result; the engine keeps no
// persistent turn objects.
type Snapshot struct {
	TurnID           string    `json:"turn_id"`
	UserText         string    `json:"user_text"`
	Sections         []Section `json:"sections"`
	Attachments      []string  `json:"attachments,omitempty"`
	ConversationName string    `json:"conversation_name"`
}

// ConversationInfo describes one conversation as observed during a scan.
// The ID is opaque and may be reassigned across scans; the Fingerprint (the
// id of the last user-authored message) survives renames and moves.
type ConversationInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// InstanceInfo describes one running client instance as enumerated over the
// introspection endpoint.
type InstanceInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Label string `json:"label,omitempty"`
	WSURL string `json:"ws_url"`
}

// SessionRef identifies one conversation inside one instance. Conversation
// ids are unique only within their owning instance, so both halves are
// required.
type SessionRef struct {
	InstanceID     string `json:"instance_id"`
	ConversationID string `json:"conversation_id"`
}

// IsZero reports whether the ref points at nothing.
func (r SessionRef) IsZero() bool {
	return r.InstanceID == "" && r.ConversationID == ""
}

// ParseWorkspaceTitle extracts the workspace label from a client window
// title. Titles look like "file.go - Workspace - Cursor" with the workspace
// always second-to-last; a bare product name has no workspace.
func ParseWorkspaceTitle(title string) string {
	parts := strings.Split(title, " - ")
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-2])
}
