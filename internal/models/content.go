// Package models provides data model definitions for Nova chat sync.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// UUID is a wrapper around string for row identifier type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// ContentKind tags the variant held by a Content value.
type ContentKind string

const (
	ContentKindText       ContentKind = "text"
	ContentKindStructured ContentKind = "structured"
)

// Attachment is a file reference carried by a structured message payload.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Content is the body of a message. It is either TextContent or
// StructuredContent; the set of variants is closed.
type Content interface {
	Kind() ContentKind
	PlainText() string
	Attachments() []Attachment

	isContent()
}

// TextContent is a plain text message body.
type TextContent string

func (TextContent) Kind() ContentKind { return ContentKindText }
func (c TextContent) PlainText() string { return string(c) }
func (TextContent) Attachments() []Attachment { return nil }
func (TextContent) isContent() {}

// StructuredContent is a rich payload: a type tag, the text part, and
// optional attachments.
type StructuredContent struct {
	Type  string       `json:"type"`
	Text  string       `json:"text"`
	Files []Attachment `json:"attachments,omitempty"`
}

func (StructuredContent) Kind() ContentKind { return ContentKindStructured }
func (c StructuredContent) PlainText() string { return c.Text }
func (c StructuredContent) Attachments() []Attachment { return c.Files }
func (StructuredContent) isContent() {}

// DecodeContent parses a stored or wire content string. A JSON object with
// a "type" or "text" field becomes StructuredContent; anything else is
// kept verbatim as TextContent.
func DecodeContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return TextContent(raw)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return TextContent(raw)
	}
	_, hasType := fields["type"]
	_, hasText := fields["text"]
	if !hasType && !hasText {
		return TextContent(raw)
	}

	var sc StructuredContent
	if err := json.Unmarshal([]byte(trimmed), &sc); err != nil {
		return TextContent(raw)
	}
	if sc.Type == "" {
		sc.Type = "text"
	}
	return sc
}

// EncodeContent serializes content for storage and the wire. TextContent is
// stored as-is so plain messages stay readable by older clients.
func EncodeContent(c Content) string {
	switch v := c.(type) {
	case nil:
		return ""
	case TextContent:
		return string(v)
	case StructuredContent:
		data, err := json.Marshal(v)
		if err != nil {
			return v.Text
		}
		return string(data)
	default:
		return c.PlainText()
	}
}
