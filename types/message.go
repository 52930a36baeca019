// Package types provides core types used across the sessionflow gateway.
// This package has ZERO dependencies on other sessionflow packages to avoid
// circular imports. All other packages should import types from here.
package types

import "encoding/json"

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents a tool invocation request from the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Content part kinds accepted on the OpenAI edge.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartFile     = "file"
)

// ImageRef references an image by URL or data URI.
type ImageRef struct {
	URL string `json:"url"`
}

// FileRef references an uploaded file by id.
type FileRef struct {
	FileID string `json:"file_id"`
}

// ContentPart is one element of a multi-part message content array.
// Exactly one of Text/ImageURL/File is set, keyed by Type.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
	File     *FileRef  `json:"file,omitempty"`
}

// Message represents a conversation message. Content holds plain string
// content; Parts is non-nil when the client sent an array of parts. The two
// are mutually exclusive — adapters consult Parts first.
type Message struct {
	Role             Role          `json:"role"`
	Content          string        `json:"content,omitempty"`
	Parts            []ContentPart `json:"parts,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Name             string        `json:"name,omitempty"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string        `json:"tool_call_id,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// PlainText flattens the message content to a single string: Parts of type
// text are concatenated in order; non-text parts contribute nothing.
func (m Message) PlainText() string {
	if m.Parts == nil {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ImageURLs returns the image references carried by the message parts, in
// order. Returns nil when the message has no image parts.
func (m Message) ImageURLs() []string {
	var urls []string
	for _, p := range m.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}
