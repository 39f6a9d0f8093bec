package models

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

type PartType string

const (
	PartText       PartType = "text"
	PartAsset      PartType = "asset"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartFile       PartType = "file"
	PartThinking   PartType = "thinking"
)

// Part is a tagged variant. Type selects which one of the payload fields
// is populated; text and thinking parts use Text.
type Part struct {
	Type       PartType       `json:"type"`
	Text       string         `json:"text,omitempty"`
	Asset      *AssetRef      `json:"asset,omitempty"`
	ToolCall   *ToolCall      `json:"tool_call,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	File       *FileRef       `json:"file,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type AssetRef struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"s3_key"`
	SHA256   string `json:"sha256"`
	MIME     string `json:"mime"`
	SizeB    int64  `json:"size_b"`
	Filename string `json:"filename,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// FileRef points at content that is not (yet) an asset: an upload field of
// the current request, inline bytes, or an external URL.
type FileRef struct {
	FileField string `json:"file_field,omitempty"`
	URL       string `json:"url,omitempty"`
	MIME      string `json:"mime,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// Data carries inline bytes decoded from a provider payload until the
	// ingestion path turns them into an asset. Never serialized.
	Data []byte `json:"-"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ToolCallPart(id, name string, args json.RawMessage) Part {
	return Part{Type: PartToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

func ToolResultPart(callID, content string, isError bool) Part {
	return Part{Type: PartToolResult, ToolResult: &ToolResult{ToolCallID: callID, Content: content, IsError: isError}}
}

// Validate enforces that exactly the variant named by Type is populated.
func (p Part) Validate() error {
	populated := 0
	if p.Asset != nil {
		populated++
	}
	if p.ToolCall != nil {
		populated++
	}
	if p.ToolResult != nil {
		populated++
	}
	if p.File != nil {
		populated++
	}

	switch p.Type {
	case PartText, PartThinking:
		if populated != 0 {
			return fmt.Errorf("%s part must only carry text", p.Type)
		}
		if p.Text == "" {
			return fmt.Errorf("%s part has empty text", p.Type)
		}
		return nil
	case PartAsset:
		if p.Asset == nil || populated != 1 || p.Text != "" {
			return fmt.Errorf("asset part must carry exactly an asset")
		}
		if p.Asset.Key == "" {
			return fmt.Errorf("asset part missing key")
		}
	case PartToolCall:
		if p.ToolCall == nil || populated != 1 || p.Text != "" {
			return fmt.Errorf("tool-call part must carry exactly a tool call")
		}
		if p.ToolCall.Name == "" {
			return fmt.Errorf("tool-call part missing name")
		}
	case PartToolResult:
		if p.ToolResult == nil || populated != 1 || p.Text != "" {
			return fmt.Errorf("tool-result part must carry exactly a tool result")
		}
	case PartFile:
		if p.File == nil || populated != 1 || p.Text != "" {
			return fmt.Errorf("file part must carry exactly a file reference")
		}
		if p.File.FileField == "" && p.File.URL == "" && len(p.File.Data) == 0 {
			return fmt.Errorf("file part needs file_field, url or data")
		}
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	return nil
}
