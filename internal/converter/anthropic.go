package converter

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

// Anthropic Messages API shape. Content is a string or an array of blocks.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Signature string           `json:"signature,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

func decodeAnthropic(blob json.RawMessage, opts DecodeOptions) (Message, error) {
	var wire anthropicMessage
	if err := json.Unmarshal(blob, &wire); err != nil {
		return Message{}, err
	}

	var role models.Role
	switch wire.Role {
	case "user":
		role = models.RoleUser
	case "assistant":
		role = models.RoleAssistant
	default:
		return Message{}, fmt.Errorf("unsupported role %q", wire.Role)
	}

	var text string
	if err := json.Unmarshal(wire.Content, &text); err == nil {
		var parts []models.Part
		if text != "" {
			parts = append(parts, models.TextPart(text))
		}
		return Message{Role: role, Parts: parts}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(wire.Content, &blocks); err != nil {
		return Message{}, errors.New("content must be a string or an array of blocks")
	}

	parts := make([]models.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, models.TextPart(b.Text))
			}
		case "image", "document":
			ref, err := anthropicFileRef(b.Source)
			if err != nil {
				return Message{}, err
			}
			if ref != nil {
				parts = append(parts, models.Part{Type: models.PartFile, File: ref})
			}
		case "tool_use":
			if role != models.RoleAssistant {
				continue
			}
			var args json.RawMessage
			if len(b.Input) > 0 && string(b.Input) != "null" {
				args = b.Input
			}
			parts = append(parts, models.ToolCallPart(b.ID, b.Name, args))
		case "tool_result":
			if role != models.RoleUser {
				continue
			}
			content, err := anthropicResultText(b.Content)
			if err != nil {
				return Message{}, err
			}
			parts = append(parts, models.ToolResultPart(b.ToolUseID, content, b.IsError))
		case "thinking":
			if !opts.KeepThinking || b.Thinking == "" {
				continue
			}
			p := models.Part{Type: models.PartThinking, Text: b.Thinking}
			if b.Signature != "" {
				p.Meta = map[string]any{"signature": b.Signature}
			}
			parts = append(parts, p)
		default:
			// redacted_thinking and unknown block types are skipped
		}
	}
	return Message{Role: role, Parts: parts}, nil
}

func anthropicFileRef(src *anthropicSource) (*models.FileRef, error) {
	if src == nil {
		return nil, nil
	}
	switch src.Type {
	case "base64":
		data, err := base64.StdEncoding.DecodeString(src.Data)
		if err != nil {
			return nil, fmt.Errorf("decode base64 source: %w", err)
		}
		return &models.FileRef{MIME: src.MediaType, Data: data}, nil
	case "url":
		return &models.FileRef{URL: src.URL, MIME: src.MediaType}, nil
	}
	return nil, nil
}

// anthropicResultText normalizes tool_result content (string or text
// blocks) to a single string.
func anthropicResultText(content json.RawMessage) (string, error) {
	if len(content) == 0 || string(content) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", errors.New("tool_result content must be a string or an array of blocks")
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

func encodeAnthropic(msg Message, opts EncodeOptions) (json.RawMessage, error) {
	role := "user"
	if msg.Role == models.RoleAssistant {
		role = "assistant"
	}

	blocks := make([]anthropicBlock, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case models.PartThinking:
			if role != "assistant" {
				continue
			}
			b := anthropicBlock{Type: "thinking", Thinking: p.Text}
			if sig, ok := p.Meta["signature"].(string); ok {
				b.Signature = sig
			}
			blocks = append(blocks, b)
		case models.PartToolCall:
			if role != "assistant" {
				continue
			}
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: anthropicInput(p.ToolCall.Arguments),
			})
		case models.PartToolResult:
			if role != "user" {
				continue
			}
			content, _ := json.Marshal(p.ToolResult.Content)
			blocks = append(blocks, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolResult.ToolCallID,
				Content:   content,
				IsError:   p.ToolResult.IsError,
			})
		case models.PartFile:
			if b, ok := anthropicFileBlock(p.File); ok {
				blocks = append(blocks, b)
			}
		case models.PartAsset:
			if opts.AssetURL == nil {
				continue
			}
			blocks = append(blocks, anthropicBlock{
				Type:   anthropicMediaBlock(p.Asset.MIME),
				Source: &anthropicSource{Type: "url", URL: opts.AssetURL(*p.Asset)},
			})
		}
	}

	content, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	return json.Marshal(anthropicMessage{Role: role, Content: content})
}

// anthropicInput must be a JSON object; raw non-object arguments are
// wrapped so they are not lost.
func anthropicInput(args json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(trimmed, "{") {
		return args
	}
	b, _ := json.Marshal(map[string]json.RawMessage{"raw": args})
	return b
}

func anthropicFileBlock(f *models.FileRef) (anthropicBlock, bool) {
	if f == nil {
		return anthropicBlock{}, false
	}
	switch {
	case f.URL != "":
		return anthropicBlock{
			Type:   anthropicMediaBlock(f.MIME),
			Source: &anthropicSource{Type: "url", URL: f.URL, MediaType: f.MIME},
		}, true
	case len(f.Data) > 0:
		return anthropicBlock{
			Type: anthropicMediaBlock(f.MIME),
			Source: &anthropicSource{
				Type:      "base64",
				MediaType: f.MIME,
				Data:      base64.StdEncoding.EncodeToString(f.Data),
			},
		}, true
	}
	return anthropicBlock{}, false
}

func anthropicMediaBlock(mime string) string {
	if mime == "" || strings.HasPrefix(mime, "image/") {
		return "image"
	}
	return "document"
}
