package converter

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

// OpenAI Chat Completions message shape. Content is polymorphic: a plain
// string or an array of typed content parts.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func decodeOpenAI(blob json.RawMessage) (Message, error) {
	var wire openaiMessage
	if err := json.Unmarshal(blob, &wire); err != nil {
		return Message{}, err
	}

	switch wire.Role {
	case "user":
		parts, err := openaiContentParts(wire.Content)
		if err != nil {
			return Message{}, err
		}
		// tool_calls on a user message are not valid; dropped.
		return Message{Role: models.RoleUser, Parts: parts}, nil

	case "assistant":
		parts, err := openaiContentParts(wire.Content)
		if err != nil {
			return Message{}, err
		}
		for _, tc := range wire.ToolCalls {
			if tc.Type != "" && tc.Type != "function" {
				continue
			}
			parts = append(parts, models.ToolCallPart(tc.ID, tc.Function.Name, parseArguments(tc.Function.Arguments)))
		}
		return Message{Role: models.RoleAssistant, Parts: parts}, nil

	case "tool":
		// A tool output is the user side of the exchange in the canonical model.
		content, err := openaiContentText(wire.Content)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Role:  models.RoleUser,
			Parts: []models.Part{models.ToolResultPart(wire.ToolCallID, content, false)},
		}, nil
	}
	return Message{}, fmt.Errorf("unsupported role %q", wire.Role)
}

func openaiContentParts(content json.RawMessage) ([]models.Part, error) {
	if len(content) == 0 || string(content) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []models.Part{models.TextPart(text)}, nil
	}

	var items []openaiContentPart
	if err := json.Unmarshal(content, &items); err != nil {
		return nil, errors.New("content must be a string or an array of parts")
	}
	parts := make([]models.Part, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case "text":
			if it.Text != "" {
				parts = append(parts, models.TextPart(it.Text))
			}
		case "image_url":
			if it.ImageURL == nil || it.ImageURL.URL == "" {
				continue
			}
			ref, err := fileRefFromURL(it.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, models.Part{Type: models.PartFile, File: ref})
		default:
			// unknown part types are skipped for forward compatibility
		}
	}
	return parts, nil
}

// openaiContentText flattens tool output content to a single string.
func openaiContentText(content json.RawMessage) (string, error) {
	if len(content) == 0 || string(content) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text, nil
	}
	var items []openaiContentPart
	if err := json.Unmarshal(content, &items); err != nil {
		return "", errors.New("tool content must be a string or an array of parts")
	}
	var texts []string
	for _, it := range items {
		if it.Type == "text" {
			texts = append(texts, it.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// fileRefFromURL understands data: URLs and keeps anything else as a link.
func fileRefFromURL(url string) (*models.FileRef, error) {
	if !strings.HasPrefix(url, "data:") {
		return &models.FileRef{URL: url}, nil
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("only base64 data urls are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return &models.FileRef{MIME: strings.TrimSuffix(header, ";base64"), Data: data}, nil
}

func encodeOpenAI(msg Message, opts EncodeOptions) ([]json.RawMessage, error) {
	var wires []openaiMessage
	switch msg.Role {
	case models.RoleAssistant:
		wires = []openaiMessage{openaiAssistant(msg, opts)}
	default:
		wires = openaiUser(msg, opts)
	}

	out := make([]json.RawMessage, 0, len(wires))
	for _, w := range wires {
		b, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func openaiAssistant(msg Message, opts EncodeOptions) openaiMessage {
	wire := openaiMessage{Role: "assistant"}
	var content []openaiContentPart
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			content = append(content, openaiContentPart{Type: "text", Text: p.Text})
		case models.PartToolCall:
			wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
				ID:   p.ToolCall.ID,
				Type: "function",
				Function: openaiToolFunction{
					Name:      p.ToolCall.Name,
					Arguments: argumentsString(p.ToolCall.Arguments),
				},
			})
		}
		// assistant messages cannot carry images or tool results here
	}
	wire.Content = openaiContent(content)
	return wire
}

// openaiUser emits pending user content before each tool result so the
// relative order of parts is kept.
func openaiUser(msg Message, opts EncodeOptions) []openaiMessage {
	var (
		out     []openaiMessage
		pending []openaiContentPart
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, openaiMessage{Role: "user", Content: openaiContent(pending)})
		pending = nil
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText:
			pending = append(pending, openaiContentPart{Type: "text", Text: p.Text})
		case models.PartFile:
			if url := fileRefURL(p.File); url != "" {
				pending = append(pending, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: url}})
			}
		case models.PartAsset:
			if opts.AssetURL != nil && strings.HasPrefix(p.Asset.MIME, "image/") {
				pending = append(pending, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: opts.AssetURL(*p.Asset)}})
			}
		case models.PartToolResult:
			flush()
			content, _ := json.Marshal(p.ToolResult.Content)
			out = append(out, openaiMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: p.ToolResult.ToolCallID,
			})
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, openaiMessage{Role: "user", Content: json.RawMessage(`""`)})
	}
	return out
}

// openaiContent uses the plain string form for a lone text part.
func openaiContent(parts []openaiContentPart) json.RawMessage {
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		b, _ := json.Marshal(parts[0].Text)
		return b
	}
	b, _ := json.Marshal(parts)
	return b
}

func fileRefURL(f *models.FileRef) string {
	if f == nil {
		return ""
	}
	if f.URL != "" {
		return f.URL
	}
	if len(f.Data) > 0 {
		mime := f.MIME
		if mime == "" {
			mime = "application/octet-stream"
		}
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
	}
	return ""
}
