// Package converter maps between the canonical part model and the external
// message shapes clients send and read.
package converter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/models"
)

type Format string

const (
	FormatNative    Format = "acontext"
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
)

// ParseFormat accepts the wire names of the supported formats. An empty
// string selects the native format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatNative:
		return FormatNative, nil
	case FormatOpenAI:
		return FormatOpenAI, nil
	case FormatAnthropic:
		return FormatAnthropic, nil
	}
	return "", common.ValidationError(fmt.Sprintf("unsupported format %q", s), nil)
}

// Message is the canonical, format-independent shape of a message.
type Message struct {
	Role  models.Role    `json:"role"`
	Parts []models.Part  `json:"parts"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type DecodeOptions struct {
	// KeepThinking retains provider "thinking" blocks as thinking parts.
	// They are dropped otherwise.
	KeepThinking bool
}

type EncodeOptions struct {
	// AssetURL resolves a stored asset to a URL a provider payload can
	// reference. Asset parts are skipped in provider formats when nil.
	AssetURL func(models.AssetRef) string
}

func Decode(format Format, blob json.RawMessage, opts DecodeOptions) (Message, error) {
	var (
		msg Message
		err error
	)
	switch format {
	case FormatNative:
		msg, err = decodeNative(blob)
	case FormatOpenAI:
		msg, err = decodeOpenAI(blob)
	case FormatAnthropic:
		msg, err = decodeAnthropic(blob, opts)
	default:
		return Message{}, common.ValidationError(fmt.Sprintf("unsupported format %q", format), nil)
	}
	if err != nil {
		return Message{}, common.ValidationError(fmt.Sprintf("invalid %s message", format), err)
	}
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encode renders msg in format. Most messages map to exactly one wire
// message; OpenAI needs one role:"tool" message per tool result.
func Encode(msg Message, format Format, opts EncodeOptions) ([]json.RawMessage, error) {
	switch format {
	case FormatNative:
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{b}, nil
	case FormatOpenAI:
		return encodeOpenAI(msg, opts)
	case FormatAnthropic:
		b, err := encodeAnthropic(msg, opts)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{b}, nil
	}
	return nil, common.ValidationError(fmt.Sprintf("unsupported format %q", format), nil)
}

// Validate checks role and that there is at least one well-formed part.
func Validate(msg Message) error {
	if !msg.Role.Valid() {
		return common.ValidationError(fmt.Sprintf("invalid role %q", msg.Role), nil)
	}
	if len(msg.Parts) == 0 {
		return common.ValidationError("message has no content", nil)
	}
	for i, p := range msg.Parts {
		if err := p.Validate(); err != nil {
			return common.ValidationError(fmt.Sprintf("part %d", i), err)
		}
	}
	return nil
}

func FromModel(m models.Message) Message {
	return Message{
		Role:  m.Role,
		Parts: append([]models.Part(nil), m.Parts...),
		Meta:  m.Meta,
	}
}

func decodeNative(blob json.RawMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(blob, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// parseArguments keeps valid JSON as-is and stores anything else as a JSON
// string so the raw text survives.
func parseArguments(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// argumentsString is the inverse of parseArguments.
func argumentsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
