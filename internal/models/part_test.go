package models

import (
	"encoding/json"
	"testing"
)

func TestPartValidate(t *testing.T) {
	cases := []struct {
		name string
		part Part
		ok   bool
	}{
		{"text", TextPart("hi"), true},
		{"empty text", TextPart(""), false},
		{"tool call", ToolCallPart("c1", "search", json.RawMessage(`{}`)), true},
		{"tool call without name", ToolCallPart("c1", "", nil), false},
		{"tool result", ToolResultPart("c1", "done", false), true},
		{"text with extra variant", Part{Type: PartText, Text: "x", File: &FileRef{URL: "u"}}, false},
		{"asset", Part{Type: PartAsset, Asset: &AssetRef{Key: "k"}}, true},
		{"file without target", Part{Type: PartFile, File: &FileRef{}}, false},
		{"file url", Part{Type: PartFile, File: &FileRef{URL: "https://x/y.png"}}, true},
		{"unknown", Part{Type: "video"}, false},
	}
	for _, tc := range cases {
		err := tc.part.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
