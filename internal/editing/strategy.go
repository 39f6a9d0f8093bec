package editing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/models"
)

const (
	ConfigStrategies = "edit_strategies"

	StrategyRemoveToolResult = "remove_tool_result"
	StrategyTokenLimit       = "token_limit"

	defaultKeepToolResults = 3
	defaultPlaceholder     = "Done"
)

// Strategy rewrites a message snapshot for a single read. It must not
// mutate its input.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, msgs []models.Message, count CountFunc) ([]models.Message, error)
}

type strategyConfig struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// ParseStrategies reads configs["edit_strategies"]. Without any configured
// strategy the default keeps the 3 most recent tool results.
func ParseStrategies(configs map[string]any) ([]Strategy, error) {
	raw, ok := configs[ConfigStrategies]
	if !ok || raw == nil {
		return []Strategy{RemoveToolResult{KeepRecent: defaultKeepToolResults, Placeholder: defaultPlaceholder}}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, common.ValidationError("invalid edit_strategies", err)
	}
	var cfgs []strategyConfig
	if err := json.Unmarshal(b, &cfgs); err != nil {
		return nil, common.ValidationError("invalid edit_strategies", err)
	}
	if len(cfgs) == 0 {
		return []Strategy{RemoveToolResult{KeepRecent: defaultKeepToolResults, Placeholder: defaultPlaceholder}}, nil
	}

	out := make([]Strategy, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := buildStrategy(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func buildStrategy(c strategyConfig) (Strategy, error) {
	switch c.Type {
	case StrategyRemoveToolResult:
		var p struct {
			KeepRecent  *int    `json:"keep_recent_n_tool_results"`
			Placeholder *string `json:"tool_result_placeholder"`
		}
		if err := unmarshalParams(c.Params, &p); err != nil {
			return nil, err
		}
		s := RemoveToolResult{KeepRecent: defaultKeepToolResults, Placeholder: defaultPlaceholder}
		if p.KeepRecent != nil {
			if *p.KeepRecent < 0 {
				return nil, common.ValidationError("keep_recent_n_tool_results must be >= 0", nil)
			}
			s.KeepRecent = *p.KeepRecent
		}
		if p.Placeholder != nil {
			s.Placeholder = *p.Placeholder
		}
		return s, nil

	case StrategyTokenLimit:
		var p struct {
			LimitTokens int `json:"limit_tokens"`
		}
		if err := unmarshalParams(c.Params, &p); err != nil {
			return nil, err
		}
		if p.LimitTokens <= 0 {
			return nil, common.ValidationError("limit_tokens must be > 0", nil)
		}
		return TokenLimit{Limit: p.LimitTokens}, nil
	}
	return nil, common.ValidationError(fmt.Sprintf("unknown edit strategy %q", c.Type), nil)
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return common.ValidationError("invalid strategy params", err)
	}
	return nil
}

// Apply runs strategies in order.
func Apply(ctx context.Context, strategies []Strategy, msgs []models.Message, count CountFunc) ([]models.Message, error) {
	out := msgs
	for _, s := range strategies {
		var err error
		out, err = s.Apply(ctx, out, count)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return out, nil
}

// RemoveToolResult replaces the content of all but the KeepRecent most
// recent tool results with Placeholder.
type RemoveToolResult struct {
	KeepRecent  int
	Placeholder string
}

func (RemoveToolResult) Name() string { return StrategyRemoveToolResult }

func (s RemoveToolResult) Apply(_ context.Context, msgs []models.Message, _ CountFunc) ([]models.Message, error) {
	total := 0
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == models.PartToolResult && p.ToolResult != nil {
				total++
			}
		}
	}
	toReplace := total - s.KeepRecent
	if toReplace <= 0 {
		return msgs, nil
	}

	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if toReplace == 0 {
			continue
		}
		var parts []models.Part
		for j, p := range m.Parts {
			if toReplace == 0 || p.Type != models.PartToolResult || p.ToolResult == nil {
				continue
			}
			if parts == nil {
				parts = append([]models.Part(nil), m.Parts...)
			}
			tr := *p.ToolResult
			tr.Content = s.Placeholder
			parts[j].ToolResult = &tr
			toReplace--
		}
		if parts != nil {
			out[i].Parts = parts
		}
	}
	return out, nil
}

// TokenLimit drops the oldest messages until the snapshot fits Limit.
// Tool results whose call was dropped are removed with it.
type TokenLimit struct {
	Limit int
}

func (TokenLimit) Name() string { return StrategyTokenLimit }

func (s TokenLimit) Apply(ctx context.Context, msgs []models.Message, count CountFunc) ([]models.Message, error) {
	start := 0
	for start < len(msgs) {
		n, err := count(ctx, msgs[start:])
		if err != nil {
			return nil, err
		}
		if n <= s.Limit {
			break
		}
		start++
	}
	kept := msgs[start:]

	calls := map[string]bool{}
	for _, m := range kept {
		for _, p := range m.Parts {
			if p.Type == models.PartToolCall && p.ToolCall != nil {
				calls[p.ToolCall.ID] = true
			}
		}
	}

	out := make([]models.Message, 0, len(kept))
	for _, m := range kept {
		parts := make([]models.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Type == models.PartToolResult && p.ToolResult != nil && !calls[p.ToolResult.ToolCallID] {
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		m.Parts = parts
		out = append(out, m)
	}
	return out, nil
}
