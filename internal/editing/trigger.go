package editing

import (
	"context"
	"encoding/json"

	"github.com/suPer8Hu/acontext-api/internal/common"
)

const ConfigTrigger = "editing_trigger"

// Trigger is the session policy for firing editing strategies.
type Trigger struct {
	TokenGTE *int `json:"token_gte,omitempty"`
}

// Check reports whether its condition holds for the snapshot in e.
type Check func(ctx context.Context, e *Eval) (bool, error)

// ParseTrigger reads the trigger from session configs. A missing key
// yields nil.
func ParseTrigger(configs map[string]any) (*Trigger, error) {
	raw, ok := configs[ConfigTrigger]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, common.ValidationError("invalid editing_trigger", err)
	}
	var t Trigger
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, common.ValidationError("invalid editing_trigger", err)
	}
	return &t, nil
}

// BuildChecks compiles t. A nil trigger or a non-positive threshold is an
// inactive policy and yields no checks.
func BuildChecks(t *Trigger) []Check {
	if t == nil {
		return nil
	}
	var checks []Check
	if t.TokenGTE != nil && *t.TokenGTE > 0 {
		threshold := *t.TokenGTE
		checks = append(checks, func(ctx context.Context, e *Eval) (bool, error) {
			n, err := e.Tokens(ctx)
			if err != nil {
				return false, err
			}
			return n >= threshold, nil
		})
	}
	return checks
}

// Fire runs checks in order and reports true as soon as one holds.
func Fire(ctx context.Context, checks []Check, e *Eval) (bool, error) {
	for _, c := range checks {
		ok, err := c(ctx, e)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
