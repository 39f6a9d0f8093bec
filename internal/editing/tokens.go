package editing

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter counts tokens with the cl100k_base encoding.
type Counter struct {
	mu  sync.RWMutex
	enc *tiktoken.Tiktoken
}

var (
	counterOnce sync.Once
	counter     *Counter
	counterErr  error
)

// Tiktoken returns the shared counter. The encoding is loaded once.
func Tiktoken() (*Counter, error) {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			counterErr = err
			return
		}
		counter = &Counter{enc: enc}
	})
	return counter, counterErr
}

func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.enc.Encode(text, nil, nil))
}

// Count implements CountFunc. Assets and files do not count.
func (c *Counter) Count(ctx context.Context, msgs []models.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for _, p := range m.Parts {
			total += c.partTokens(p)
		}
	}
	return total, nil
}

func (c *Counter) partTokens(p models.Part) int {
	switch p.Type {
	case models.PartText, models.PartThinking:
		return c.CountText(p.Text)
	case models.PartToolCall:
		if p.ToolCall == nil {
			return 0
		}
		return c.CountText(p.ToolCall.Name) + c.CountText(string(p.ToolCall.Arguments))
	case models.PartToolResult:
		if p.ToolResult == nil {
			return 0
		}
		return c.CountText(p.ToolResult.Content)
	}
	return 0
}
