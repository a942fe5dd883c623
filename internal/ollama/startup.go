package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the generation model is
// available, pulling it if missing, then warms it so the first pipeline stage
// does not pay the cold-load penalty.
// Returns a non-nil error if Ollama is unreachable or the pull fails.
func EnsureReady(ctx context.Context, c *Client, model string, w io.Writer) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("Ollama is not running (%v). Start it with: ollama serve", err)
	}

	installed, err := c.HasModel(ctx, model)
	if err != nil {
		return err
	}
	if !installed {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		last := ""
		err := c.Pull(ctx, model, func(p PullProgress) {
			line := p.Status
			if pct := p.Percent(); pct >= 0 {
				line = fmt.Sprintf("%s %.0f%%", p.Status, pct)
			}
			if line != last {
				fmt.Fprintf(w, "  %s\n", line)
				last = line
			}
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", model)

	fmt.Fprintf(w, "model %s: warming up...\n", model)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = c.Chat(warmCtx, ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", model)
	}

	return nil
}
