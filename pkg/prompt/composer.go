// Package prompt composes the text handed to an external coding agent:
// the run's base template plus any operator guidance drained from the
// mailbox during the current iteration.
package prompt

import (
	"fmt"
	"strings"

	"drover/pkg/logx"
)

// guidanceHeader introduces the numbered operator-guidance section.
const guidanceHeader = "## Operator guidance\n\n" +
	"The following instructions arrived mid-run. Address them before " +
	"continuing with the backlog:\n"

// Composer builds agent prompts and reports token estimates.
type Composer struct {
	counter   *TokenCounter
	warnLimit int
	logger    *logx.Logger
}

// NewComposer returns a Composer estimating tokens for the given model.
// warnLimit <= 0 disables the oversize warning. Tokenizer setup failure is
// not fatal; estimation falls back to a character heuristic.
func NewComposer(model string, warnLimit int) *Composer {
	counter, err := NewTokenCounter(model)
	if err != nil {
		counter = nil
	}
	return &Composer{
		counter:   counter,
		warnLimit: warnLimit,
		logger:    logx.NewLogger("prompt"),
	}
}

// Compose appends a numbered guidance section to base when guidance lines
// were drained this iteration. With no guidance the result is the base
// template, byte for byte.
func (c *Composer) Compose(base string, guidance []string) string {
	if len(guidance) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")
	b.WriteString(guidanceHeader)
	for i, g := range guidance {
		fmt.Fprintf(&b, "\n%d. %s", i+1, g)
	}
	b.WriteString("\n")

	composed := b.String()
	if tokens := c.counter.CountTokens(composed); c.warnLimit > 0 && tokens > c.warnLimit {
		c.logger.Warn("Composed prompt is %d tokens, above the %d-token budget", tokens, c.warnLimit)
	}
	return composed
}

// EstimateTokens returns the token estimate for text.
func (c *Composer) EstimateTokens(text string) int {
	return c.counter.CountTokens(text)
}
