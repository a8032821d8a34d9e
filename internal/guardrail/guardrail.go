// Package guardrail provides pluggable safety checks run before and after a reply is generated.
package guardrail

import (
	"context"
	"fmt"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// Guardrail checks user text before a reply and model text after it.
// A verdict is returned as a GuardrailResult; an error means the check itself failed.
type Guardrail interface {
	Name() string
	CheckInput(ctx context.Context, text string) (domain.GuardrailResult, error)
	CheckOutput(ctx context.Context, text string) (domain.GuardrailResult, error)
}

// Verdict is the combined outcome of running a chain of guardrails.
type Verdict struct {
	Safe bool
	// Text is the input after every sanitization was applied.
	Text string
	// BlockedBy names the guardrail that returned the first unsafe verdict.
	BlockedBy string
	Reason    string
}

// CheckInput runs every guardrail's input check in order and stops at the first
// unsafe verdict. Sanitization is ignored on input; the transcript is passed on as heard.
func CheckInput(ctx context.Context, guards []Guardrail, text string) (Verdict, error) {
	return run(ctx, guards, text, Guardrail.CheckInput, false)
}

// CheckOutput runs every guardrail's output check in order, feeding each
// guardrail the sanitized text of the previous one.
func CheckOutput(ctx context.Context, guards []Guardrail, text string) (Verdict, error) {
	return run(ctx, guards, text, Guardrail.CheckOutput, true)
}

type checkFunc func(g Guardrail, ctx context.Context, text string) (domain.GuardrailResult, error)

func run(ctx context.Context, guards []Guardrail, text string, check checkFunc, thread bool) (Verdict, error) {
	current := text
	for _, g := range guards {
		res, err := check(g, ctx, current)
		if err != nil {
			return Verdict{}, fmt.Errorf("guardrail %s: %w", g.Name(), err)
		}
		if !res.Safe {
			return Verdict{Safe: false, Text: current, BlockedBy: g.Name(), Reason: res.Reason}, nil
		}
		if thread && res.Sanitized != nil {
			current = *res.Sanitized
		}
	}
	return Verdict{Safe: true, Text: current}, nil
}
