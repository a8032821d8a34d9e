package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

// Category names used by the default blocklist.
const (
	CategoryViolence   = "violence"
	CategoryAdult      = "adult"
	CategoryProfanity  = "profanity"
	CategorySelfHarm   = "self-harm"
	CategorySubstances = "substances"
)

// DefaultMaxOutputLength caps spoken replies, in characters.
const DefaultMaxOutputLength = 500

const ellipsis = "..."

// DefaultCategories returns the built-in blocklist, keyed by category.
func DefaultCategories() map[string][]string {
	return map[string][]string{
		CategoryViolence: {
			"kill", "killing", "murder", "stab", "shoot", "shooting", "gun", "guns",
			"bomb", "weapon", "weapons", "blood", "gore", "torture",
		},
		CategoryAdult: {
			"sex", "sexy", "porn", "nude", "naked", "nsfw",
		},
		CategoryProfanity: {
			"fuck", "fucking", "shit", "bitch", "bastard", "asshole", "damn", "crap", "dick",
		},
		CategorySelfHarm: {
			"suicide", "kill myself", "hurt myself", "cut myself", "self harm", "self-harm", "want to die",
		},
		CategorySubstances: {
			"drugs", "cocaine", "heroin", "weed", "marijuana", "meth", "alcohol",
			"beer", "vodka", "whiskey", "cigarette", "cigarettes", "vape", "vaping",
		},
	}
}

// Blocklist rejects text matching any word or phrase in its categories.
// Matching is case-insensitive and respects word boundaries.
type Blocklist struct {
	name       string
	categories []string
	patterns   map[string]*regexp.Regexp
	maxLength  int
}

// BlocklistOption configures a Blocklist.
type BlocklistOption func(*Blocklist)

// WithName overrides the guardrail name.
func WithName(name string) BlocklistOption {
	return func(b *Blocklist) { b.name = name }
}

// WithMaxOutputLength sets the output cap. Zero or less disables truncation.
func WithMaxOutputLength(n int) BlocklistOption {
	return func(b *Blocklist) { b.maxLength = n }
}

// NewBlocklist compiles one pattern per category.
func NewBlocklist(categories map[string][]string, opts ...BlocklistOption) (*Blocklist, error) {
	b := &Blocklist{
		name:      "blocklist",
		patterns:  make(map[string]*regexp.Regexp, len(categories)),
		maxLength: DefaultMaxOutputLength,
	}
	for _, opt := range opts {
		opt(b)
	}

	for category, words := range categories {
		alts := make([]string, 0, len(words))
		for _, w := range words {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			// Phrases match across any run of whitespace.
			quoted := regexp.QuoteMeta(strings.ToLower(w))
			alts = append(alts, strings.Join(strings.Fields(quoted), `\s+`))
		}
		if len(alts) == 0 {
			continue
		}
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("compile category %q: %w", category, err)
		}
		b.patterns[category] = re
		b.categories = append(b.categories, category)
	}
	sort.Strings(b.categories)

	return b, nil
}

// NewDefaultBlocklist returns a Blocklist with the built-in categories.
func NewDefaultBlocklist(opts ...BlocklistOption) *Blocklist {
	b, err := NewBlocklist(DefaultCategories(), opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// Name implements Guardrail.
func (b *Blocklist) Name() string { return b.name }

// Categories returns the configured category names in sorted order.
func (b *Blocklist) Categories() []string {
	return append([]string(nil), b.categories...)
}

// CheckInput implements Guardrail.
func (b *Blocklist) CheckInput(_ context.Context, text string) (domain.GuardrailResult, error) {
	if category, ok := b.match(text); ok {
		return domain.GuardrailResult{Safe: false, Reason: "blocked: " + category}, nil
	}
	return domain.GuardrailResult{Safe: true}, nil
}

// CheckOutput implements Guardrail. Replies over the length cap are truncated, not rejected.
func (b *Blocklist) CheckOutput(_ context.Context, text string) (domain.GuardrailResult, error) {
	if category, ok := b.match(text); ok {
		return domain.GuardrailResult{Safe: false, Reason: "blocked: " + category}, nil
	}
	if b.maxLength > 0 && utf8.RuneCountInString(text) > b.maxLength {
		truncated := truncate(text, b.maxLength)
		return domain.GuardrailResult{Safe: true, Reason: "truncated", Sanitized: &truncated}, nil
	}
	return domain.GuardrailResult{Safe: true}, nil
}

func (b *Blocklist) match(text string) (string, bool) {
	for _, category := range b.categories {
		if b.patterns[category].MatchString(text) {
			return category, true
		}
	}
	return "", false
}

// truncate shortens text to at most limit runes including the ellipsis.
func truncate(text string, limit int) string {
	keep := limit - len(ellipsis)
	if keep <= 0 {
		return string([]rune(text)[:limit])
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:keep]), " \t\n") + ellipsis
}
