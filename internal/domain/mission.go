package domain

import (
	"strings"
	"time"
)

// Theme groups missions by the skill they practise.
type Theme string

const (
	ThemeBrave     Theme = "brave"
	ThemeKind      Theme = "kind"
	ThemeCalm      Theme = "calm"
	ThemeConfident Theme = "confident"
	ThemeCreative  Theme = "creative"
	ThemeSocial    Theme = "social"
	ThemeCurious   Theme = "curious"
)

// Themes returns every theme.
func Themes() []Theme {
	return []Theme{ThemeBrave, ThemeKind, ThemeCalm, ThemeConfident, ThemeCreative, ThemeSocial, ThemeCurious}
}

// NormalizeTheme maps s to a known theme, defaulting to ThemeCurious.
func NormalizeTheme(s string) Theme {
	t := Theme(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Themes() {
		if t == known {
			return t
		}
	}
	return ThemeCurious
}

// Difficulty is the stretch level of a single mission suggestion.
type Difficulty string

const (
	DifficultyEasy    Difficulty = "easy"
	DifficultyMedium  Difficulty = "medium"
	DifficultyStretch Difficulty = "stretch"
)

// Difficulties returns the three levels in the order a choice set offers them.
func Difficulties() []Difficulty {
	return []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyStretch}
}

// MissionChoiceCount is the exact size of a mission choice set.
const MissionChoiceCount = 3

// MissionSuggestion is one of the three missions offered at the end of a turn.
type MissionSuggestion struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Theme       Theme      `json:"theme"`
	Difficulty  Difficulty `json:"difficulty"`
}

// NormalizeMissionChoices returns nil unless exactly three choices are given.
// Themes outside the enumeration become ThemeCurious; order and difficulty
// labels are kept as supplied.
func NormalizeMissionChoices(choices []MissionSuggestion) []MissionSuggestion {
	if len(choices) != MissionChoiceCount {
		return nil
	}
	out := make([]MissionSuggestion, len(choices))
	for i, c := range choices {
		c.Theme = NormalizeTheme(string(c.Theme))
		out[i] = c
	}
	return out
}

// MissionStatus tracks a mission the child accepted.
type MissionStatus string

const (
	MissionActive    MissionStatus = "active"
	MissionCompleted MissionStatus = "completed"
)

// Mission is a mission the child has accepted.
type Mission struct {
	ID          string        `json:"id"`
	ChildID     string        `json:"child_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Theme       Theme         `json:"theme"`
	Difficulty  Difficulty    `json:"difficulty"`
	Status      MissionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// IsActive returns true if the mission has not been completed.
func (m *Mission) IsActive() bool {
	return m != nil && m.Status == MissionActive
}
