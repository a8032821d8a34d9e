package domain

import "strings"

// Mood is the emotional state the persona displays.
type Mood string

const (
	MoodIdle      Mood = "idle"
	MoodListening Mood = "listening"
	MoodTalking   Mood = "talking"
	MoodHappy     Mood = "happy"
	MoodSad       Mood = "sad"
	MoodConfused  Mood = "confused"
	MoodSurprised Mood = "surprised"
)

// DefaultMood is used when a model reports a mood outside the enumeration.
const DefaultMood = MoodTalking

var moods = map[Mood]struct{}{
	MoodIdle:      {},
	MoodListening: {},
	MoodTalking:   {},
	MoodHappy:     {},
	MoodSad:       {},
	MoodConfused:  {},
	MoodSurprised: {},
}

// Valid reports whether m is one of the known moods.
func (m Mood) Valid() bool {
	_, ok := moods[m]
	return ok
}

// ParseMood normalizes s and reports whether it names a known mood.
func ParseMood(s string) (Mood, bool) {
	m := Mood(strings.ToLower(strings.TrimSpace(s)))
	return m, m.Valid()
}

// MoodOrDefault returns the parsed mood, or DefaultMood when s is invalid or empty.
func MoodOrDefault(s string) Mood {
	if m, ok := ParseMood(s); ok {
		return m
	}
	return DefaultMood
}

// Moods returns every mood in display order.
func Moods() []Mood {
	return []Mood{MoodIdle, MoodListening, MoodTalking, MoodHappy, MoodSad, MoodConfused, MoodSurprised}
}
