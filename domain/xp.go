package domain

// XP suggestion bounds.
const (
	MinSuggestedXP     = 5
	MaxSuggestedXP     = 50
	DefaultSuggestedXP = 10
)

// XPSuggestionRequest is the body of POST /ai/suggest-xp.
type XPSuggestionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// XPSuggestion is returned to the client.
type XPSuggestion struct {
	SuggestedXP   int    `json:"suggestedXp"`
	Justification string `json:"justification"`
}

// ClampXP bounds a suggestion to [MinSuggestedXP, MaxSuggestedXP].
func ClampXP(v int) int {
	if v < MinSuggestedXP {
		return MinSuggestedXP
	}
	if v > MaxSuggestedXP {
		return MaxSuggestedXP
	}
	return v
}
