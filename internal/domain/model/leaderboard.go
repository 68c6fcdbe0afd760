package model

import (
	"encoding/json"
	"time"
)

const (
	LeaderboardCategoryBattle = "battle"
)

// LeaderboardEntry holds a participant's best score to date for one category.
// The stored score is replaced only if a new score is strictly greater, so
// entries are monotonically non-decreasing over time.
type LeaderboardEntry struct {
	Rank      int             `json:"rank,omitempty"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username,omitempty"`
	Category  string          `json:"category"`
	Score     int             `json:"score"`
	Details   json.RawMessage `json:"details,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
