package model

import (
	"time"
)

type ProblemDifficulty string

const (
	DifficultyEasy   ProblemDifficulty = "Easy"
	DifficultyMedium ProblemDifficulty = "Medium"
	DifficultyHard   ProblemDifficulty = "Hard"
)

type Problem struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Slug           string            `json:"slug"`
	Description    string            `json:"description"`
	Difficulty     ProblemDifficulty `json:"difficulty"`
	EntryPoint     string            `json:"entry_point"` // function name submissions must define
	RuntimeLimitMs int               `json:"runtime_limit_ms"`
	MemoryLimitKb  int               `json:"memory_limit_kb"`
	CreatedByID    *string           `json:"created_by_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	TestCases      []TestCase        `json:"test_cases,omitempty"`
}

// TestCase holds the call arguments as a JSON array literal and the expected
// result as a JSON literal. Hidden cases are excluded from practice runs but
// included in graded runs.
type TestCase struct {
	ID        string    `json:"id"`
	ProblemID string    `json:"problem_id"`
	Args      string    `json:"args"`
	Expected  string    `json:"expected"`
	Hidden    bool      `json:"hidden"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// VisibleTestCases filters out hidden cases for practice ("test") runs.
func (p *Problem) VisibleTestCases() []TestCase {
	var visible []TestCase
	for _, tc := range p.TestCases {
		if !tc.Hidden {
			visible = append(visible, tc)
		}
	}
	return visible
}
