package model

import "time"

// Submission is the time-ordered durable record of one graded attempt. Written
// by the battle core, queried by the reporting/UI layer.
type Submission struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	RoomID          string           `json:"room_id"`
	ProblemID       string           `json:"problem_id"`
	Language        string           `json:"language"`
	Code            string           `json:"code"` // omitted from general listings
	Passed          int              `json:"passed"`
	Total           int              `json:"total"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Score           int              `json:"score"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	TestResults     []TestCaseResult `json:"test_results,omitempty"`
}

type TestCaseResult struct {
	TestCaseID string  `json:"test_case_id"`
	Passed     bool    `json:"passed"`
	Actual     *string `json:"actual,omitempty"`
	Error      *string `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}
