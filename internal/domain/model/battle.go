package model

import "time"

// BattleState is embedded in a Room. Two invariants are enforced by the room
// store on every update: Ended transitions to true exactly once and never
// reverts, and StartedAt is set at most once.
type BattleState struct {
	ProblemID       string            `json:"problem_id"`
	Difficulty      ProblemDifficulty `json:"difficulty"`
	HostID          string            `json:"host_id"`
	DurationMinutes int               `json:"duration_minutes"`

	Started   bool       `json:"started"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Ended     bool       `json:"ended"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Latest graded attempt per participant. A new submission replaces the
	// whole summary or leaves it untouched; there are no partial writes.
	Submissions map[string]SubmissionSummary `json:"submissions,omitempty"`
	Ready       map[string]bool              `json:"ready,omitempty"`

	// Scoring context maintained across submissions in this battle.
	ShortestCorrectLen int    `json:"shortest_correct_len,omitempty"`
	FirstCorrectUserID string `json:"first_correct_user_id,omitempty"`
}

type SubmissionSummary struct {
	UserID          string    `json:"user_id"`
	Passed          int       `json:"passed"`
	Total           int       `json:"total"`
	CodeLength      int       `json:"code_length"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Score           int       `json:"score"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

func (s SubmissionSummary) Perfect() bool {
	return s.Total > 0 && s.Passed == s.Total
}

// AllActivePerfect reports whether every active participant has submitted and
// every summary is perfect. Used by the submission path to end a battle early.
func (b *BattleState) AllActivePerfect(participants []Participant) bool {
	if len(participants) == 0 || len(b.Submissions) == 0 {
		return false
	}
	for _, p := range participants {
		sub, ok := b.Submissions[p.UserID]
		if !ok || !sub.Perfect() {
			return false
		}
	}
	return true
}
