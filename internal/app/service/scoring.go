package service

// Scoring weights. The composite is capped at 100, so a perfect, fast, short,
// first-in submission cannot exceed the ceiling.
const (
	maxScore          = 100
	maxSpeedBonus     = 10
	firstCorrectBonus = 15

	// Speed bonus loses one point per this much accumulated execution time.
	speedBonusStepMs = 250
)

// ScoreInput carries everything the scoring engine needs; it never touches
// room state itself. The battle service reads ShortestCorrectLen and
// FirstCorrect inside the store's guarded update, which serializes the two
// race-sensitive inputs.
type ScoreInput struct {
	Passed          int
	Total           int
	CodeLength      int
	ExecutionTimeMs int64

	// Shortest correct submission length seen so far in this battle,
	// excluding the current attempt. Zero means no correct submission yet.
	ShortestCorrectLen int

	// True when this attempt is the first in the battle to reach 100%.
	FirstCorrect bool
}

// ComputeScore returns a composite 0..100 score:
// correctness percentage, plus a speed bonus that decays with accumulated
// execution time, plus a tiered brevity bonus relative to the shortest
// correct solution seen so far, plus a first-correct bonus.
func ComputeScore(in ScoreInput) int {
	if in.Total <= 0 {
		return 0
	}

	score := in.Passed * 100 / in.Total
	score += speedBonus(in.ExecutionTimeMs)
	score += brevityBonus(in.CodeLength, in.ShortestCorrectLen)

	if in.FirstCorrect && in.Passed == in.Total {
		score += firstCorrectBonus
	}

	if score > maxScore {
		return maxScore
	}
	return score
}

func speedBonus(execMs int64) int {
	bonus := maxSpeedBonus - int(execMs/speedBonusStepMs)
	if bonus < 0 {
		return 0
	}
	return bonus
}

// brevityBonus is tiered, not continuous: matching the shortest correct
// length seen so far earns the most, with two looser tiers behind it.
func brevityBonus(codeLen, shortest int) int {
	if shortest <= 0 || codeLen <= 0 {
		return 0
	}
	switch {
	case codeLen <= shortest:
		return 10
	case codeLen*4 <= shortest*5: // within 125%
		return 6
	case codeLen*2 <= shortest*3: // within 150%
		return 3
	default:
		return 0
	}
}
