package model

// ExecutionResult is the transient outcome of one sandboxed run. It is never
// persisted on its own; it is folded into a SubmissionSummary or returned
// directly to the caller. The failure flags are mutually distinguishable so a
// caller always receives whatever partial output was captured before failure.
type ExecutionResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	DurationMs      int64  `json:"duration_ms"`
	TimedOut        bool   `json:"timed_out"`
	MemoryExceeded  bool   `json:"memory_exceeded"`
	Crashed         bool   `json:"crashed"`
	OutputTruncated bool   `json:"output_truncated"`
}

func (r *ExecutionResult) OK() bool {
	return !r.TimedOut && !r.MemoryExceeded && !r.Crashed && r.ExitCode == 0
}
