package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/evaluator"
	"codebattle/internal/languages"
	"codebattle/internal/metrics"
	"codebattle/internal/platform/config"
	"codebattle/internal/sandbox"
	"codebattle/internal/validator"
)

// ValidationFailedError carries the validator's structured violation list to
// the API layer. It matches common.ErrValidation for status mapping.
type ValidationFailedError struct {
	Violations []validator.Violation
}

func (e *ValidationFailedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationFailedError) Is(target error) bool {
	return target == common.ErrValidation
}

// ExecutionService fronts both execution paths: the container sandbox for
// arbitrary languages and the in-process constrained evaluator for
// JavaScript test-case checks. Every user-code failure comes back inside the
// ExecutionResult; only malformed requests and provisioning trouble surface
// as errors.
type ExecutionService struct {
	registry  *languages.Registry
	validator *validator.Validator
	sandbox   sandbox.Sandbox
	evaluator *evaluator.Evaluator
}

func NewExecutionService(registry *languages.Registry, v *validator.Validator, sb sandbox.Sandbox, ev *evaluator.Evaluator) *ExecutionService {
	return &ExecutionService{
		registry:  registry,
		validator: v,
		sandbox:   sb,
		evaluator: ev,
	}
}

type ExecuteRequest struct {
	Language      string `json:"language"`
	Code          string `json:"code"`
	Input         string `json:"input,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
	MemoryLimitKb int    `json:"memoryLimit,omitempty"`
}

// Execute runs one program in an ephemeral sandbox. Requested limits may
// lower the configured defaults but never raise them past the hard caps.
func (s *ExecutionService) Execute(ctx context.Context, req ExecuteRequest) (*model.ExecutionResult, error) {
	lang, err := s.registry.Get(req.Language)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedLanguage, req.Language)
	}

	if res := s.validator.Validate(req.Code, req.Language); !res.OK {
		return nil, &ValidationFailedError{Violations: res.Violations}
	}

	// Stdin is bounded at the request boundary, like code size: the sandbox
	// feeds it over a finite socket buffer to a program that may never read.
	if max := config.AppConfig.ExecMaxInputBytes; len(req.Input) > max {
		return nil, &ValidationFailedError{Violations: []validator.Violation{{
			Rule:    "input-size",
			Message: fmt.Sprintf("input exceeds the %d byte limit", max),
		}}}
	}

	limits := s.clampLimits(req.TimeoutMs, req.MemoryLimitKb)

	if err := s.sandbox.EnsureImage(ctx, lang.Config.Image); err != nil {
		return nil, err
	}

	result, err := s.sandbox.Run(ctx, sandbox.RunConfig{
		Image:          lang.Config.Image,
		SourceFile:     lang.Config.SourceFile,
		SourceCode:     req.Code,
		CompileCommand: lang.Config.CompileCommand,
		RunCommand:     lang.Config.RunCommand,
		Stdin:          req.Input,
		Limits:         limits,
	})
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(req.Language, "provisioning_error").Inc()
		return nil, err
	}

	metrics.ExecutionsTotal.WithLabelValues(req.Language, resultStatus(result)).Inc()
	metrics.ExecutionDuration.WithLabelValues(req.Language).Observe(float64(result.DurationMs))
	return result, nil
}

func (s *ExecutionService) clampLimits(timeoutMs, memoryKb int) sandbox.Limits {
	cfg := config.AppConfig
	if timeoutMs <= 0 {
		timeoutMs = cfg.ExecDefaultTimeoutMs
	}
	if timeoutMs > cfg.ExecMaxTimeoutMs {
		timeoutMs = cfg.ExecMaxTimeoutMs
	}
	if memoryKb <= 0 {
		memoryKb = cfg.ExecDefaultMemoryKb
	}
	if memoryKb > cfg.ExecMaxMemoryKb {
		memoryKb = cfg.ExecMaxMemoryKb
	}
	return sandbox.Limits{
		TimeoutMs:      timeoutMs,
		MemoryKb:       memoryKb,
		CPUQuotaMicros: cfg.ExecCPUQuotaMicros,
		PidsLimit:      cfg.ExecPidsLimit,
		MaxOutputBytes: cfg.ExecMaxOutputBytes,
	}
}

func resultStatus(res *model.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.MemoryExceeded:
		return "memory_exceeded"
	case res.Crashed:
		return "crashed"
	default:
		return "success"
	}
}

// GradeOutcome aggregates one graded pass over a problem's test cases.
type GradeOutcome struct {
	Results         []model.TestCaseResult
	Passed          int
	Total           int
	ExecutionTimeMs int64
}

// Grade checks code against the given test cases. JavaScript goes through the
// in-process constrained evaluator (low latency, engine-level sandboxing);
// every other language runs in the container sandbox, reading the argument
// array from stdin and printing the result as a JSON literal. Results are
// compared structurally, not textually.
func (s *ExecutionService) Grade(ctx context.Context, languageID, code, entryPoint string, cases []model.TestCase, runtimeLimitMs int) (*GradeOutcome, error) {
	if _, err := s.registry.Get(languageID); err != nil {
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedLanguage, languageID)
	}
	if res := s.validator.Validate(code, languageID); !res.OK {
		return nil, &ValidationFailedError{Violations: res.Violations}
	}

	outcome := &GradeOutcome{Total: len(cases)}
	for _, tc := range cases {
		var result model.TestCaseResult
		if languageID == "javascript" {
			result = s.gradeWithEvaluator(code, entryPoint, tc)
		} else {
			result = s.gradeWithSandbox(ctx, languageID, code, tc, runtimeLimitMs)
		}
		result.TestCaseID = tc.ID
		outcome.ExecutionTimeMs += result.DurationMs
		if result.Passed {
			outcome.Passed++
		}
		outcome.Results = append(outcome.Results, result)
	}
	return outcome, nil
}

func (s *ExecutionService) gradeWithEvaluator(code, entryPoint string, tc model.TestCase) model.TestCaseResult {
	if entryPoint == "" {
		detected, ok := evaluator.DetectEntryPoint(code)
		if !ok {
			msg := "no entry point function found"
			return model.TestCaseResult{Error: &msg}
		}
		entryPoint = detected
	}

	res, err := s.evaluator.Run(code, entryPoint, tc.Args)
	if err != nil {
		msg := err.Error()
		return model.TestCaseResult{Error: &msg}
	}

	passed, err := jsonEqual(res.Value, tc.Expected)
	if err != nil {
		msg := err.Error()
		return model.TestCaseResult{Actual: &res.Value, Error: &msg, DurationMs: res.DurationMs}
	}
	return model.TestCaseResult{Passed: passed, Actual: &res.Value, DurationMs: res.DurationMs}
}

func (s *ExecutionService) gradeWithSandbox(ctx context.Context, languageID, code string, tc model.TestCase, runtimeLimitMs int) model.TestCaseResult {
	lang, _ := s.registry.Get(languageID)

	if err := s.sandbox.EnsureImage(ctx, lang.Config.Image); err != nil {
		msg := err.Error()
		return model.TestCaseResult{Error: &msg}
	}

	limits := s.clampLimits(runtimeLimitMs, 0)
	res, err := s.sandbox.Run(ctx, sandbox.RunConfig{
		Image:          lang.Config.Image,
		SourceFile:     lang.Config.SourceFile,
		SourceCode:     code,
		CompileCommand: lang.Config.CompileCommand,
		RunCommand:     lang.Config.RunCommand,
		Stdin:          tc.Args + "\n",
		Limits:         limits,
	})
	if err != nil {
		msg := err.Error()
		return model.TestCaseResult{Error: &msg}
	}

	if !res.OK() {
		msg := failureReason(res)
		stderr := res.Stderr
		if stderr != "" {
			msg = msg + ": " + stderr
		}
		return model.TestCaseResult{Actual: &res.Stdout, Error: &msg, DurationMs: res.DurationMs}
	}

	actual := strings.TrimSpace(res.Stdout)
	passed, err := jsonEqual(actual, tc.Expected)
	if err != nil {
		// Program printed something that is not a JSON literal; count it as
		// a wrong answer rather than a system error.
		log.Printf("WARN: Non-JSON output while grading: %v", err)
		passed = false
	}
	return model.TestCaseResult{Passed: passed, Actual: &actual, DurationMs: res.DurationMs}
}

func failureReason(res *model.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "time limit exceeded"
	case res.MemoryExceeded:
		return "memory limit exceeded"
	default:
		return "runtime error"
	}
}

// jsonEqual compares two JSON literals structurally so that formatting
// differences ("[0, 1]" vs "[0,1]") do not fail a correct answer.
func jsonEqual(a, b string) (bool, error) {
	var av, bv interface{}
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		return false, fmt.Errorf("invalid JSON %q: %w", a, err)
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		return false, fmt.Errorf("invalid JSON %q: %w", b, err)
	}
	return reflect.DeepEqual(av, bv), nil
}

// ListLanguages exposes the static language list callers can query before
// submitting anything.
func (s *ExecutionService) ListLanguages() []languages.Language {
	return s.registry.List()
}

// WarmImages pre-pulls every registered runtime image so the first request
// does not pay the pull latency. Errors are logged, not fatal: a missing
// image is pulled lazily on first use.
func (s *ExecutionService) WarmImages(ctx context.Context) {
	seen := make(map[string]bool)
	for _, lang := range s.registry.List() {
		if seen[lang.Config.Image] {
			continue
		}
		seen[lang.Config.Image] = true
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := s.sandbox.EnsureImage(pullCtx, lang.Config.Image); err != nil {
			log.Printf("WARN: Failed to warm image %s: %v", lang.Config.Image, err)
		}
		cancel()
	}
}

// ErrorType maps an execution failure to the wire taxonomy.
func ErrorType(err error, res *model.ExecutionResult) string {
	switch {
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrUnsupportedLanguage):
		return "validation_error"
	case errors.Is(err, common.ErrProvisioning):
		return "provisioning_error"
	}
	if res != nil {
		switch {
		case res.TimedOut:
			return "timeout_error"
		case res.MemoryExceeded:
			return "memory_error"
		case res.Crashed:
			return "crash_error"
		}
	}
	return "internal_error"
}
