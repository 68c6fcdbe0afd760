package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"codebattle/internal/common"
	"codebattle/internal/domain/model"
	"codebattle/internal/evaluator"
	"codebattle/internal/languages"
	"codebattle/internal/platform/config"
	"codebattle/internal/validator"
)

func newEvalOnlyService() *ExecutionService {
	registry := languages.NewRegistry()
	return NewExecutionService(
		registry,
		validator.New(registry, 65536),
		nil, // container sandbox unused on the JavaScript path
		evaluator.New(2*time.Second, 16384, 65536),
	)
}

func TestGradeRunsAllCases(t *testing.T) {
	svc := newEvalOnlyService()
	cases := []model.TestCase{
		{ID: "a", Args: `[[2,7,11,15], 9]`, Expected: `[0,1]`},
		{ID: "b", Args: `[[3,2,4], 6]`, Expected: `[1,2]`},
		{ID: "c", Args: `[[1,2], 100]`, Expected: `[]`},
	}

	outcome, err := svc.Grade(context.Background(), "javascript", twoSumSolution, "twoSum", cases, 5000)
	if err != nil {
		t.Fatalf("Grade failed: %v", err)
	}
	if outcome.Passed != 3 || outcome.Total != 3 {
		t.Fatalf("expected 3/3, got %d/%d", outcome.Passed, outcome.Total)
	}
	for _, res := range outcome.Results {
		if !res.Passed {
			t.Errorf("case %s unexpectedly failed: %+v", res.TestCaseID, res)
		}
	}
}

func TestGradeReportsWrongAnswerPerCase(t *testing.T) {
	svc := newEvalOnlyService()
	cases := []model.TestCase{
		{ID: "a", Args: `[[2,7,11,15], 9]`, Expected: `[0,1]`},
	}

	outcome, err := svc.Grade(context.Background(), "javascript", twoSumWrong, "twoSum", cases, 5000)
	if err != nil {
		t.Fatalf("Grade failed: %v", err)
	}
	if outcome.Passed != 0 {
		t.Fatalf("expected 0 passed, got %d", outcome.Passed)
	}
	if outcome.Results[0].Actual == nil || *outcome.Results[0].Actual != "[-1,-1]" {
		t.Fatalf("actual output missing or wrong: %+v", outcome.Results[0])
	}
}

func TestGradeDetectsEntryPointWhenUnset(t *testing.T) {
	svc := newEvalOnlyService()
	cases := []model.TestCase{{ID: "a", Args: `[2, 3]`, Expected: `5`}}

	outcome, err := svc.Grade(context.Background(), "javascript", `function add(a, b) { return a + b; }`, "", cases, 5000)
	if err != nil {
		t.Fatalf("Grade failed: %v", err)
	}
	if outcome.Passed != 1 {
		t.Fatalf("expected detected entry point to pass, got %+v", outcome.Results[0])
	}
}

func TestGradeRejectsDeniedCode(t *testing.T) {
	svc := newEvalOnlyService()
	cases := []model.TestCase{{ID: "a", Args: `[1]`, Expected: `1`}}

	_, err := svc.Grade(context.Background(), "javascript", `const fs = require("fs"); function f(x) { return x; }`, "f", cases, 5000)
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) || len(vErr.Violations) == 0 {
		t.Fatalf("expected structured violations, got %v", err)
	}
}

func TestExecuteRejectsOversizedInput(t *testing.T) {
	config.AppConfig = &config.Config{
		ExecMaxInputBytes:    1024,
		ExecDefaultTimeoutMs: 5000,
		ExecMaxTimeoutMs:     15000,
		ExecDefaultMemoryKb:  131072,
		ExecMaxMemoryKb:      262144,
	}
	svc := newEvalOnlyService()

	_, err := svc.Execute(context.Background(), ExecuteRequest{
		Language: "python",
		Code:     `print("hi")`,
		Input:    strings.Repeat("a", 2048),
	})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("oversized stdin must be rejected before any sandbox work, got %v", err)
	}
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) || len(vErr.Violations) == 0 || vErr.Violations[0].Rule != "input-size" {
		t.Fatalf("expected an input-size violation, got %v", err)
	}
}

func TestGradeUnknownLanguage(t *testing.T) {
	svc := newEvalOnlyService()
	_, err := svc.Grade(context.Background(), "brainfuck", "+", "", nil, 5000)
	if !errors.Is(err, common.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestJSONEqualIsStructural(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{`[0, 1]`, `[0,1]`, true},
		{`{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{`"hello"`, `"hello"`, true},
		{`1.0`, `1`, true},
		{`[0,1]`, `[1,0]`, false},
		{`null`, `0`, false},
	}
	for _, tc := range cases {
		got, err := jsonEqual(tc.a, tc.b)
		if err != nil {
			t.Fatalf("jsonEqual(%q, %q) errored: %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("jsonEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestErrorTypeTaxonomy(t *testing.T) {
	if got := ErrorType(common.ErrValidation, nil); got != "validation_error" {
		t.Fatalf("validation: %s", got)
	}
	if got := ErrorType(common.ErrUnsupportedLanguage, nil); got != "validation_error" {
		t.Fatalf("unsupported language: %s", got)
	}
	if got := ErrorType(common.ErrProvisioning, nil); got != "provisioning_error" {
		t.Fatalf("provisioning: %s", got)
	}
	if got := ErrorType(nil, &model.ExecutionResult{TimedOut: true}); got != "timeout_error" {
		t.Fatalf("timeout: %s", got)
	}
	if got := ErrorType(nil, &model.ExecutionResult{MemoryExceeded: true}); got != "memory_error" {
		t.Fatalf("memory: %s", got)
	}
	if got := ErrorType(nil, &model.ExecutionResult{Crashed: true}); got != "crash_error" {
		t.Fatalf("crash: %s", got)
	}
}
