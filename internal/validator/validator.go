package validator

import (
	"fmt"
	"regexp"
	"sync"

	"codebattle/internal/languages"
)

// Violation describes one reason a piece of source code was rejected before
// any execution resource was allocated.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// Validator is a pure pre-execution check. It is a fast pre-filter, not a
// security boundary: the container isolation in the sandbox package is what
// actually contains hostile code. A language with no configured denylist is
// treated as unsupported.
type Validator struct {
	registry     *languages.Registry
	maxCodeBytes int

	mu       sync.Mutex
	compiled map[string][]*regexp.Regexp // language ID -> compiled denylist
}

func New(registry *languages.Registry, maxCodeBytes int) *Validator {
	return &Validator{
		registry:     registry,
		maxCodeBytes: maxCodeBytes,
		compiled:     make(map[string][]*regexp.Regexp),
	}
}

func (v *Validator) Validate(code, languageID string) Result {
	var violations []Violation

	if len(code) == 0 {
		violations = append(violations, Violation{Rule: "empty", Message: "source code is empty"})
		return Result{OK: false, Violations: violations}
	}
	if len(code) > v.maxCodeBytes {
		violations = append(violations, Violation{
			Rule:    "size",
			Message: fmt.Sprintf("source code exceeds %d bytes", v.maxCodeBytes),
		})
	}
	if containsControlBytes(code) {
		violations = append(violations, Violation{
			Rule:    "control_chars",
			Message: "source code contains null or control characters",
		})
	}

	patterns, err := v.denylistFor(languageID)
	if err != nil {
		violations = append(violations, Violation{
			Rule:    "language",
			Message: fmt.Sprintf("language %q is not supported", languageID),
		})
		return Result{OK: false, Violations: violations}
	}

	for _, re := range patterns {
		if loc := re.FindString(code); loc != "" {
			violations = append(violations, Violation{
				Rule:    "denylist",
				Message: fmt.Sprintf("disallowed construct: %q", loc),
			})
		}
	}

	return Result{OK: len(violations) == 0, Violations: violations}
}

func (v *Validator) denylistFor(languageID string) ([]*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if patterns, ok := v.compiled[languageID]; ok {
		return patterns, nil
	}

	lang, err := v.registry.Get(languageID)
	if err != nil {
		return nil, err
	}
	if len(lang.Denylist) == 0 {
		// No denylist configured means nobody vetted this language.
		return nil, languages.ErrLanguageNotFound
	}

	patterns := make([]*regexp.Regexp, 0, len(lang.Denylist))
	for _, p := range lang.Denylist {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid denylist pattern %q for %s: %w", p, languageID, err)
		}
		patterns = append(patterns, re)
	}
	v.compiled[languageID] = patterns
	return patterns, nil
}

func containsControlBytes(code string) bool {
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == 0 {
			return true
		}
		if c < 0x20 && c != '\n' && c != '\r' && c != '\t' {
			return true
		}
	}
	return false
}
