package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
)

var (
	ErrTimeout            = errors.New("evaluation timed out")
	ErrEntryPointNotFound = errors.New("entry point not found")
	ErrArgsTooLarge       = errors.New("arguments exceed size ceiling")
	ErrResultTooLarge     = errors.New("result exceeds size ceiling")
)

// Evaluator is the in-process execution path for interactive test-case checks
// inside a battle. It trades container isolation for engine-level sandboxing:
// the VM starts with no host capabilities and only the bindings installed
// here are reachable (an explicit allow-list, not shadowed globals), and every
// call runs under a hard wall-clock interrupt. It evaluates JavaScript only;
// routing any other language here is the caller's bug, not a degraded mode.
type Evaluator struct {
	timeout        time.Duration
	maxArgBytes    int
	maxResultBytes int
}

type Result struct {
	Value      string   `json:"value"` // JSON literal of the returned value
	Logs       []string `json:"logs,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

func New(timeout time.Duration, maxArgBytes, maxResultBytes int) *Evaluator {
	return &Evaluator{
		timeout:        timeout,
		maxArgBytes:    maxArgBytes,
		maxResultBytes: maxResultBytes,
	}
}

const maxLogLines = 100

// Run evaluates code, then calls entryPoint with the arguments given as a
// JSON array literal. The returned value comes back as a JSON literal.
func (e *Evaluator) Run(code, entryPoint, argsJSON string) (*Result, error) {
	if len(argsJSON) > e.maxArgBytes {
		return nil, ErrArgsTooLarge
	}
	var rawArgs []json.RawMessage
	if err := json.Unmarshal([]byte(argsJSON), &rawArgs); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON array: %w", err)
	}

	vm := goja.New()

	// Allow-list of bindings. goja exposes no filesystem, process, timers or
	// module loading on its own; console.log is the single capability we add.
	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		if len(logs) < maxLogLines {
			line := ""
			for i, arg := range call.Arguments {
				if i > 0 {
					line += " "
				}
				line += arg.String()
			}
			logs = append(logs, line)
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("wall-clock timeout")
	})
	defer timer.Stop()

	started := time.Now()

	if _, err := vm.RunString(code); err != nil {
		return nil, wrapJSError(err)
	}

	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryPointNotFound, entryPoint)
	}

	args := make([]goja.Value, 0, len(rawArgs))
	for _, raw := range rawArgs {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("invalid argument literal %q: %w", string(raw), err)
		}
		args = append(args, vm.ToValue(v))
	}

	value, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, wrapJSError(err)
	}

	exported := value.Export()
	encoded, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	if len(encoded) > e.maxResultBytes {
		return nil, ErrResultTooLarge
	}

	return &Result{
		Value:      string(encoded),
		Logs:       logs,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

func wrapJSError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTimeout
	}
	return err
}

var functionDeclRe = regexp.MustCompile(`(?m)^\s*(?:function\s+([A-Za-z_$][\w$]*)|(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:function\b|\())`)

// DetectEntryPoint returns the first function name declared in code, for
// callers that did not configure one explicitly.
func DetectEntryPoint(code string) (string, bool) {
	m := functionDeclRe.FindStringSubmatch(code)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}
