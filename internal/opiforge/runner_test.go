package opiforge

import "strings"

// scriptRunner is an in-memory Runner: it records every command and
// answers from caller-provided hooks, so image and resolution logic
// can be exercised without loop devices or privileges.
type scriptRunner struct {
	calls []Command

	// handle decides the outcome of Execute/ExecuteRetry calls; nil
	// means every command succeeds.
	handle func(c Command) *ErrorContext
	// output answers Output calls; nil means empty success.
	output func(c Command) (string, *ErrorContext)
}

func (s *scriptRunner) Execute(c Command, captureOutput bool) *ErrorContext {
	s.calls = append(s.calls, c)
	if s.handle != nil {
		return s.handle(c)
	}
	return nil
}

func (s *scriptRunner) ExecuteRetry(c Command, captureOutput bool, maxRetries int) *ErrorContext {
	return s.Execute(c, captureOutput)
}

func (s *scriptRunner) Output(c Command) (string, *ErrorContext) {
	s.calls = append(s.calls, c)
	if s.output != nil {
		return s.output(c)
	}
	return "", nil
}

// commandLines renders the recorded calls for order assertions.
func (s *scriptRunner) commandLines() []string {
	lines := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		lines = append(lines, c.String())
	}
	return lines
}

func firstLineWith(lines []string, substr string) int {
	for i, l := range lines {
		if strings.Contains(l, substr) {
			return i
		}
	}
	return -1
}

func firstLineEqual(lines []string, want string) int {
	for i, l := range lines {
		if l == want {
			return i
		}
	}
	return -1
}
