package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateStoreBackend validates the history backend name
func (v *Validator) ValidateStoreBackend(backend string) error {
	validBackends := []string{"jsonl", "sqlite"}
	for _, valid := range validBackends {
		if backend == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid store backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateProcessArgs checks that a custom argument list passes the message
// to the process.
func (v *Validator) ValidateProcessArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	for _, arg := range args {
		if strings.Contains(arg, "{{message}}") {
			return nil
		}
	}
	return fmt.Errorf("process args must contain {{message}}")
}

// ValidateHookEvent validates a hook event name
func (v *Validator) ValidateHookEvent(event string) error {
	validEvents := []string{"turn_complete"}
	for _, valid := range validEvents {
		if strings.TrimSpace(event) == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid hook event: %q (must be one of: %s)", event, strings.Join(validEvents, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}
