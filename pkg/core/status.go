package core

// StepStatus represents the execution status of a workflow step
type StepStatus int

const (
	StatusPending StepStatus = iota // Not yet started
	StatusPassed                    // Completed successfully
	StatusFailed                    // Expected screen or element never showed up
	StatusErrored                   // Unexpected error (driver, session, config)
	StatusSkipped                   // Not needed in the current app state
	StatusWarned                    // Best-effort step did not complete (non-blocking)
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusErrored:
		return "errored"
	case StatusSkipped:
		return "skipped"
	case StatusWarned:
		return "warned"
	default:
		return "unknown"
	}
}

// IsSuccess returns true if the status does not fail a workflow (passed, warned, skipped)
func (s StepStatus) IsSuccess() bool {
	return s == StatusPassed || s == StatusWarned || s == StatusSkipped
}

// ErrorCategory classifies the type of error for logging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryAssertion                       // Element not found, screen not reached
	ErrCategoryAction                          // Every strategy failed against a resolved element
	ErrCategoryTimeout                         // Budget exhausted
	ErrCategoryConnection                      // Appium server or session lost
	ErrCategoryApp                             // App not responding, not running
	ErrCategoryConfig                          // Programmer error: empty locators, bad budgets
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryAssertion:
		return "assertion"
	case ErrCategoryAction:
		return "action"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryApp:
		return "app"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}
