package types

// ErrorKind classifies every failure that can surface from a job, an attempt
// or a single tool call. Only the kind and a short summary ever reach callers.
type ErrorKind string

const (
	ErrorTransientIO        ErrorKind = "transient_io"
	ErrorToolSoftFailure    ErrorKind = "tool_soft_failure"
	ErrorBudgetExhausted    ErrorKind = "budget_exhausted"
	ErrorAttemptLimit       ErrorKind = "attempt_limit_exceeded"
	ErrorOverallDeadline    ErrorKind = "overall_deadline_exceeded"
	ErrorReasoningService   ErrorKind = "reasoning_service_error"
	ErrorInvariantViolation ErrorKind = "internal_invariant_violation"
	ErrorCircuitOpen        ErrorKind = "circuit_open"
	ErrorToolNotFound       ErrorKind = "tool_not_found"
	ErrorJobNotFound        ErrorKind = "job_not_found"
	ErrorInvalidRequest     ErrorKind = "invalid_request"
)

// Terminal reports whether a job carrying this kind can never be resumed.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrorAttemptLimit, ErrorOverallDeadline, ErrorInvariantViolation, ErrorJobNotFound, ErrorInvalidRequest:
		return true
	default:
		return false
	}
}

// Summary is the fixed human readable text shown for a kind.
func (k ErrorKind) Summary() string {
	switch k {
	case ErrorTransientIO:
		return "a dependency timed out or was unreachable"
	case ErrorToolSoftFailure:
		return "a tool failed to produce a result"
	case ErrorBudgetExhausted:
		return "the time budget for this attempt ran out"
	case ErrorAttemptLimit:
		return "the job used all of its attempts without finishing"
	case ErrorOverallDeadline:
		return "the job ran past its overall time limit"
	case ErrorReasoningService:
		return "the reasoning service returned an error"
	case ErrorInvariantViolation:
		return "the job state is inconsistent and cannot be resumed"
	case ErrorCircuitOpen:
		return "the tool is temporarily disabled after repeated failures"
	case ErrorToolNotFound:
		return "the requested tool does not exist"
	case ErrorJobNotFound:
		return "no job exists with that id"
	case ErrorInvalidRequest:
		return "the request is missing required fields"
	default:
		return "the request failed"
	}
}
