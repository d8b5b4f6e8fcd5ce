package domain

import "errors"

var (
	// ErrInvalidTransition is returned when a command is not valid in the session's current phase.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrBuzzerAlreadyLocked is returned to every buzzer claim after the first one for a question.
	ErrBuzzerAlreadyLocked = errors.New("buzzer already locked")
	// ErrQuestionNotActive is returned when an answer or joker targets a question that does not accept it.
	ErrQuestionNotActive = errors.New("question not active")
	// ErrNoJokersRemaining is returned when a team has used all of its jokers.
	ErrNoJokersRemaining = errors.New("no jokers remaining")
	// ErrNotFound is returned for unknown session, team, round or question ids.
	ErrNotFound = errors.New("not found")
	// ErrValidationFailed indicates malformed command input.
	ErrValidationFailed = errors.New("validation failed")
	// ErrPersistenceFailure indicates the write-through to storage failed; the mutation was not applied.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Code is a machine-readable error code sent to clients.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeBuzzerAlreadyLocked Code = "BUZZER_ALREADY_LOCKED"
	CodeQuestionNotActive   Code = "QUESTION_NOT_ACTIVE"
	CodeNoJokersRemaining   Code = "NO_JOKERS_REMAINING"
	CodeNotFound            Code = "NOT_FOUND"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodePersistenceFailure  Code = "PERSISTENCE_FAILURE"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrBuzzerAlreadyLocked, CodeBuzzerAlreadyLocked},
	{ErrQuestionNotActive, CodeQuestionNotActive},
	{ErrNoJokersRemaining, CodeNoJokersRemaining},
	{ErrNotFound, CodeNotFound},
	{ErrValidationFailed, CodeValidationFailed},
	{ErrPersistenceFailure, CodePersistenceFailure},
}

// CodeOf maps an error returned by the engine to its wire code.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// IsRetryable reports whether the caller may retry the same command unchanged.
// Only storage failures qualify; every other rejection needs different input or state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}
