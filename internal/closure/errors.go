package closure

import (
	"fmt"
	"time"
)

// ValidationError rejects malformed input before any partner call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PreconditionError means the account is not in a state the requested
// operation can act on. The request was well formed; the world said no.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}

// PollTimeoutError reports a bounded poll that exhausted its budget before
// the condition held. The operation may be retried or resumed later.
type PollTimeoutError struct {
	Op     string
	Waited time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s: condition not met after %s", e.Op, e.Waited)
}
