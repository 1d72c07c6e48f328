package domain

import (
	"encoding/json"
	"time"
)

// AssignmentState tracks where an invocation is between submission and
// result delivery.
type AssignmentState string

const (
	AssignQueued     AssignmentState = "Queued"
	AssignDispatched AssignmentState = "Dispatched"
	AssignResponded  AssignmentState = "Responded"
	AssignFailed     AssignmentState = "Failed"
	AssignTimedOut   AssignmentState = "TimedOut"
)

// Invocation is one request/response exchange for a function.
type Invocation struct {
	RequestID    string
	FunctionID   string
	FunctionName string
	Version      int
	Payload      []byte
	TraceID      string
	SubmittedAt  time.Time
	Deadline     time.Time
	State        AssignmentState
	InstanceID   string // set while Dispatched
}

// FunctionErrorKind distinguishes handler-reported errors from runtime
// crashes, mirroring the X-Amz-Function-Error header values.
type FunctionErrorKind string

const (
	FunctionErrorUnhandled FunctionErrorKind = "Unhandled"
	FunctionErrorHandled   FunctionErrorKind = "Handled"
)

// FunctionErrorPayload is the error record a handler reports on failure.
type FunctionErrorPayload struct {
	ErrorMessage string   `json:"errorMessage"`
	ErrorType    string   `json:"errorType"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

func (p *FunctionErrorPayload) Marshal() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte(`{"errorMessage":"unknown error","errorType":"Unknown"}`)
	}
	return b
}

// InvocationResult is what a submitter receives when the handoff resolves.
type InvocationResult struct {
	RequestID  string
	Payload    []byte
	FnError    FunctionErrorKind // empty when the handler succeeded
	Err        error             // platform error (throttle, timeout, internal)
	ColdStart  bool
	QueueWait  time.Duration
	Duration   time.Duration
	InstanceID string
}
