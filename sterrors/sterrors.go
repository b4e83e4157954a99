// Package sterrors provides structured, programmatically identifiable errors
// for the transport's user-facing operations. Per-packet failures inside the
// listener are never surfaced this way; only the client's connect entry points
// return these. The listener constructors return plain wrapped errors.
package sterrors

import "fmt"

// Stage identifies which step of the connect path failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageBind    Stage = "bind"
	StageHello   Stage = "hello"
	StageVerify  Stage = "verify"
	StageResume  Stage = "resume"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeResolveFailed  Code = "resolve_failed"
	CodeBindFailed     Code = "bind_failed"
	CodeDialFailed     Code = "dial_failed"
	CodeTimeout        Code = "timeout"
	CodeCanceled       Code = "canceled"
	CodePubkeyMismatch Code = "pubkey_mismatch"
	CodeBadReply       Code = "bad_reply"
	CodeSendFailed     Code = "send_failed"
	CodeKeyFailed      Code = "key_failed"
)

// Error carries the failing stage and a stable code alongside the cause.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error; err may be nil when the code says it all.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}
