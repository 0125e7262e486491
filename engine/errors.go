package engine

// ErrCode is a gRPC-style application error code, distinct from the
// in-sheet ErrorKind values (#DIV/0! etc) a formula can evaluate to.
// Codes that don't apply to an embedded library (Unauthenticated,
// PermissionDenied) are omitted.
type ErrCode int

const (
	OK ErrCode = 0
	Unknown ErrCode = 2
	InvalidArgument ErrCode = 3
	NotFound ErrCode = 5
	AlreadyExists ErrCode = 6
	ResourceExhausted ErrCode = 8
	FailedPrecondition ErrCode = 9
	OutOfRange ErrCode = 11
	Internal ErrCode = 13
)

// EngineError is an application-level error (bad API call, unknown
// sheet, duplicate name) as opposed to a formula evaluating to one of
// the sheet-visible ErrorKind values.
type EngineError struct {
	Code    ErrCode
	Message string
}

func (e *EngineError) Error() string { return e.Message }

func NewEngineError(code ErrCode, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}
