package cmd

// Process exit codes.
const (
	ExitOK          = 0
	ExitInvalidArgs = 1
	ExitConnFailed  = 2
	ExitAuthFailed  = 3
	ExitInterrupted = 130
)

// ExitError carries the process exit code alongside the underlying error.
// An ExitError with a nil Err exits silently with its code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitWith(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}
