package worker

import "errors"

var (
	// ErrNoHandler is recorded on jobs whose name has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job")
	// ErrJobNotRetryable is returned by Retry for jobs that are not failed
	// or dead-lettered.
	ErrJobNotRetryable = errors.New("job is not failed or dead-lettered")
	// ErrLeaseLost means the job row is no longer running under this
	// worker, usually because recovery requeued it.
	ErrLeaseLost = errors.New("job lease lost")
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool fails the job without retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
