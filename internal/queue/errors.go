package queue

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's not WAITING
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in WAITING status")

	// ErrJobLost is returned when a worker updates a job it no longer owns
	ErrJobLost = errors.New("job lock lost")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrSchedulerNotFound is returned when removing an unknown recurring schedule
	ErrSchedulerNotFound = errors.New("scheduler not found")
)

// UnrecoverableError marks failures that must not be retried: the job fails
// terminally on the attempt that returned it.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err so the queue skips remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err, or anything it wraps, is unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u) || errors.Is(err, ErrInvalidPayload)
}
