package broker

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned by AddJob when an option is out of range,
// before any store call is made.
var ErrInvalidArgument = errors.New("broker: invalid argument")

// TimeoutError is synthesized by CheckStalled for a job whose processing
// lease has exceeded its JobTimeout. Indistinguishable from a processor
// error as far as retry accounting is concerned.
type TimeoutError struct {
	JobID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broker: job %s exceeded its processing lease", e.JobID)
}
