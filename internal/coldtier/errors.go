package coldtier

import (
	"errors"
	"fmt"
)

var (
	// ErrUpload marks a single failed attempt. It is retried.
	ErrUpload = errors.New("upload attempt failed")

	// ErrFatalUpload marks an upload that gave up and was aborted.
	ErrFatalUpload = errors.New("upload failed")

	ErrObjectNotFound = errors.New("object not found")
)

// FatalUploadError is returned once a session has been aborted. Part is zero
// when the failure was not tied to a single part.
type FatalUploadError struct {
	Key      string
	UploadID string
	Part     int
	Attempts int
	Err      error
}

func (e *FatalUploadError) Error() string {
	if e.Part == 0 {
		return fmt.Sprintf("upload %s (id %q) failed after %d attempts: %v", e.Key, e.UploadID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("upload %s (id %q) part %d failed after %d attempts: %v", e.Key, e.UploadID, e.Part, e.Attempts, e.Err)
}

func (e *FatalUploadError) Unwrap() error {
	return e.Err
}

func (e *FatalUploadError) Is(target error) bool {
	return target == ErrFatalUpload
}
