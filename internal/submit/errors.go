package submit

import (
	"errors"
	"fmt"
)

// Stage names the step of an attempt that failed.
type Stage string

const (
	StageUpload Stage = "upload"
	StageCommit Stage = "commit"
)

var ErrInProgress = errors.New("submission already in progress")

// SessionError means no session could be established. Nothing was written.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("establish session: %v", e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the uploader.
func (e *SessionError) UserMessage() string {
	return "could not start a session, try again"
}

// SubmissionError is a failed blob upload or commit. Both are retryable by
// submitting again.
type SubmissionError struct {
	Stage Stage
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) UserMessage() string {
	if e.Stage == StageUpload {
		return "upload failed, check connection"
	}
	return "processing failed, try again"
}

// ErrStaleContext means the upload context was resolved for a different
// account id than the payload being submitted.
var ErrStaleContext = errors.New("upload context does not match the payload")
