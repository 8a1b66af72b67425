package models

import "fmt"

// MissingModalityError reports a subject lacking a required modality or mask.
type MissingModalityError struct {
	Subject  string
	Modality string
}

func (e *MissingModalityError) Error() string {
	return fmt.Sprintf("subject %s: required modality %s is missing", e.Subject, e.Modality)
}

// SubjectError ties a per-subject failure to the subject it originated from.
// Batch operations collect these instead of aborting, so one bad subject
// cannot take down the others.
type SubjectError struct {
	Subject string
	Err     error
}

func (e *SubjectError) Error() string {
	return fmt.Sprintf("subject %s: %v", e.Subject, e.Err)
}

func (e *SubjectError) Unwrap() error { return e.Err }
