package models

import "errors"

var (
	ErrInvalidReportID     = errors.New("report id is required")
	ErrNoCrashes           = errors.New("report has no crashes")
	ErrInvalidSourceCommit = errors.New("kernel source commit is required")
	ErrInvalidTaskType     = errors.New("invalid task type")
	ErrInvalidTaskStatus   = errors.New("invalid task status")
	ErrInvalidEventType    = errors.New("invalid event type")
	ErrInvalidEntityID     = errors.New("entity id is required")
	ErrInvalidTransition   = errors.New("invalid task status transition")
)
