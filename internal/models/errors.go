package models

import "errors"

// Error kinds of the backup subsystem. Callers wrap them with context and
// match with errors.Is.
var (
	ErrConfigParse   = errors.New("config parse error")
	ErrHostPause     = errors.New("host pause failed")
	ErrHostResume    = errors.New("host resume failed")
	ErrSourceMissing = errors.New("source does not exist")
	ErrEntryRead     = errors.New("archive entry read failed")
	ErrRotation      = errors.New("rotation failed")
	ErrArchiveCreate = errors.New("archive create failed")
	ErrRunInProgress = errors.New("backup already in progress")
)
