package task

import "errors"

var (
	// Lookup errors
	ErrNotFound = errors.New("task not found")

	// Lifecycle errors
	ErrAlreadyLive = errors.New("task is already living")
	ErrNotLiving   = errors.New("task is not living")
	ErrStillLiving = errors.New("task is still living")
	// ErrEngineRunning means another process owns the task database
	ErrEngineRunning = errors.New("engine already running")

	// Input validation errors
	ErrValidation = errors.New("invalid task definition")

	// Persistence errors
	ErrStore      = errors.New("store failure")
	ErrFilesystem = errors.New("filesystem failure")
)
