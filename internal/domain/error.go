package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("too many requests")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Bot session lifecycle
	ErrSessionStopped      = errors.New("bot session was stopped")
	ErrSessionCompleted    = errors.New("bot session already completed")
	ErrSessionFinished     = errors.New("bot session already finished and cannot be stopped")
	ErrActiveSessionExists = errors.New("user already has an active bot session")
)
