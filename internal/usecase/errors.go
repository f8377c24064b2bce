package usecase

import "errors"

var (
	// ErrIllegalState reports a lifecycle call made in the wrong state, such as
	// a second Start or Stop, or configuration after Start.
	ErrIllegalState = errors.New("engine: illegal state")
	// ErrRefreshRejected is returned when a refresh is already running or a
	// fetch/ticker phase holds its lock. Refreshes are not queued.
	ErrRefreshRejected = errors.New("engine: refresh rejected")
	ErrNoPairs         = errors.New("engine: no pairs")
	ErrNoWindows       = errors.New("engine: no windows configured")

	errStopped = errors.New("engine: stopped")
	errBusy    = errors.New("engine: phase already in progress")
)
