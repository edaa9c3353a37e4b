// internal/session/errors.go
package session

import "errors"

var (
	// ErrInvalidURL means the target is not an absolute http or https URL with a host.
	ErrInvalidURL = errors.New("invalid target URL")
	// ErrSessionAlreadyActive is returned by Start unless the controller is idle.
	ErrSessionAlreadyActive = errors.New("a logging session is already running")
	// ErrBrowserLaunch wraps failures to start the browser engine.
	ErrBrowserLaunch = errors.New("browser launch failed")
	// ErrNavigation wraps failures to issue the initial navigation.
	ErrNavigation = errors.New("navigation failed")
)
