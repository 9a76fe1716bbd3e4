// internal/chat/errors.go
package chat

import "errors"

var (
	// ErrInvalidName is returned by Login for an empty or whitespace-only name.
	ErrInvalidName = errors.New("chat: display name must not be empty")
	// ErrAlreadyLoggedIn is returned by Login while a session is active.
	ErrAlreadyLoggedIn = errors.New("chat: already logged in")
	// ErrNotLoggedIn is returned by operations that need a session.
	ErrNotLoggedIn = errors.New("chat: not logged in")
)
