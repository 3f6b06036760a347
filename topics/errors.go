package topics

import "errors"

var (
	// ErrClosed is returned by every facade call made after Close.
	ErrClosed = errors.New("topics: runtime is closed")

	ErrUnknownBackend = errors.New("topics: unknown backend")
	ErrScopeReleased  = errors.New("topics: scope already released")
	ErrInvalidPlugin  = errors.New("topics: invalid backend plugin")
	ErrBackendPanic   = errors.New("topics: backend panic")
	ErrTopicNotFound  = errors.New("topics: topic not found")
	ErrMissingTopic   = errors.New("topics: no topic configured")
)
