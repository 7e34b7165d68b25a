package engine

import "errors"

var (
	// ErrBackpressure is returned by a notification when its kind's queue is full.
	ErrBackpressure = errors.New("ingestion queue full")
	// ErrNotRunning is returned by notifications outside Load..Unload.
	ErrNotRunning = errors.New("plugin not running")
	// ErrInvalidNotification rejects a notification without a usable primary key.
	ErrInvalidNotification = errors.New("invalid notification")
	// ErrInternal wraps a panic or other bug caught at the callback boundary.
	ErrInternal = errors.New("internal plugin error")
	// ErrRetriesExhausted marks a batch dropped after its retry budget.
	ErrRetriesExhausted = errors.New("write retries exhausted")
	// ErrBufferClosed is returned by the buffer once it stops accepting work.
	ErrBufferClosed = errors.New("buffer closed")
	// ErrAlreadyLoaded is returned by Load on a running plugin.
	ErrAlreadyLoaded = errors.New("plugin already loaded")
)
