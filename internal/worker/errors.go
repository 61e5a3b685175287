package worker

import "errors"

// Error taxonomy shared by all worker kinds. Callers match with
// errors.Is; concrete messages are attached via fmt.Errorf %w wrapping.
var (
	// ErrSpawnFailed means the child executable could not be started at
	// all (missing binary, permission denied). Surfaced synchronously.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrAlreadyRunning means a worker of this kind is already live.
	// The caller should stop it first; the original handle is untouched.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrNotRunning means the operation needs a live worker that isn't there.
	ErrNotRunning = errors.New("worker not running")

	// ErrTimeout means a request exceeded its deadline. The pending
	// entry has been removed; the caller may retry.
	ErrTimeout = errors.New("request timed out")

	// ErrDisconnected means the worker died while the request was in
	// flight. Every in-flight waiter observes this exactly once.
	ErrDisconnected = errors.New("worker disconnected")

	// ErrProtocol means a frame from the child could not be decoded.
	// Connection-fatal for Content-Length framing only.
	ErrProtocol = errors.New("protocol error")
)
