package core

import "errors"

var (
	// ErrInvalidState rejects operations attempted outside their valid
	// lifecycle state (e.g. start while not Ready).
	ErrInvalidState = errors.New("core: operation not valid in current state")

	// ErrBusyRecording rejects engine changes while a session is live.
	ErrBusyRecording = errors.New("core: engine is busy recording")

	// ErrModelNotLoaded rejects session start when the active engine has
	// no model loaded yet.
	ErrModelNotLoaded = errors.New("core: active engine has no model loaded")
)
