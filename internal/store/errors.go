package store

import "errors"

var (

	// ErrStore indicates a snapshot store failure.
	ErrStore = errors.New("store failure")

	// ErrCorrupt indicates stored blob bytes no longer match their digest.
	ErrCorrupt = errors.New("corrupt blob")

	// ErrUnknownBase indicates an external base reference that cannot be
	// resolved to an archive.
	ErrUnknownBase = errors.New("unknown base")
)
