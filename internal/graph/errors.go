package graph

import "errors"

var (

	// ErrUnknownStage indicates a reference to a stage the recipe does not
	// declare.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrAmbiguousStage indicates a stage reference that shadowing makes
	// ambiguous.
	ErrAmbiguousStage = errors.New("ambiguous stage reference")

	// ErrCycle indicates circular stage dependencies.
	ErrCycle = errors.New("stage dependency cycle")
)
