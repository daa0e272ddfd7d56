package recipe

import "errors"

var (

	// ErrParse indicates the recipe could not be parsed.
	ErrParse = errors.New("recipe parse error")
)
