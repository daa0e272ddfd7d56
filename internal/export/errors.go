package export

import "errors"

var ErrBadReference = errors.New("invalid reference")
