package override

import "errors"

var errPanic = errors.New("override: marker panicked")
