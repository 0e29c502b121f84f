package repository

import "errors"

// ErrNotFound is returned when a referenced message does not exist.
var ErrNotFound = errors.New("not found")
