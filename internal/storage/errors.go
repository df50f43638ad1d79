package storage

import "errors"

// ErrNotFound is returned when a session or journal entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownDriver is returned by NewStorage for unsupported drivers.
var ErrUnknownDriver = errors.New("unknown storage driver")
