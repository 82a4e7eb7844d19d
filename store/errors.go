package store

import "errors"

// ErrClosed is returned when a store operation is attempted after Close.
var ErrClosed = errors.New("store: closed")
