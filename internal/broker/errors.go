package broker

import "errors"

var (
	// errBusClosed is returned by produce/subscribe after Close.
	errBusClosed = errors.New("broker is closed")

	// ErrUnknownType marks an envelope whose type is not recognized;
	// consumer loops log and skip these.
	ErrUnknownType = errors.New("unknown envelope type")
)
