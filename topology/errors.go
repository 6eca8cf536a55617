package topology

import "errors"

var (
	// ErrInvalidTopology is returned when a topology fails validation
	ErrInvalidTopology = errors.New("topology: invalid topology")

	// ErrUnsupportedVersion is returned for topology files written for an
	// incompatible format version
	ErrUnsupportedVersion = errors.New("topology: unsupported version")
)
