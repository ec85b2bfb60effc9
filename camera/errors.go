package camera

import "errors"

var (
	// errOpTimeout marks an operation whose hardware callback never arrived
	// in time. The matching slot is poisoned against late resolution.
	errOpTimeout = errors.New("camera: operation timed out")

	// errReleased is returned by worker submission after Release.
	errReleased = errors.New("camera: engine released")
)
