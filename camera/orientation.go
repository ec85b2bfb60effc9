package camera

// OrientationState carries the ambient rotation inputs sampled at every
// still capture and recording start. The engine owns the authoritative copy
// and mutates it only on the worker goroutine.
type OrientationState struct {
	// SensorOrientation is the fixed mounting angle of the sensor, read from
	// the device capabilities at open time.
	SensorOrientation int

	// Locked freezes the output rotation regardless of how the device is
	// currently held.
	Locked bool

	// LockedStep is the caller-chosen quarter-turn applied while locked.
	// One of 0, 90, 180, 270.
	LockedStep int

	// DeviceOrientation is the live physical rotation reading, degrees
	// clockwise from natural orientation.
	DeviceOrientation int
}

// lockedBaseOffset is the fixed mount compensation added in locked mode.
// Changing it rotates every locked capture on every device.
const lockedBaseOffset = 90

// RotationHint computes the rotation consumers must apply at display time.
// Frames are never rotated in the capture path; the hint travels as container
// or EXIF metadata.
func RotationHint(st OrientationState) int {
	if st.Locked {
		return normalizeDegrees(st.SensorOrientation + lockedBaseOffset + st.LockedStep)
	}
	return normalizeDegrees(st.SensorOrientation + st.DeviceOrientation)
}

// normalizeDegrees wraps an angle into [0, 360).
func normalizeDegrees(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// validLockedStep reports whether deg is one of the four quarter-turn values
// accepted for the locked rotation step.
func validLockedStep(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}
