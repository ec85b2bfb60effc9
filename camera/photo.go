package camera

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// stillQueueDepth is the buffer depth of the still target; one shot is in
// flight at a time.
const stillQueueDepth = 1

// stillJPEGQuality is the encode quality for raw still frames. Hardware that
// delivers JPEG directly is written as-is.
const stillJPEGQuality = 95

// capturePipeline is the one-shot still photo path. It issues a single
// capture request against the active session's still target and bridges the
// resulting frame back to the blocked caller, writing the bytes to disk
// before the caller resumes.
type capturePipeline struct {
	logger      *zap.Logger
	post        func(func()) bool
	exec        func(func()) error
	controller  *sessionController
	orientation func() OrientationState
	timeout     time.Duration

	// worker-owned
	target   *hardware.Target
	shot     *pending
	shotPath string

	captured atomic.Uint64
}

func newCapturePipeline(controller *sessionController, orientation func() OrientationState,
	timeout time.Duration, post func(func()) bool, exec func(func()) error,
	logger *zap.Logger) *capturePipeline {
	return &capturePipeline{
		logger:      logger,
		post:        post,
		exec:        exec,
		controller:  controller,
		orientation: orientation,
		timeout:     timeout,
	}
}

// prepare builds the still target at the chosen photo size. Worker context.
func (c *capturePipeline) prepare(size hardware.Size) {
	c.target = &hardware.Target{
		Kind:       hardware.TargetStill,
		Width:      size.Width,
		Height:     size.Height,
		QueueDepth: stillQueueDepth,
		OnFrame: func(frame hardware.Frame) {
			c.post(func() { c.handleStillFrame(frame) })
		},
	}
}

// takePicture captures one still into outputPath, returning the written path
// or "" on any failure. At most one capture is in flight; a concurrent second
// call is the caller's error and is not guarded against.
func (c *capturePipeline) takePicture(outputPath string) string {
	requestID := uuid.NewString()
	pend := newPending(opStill, requestID, c.logger)

	var (
		sess hardware.Session
		hint int
	)
	if err := c.exec(func() {
		if c.controller.state != stateActive || c.controller.mode != modePreviewOnly {
			c.logger.Warn("Still capture unavailable",
				zap.Stringer("state", c.controller.state),
				zap.Stringer("mode", c.controller.mode))
			return
		}
		sess = c.controller.session
		hint = RotationHint(c.orientation())
		c.shot = pend
		c.shotPath = outputPath
	}); err != nil {
		return ""
	}
	if sess == nil {
		return ""
	}

	req := hardware.CaptureRequest{
		RequestID:   requestID,
		Orientation: hint,
		Failed: func(err error) {
			c.post(func() { c.failShot(pend, err) })
		},
	}
	if err := sess.Capture(req); err != nil {
		// Synchronous rejection: the session is tearing down underneath us.
		c.logger.Warn("Still capture rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = c.exec(func() { c.clearShot(pend) })
		return ""
	}

	if res := pend.await(c.timeout); res.err != nil {
		c.logger.Error("Still capture failed",
			zap.String("request_id", requestID),
			zap.String("path", outputPath),
			zap.Error(res.err))
		_ = c.exec(func() { c.clearShot(pend) })
		return ""
	}

	c.logger.Info("Still captured",
		zap.String("request_id", requestID),
		zap.String("path", outputPath),
		zap.Int("orientation", hint))
	return outputPath
}

// handleStillFrame runs on the worker when the still target delivers. Bytes
// hit the disk before the waiting caller is released.
func (c *capturePipeline) handleStillFrame(frame hardware.Frame) {
	pend := c.shot
	if pend == nil {
		c.logger.Debug("Unsolicited still frame dropped", zap.Uint64("sequence", frame.Sequence))
		return
	}
	path := c.shotPath
	c.shot = nil
	c.shotPath = ""

	data, err := encodeJPEG(frame, stillJPEGQuality)
	if err != nil {
		pend.resolve(result{err: err})
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		pend.resolve(result{err: fmt.Errorf("write still: %w", err)})
		return
	}
	c.captured.Add(1)
	pend.resolve(result{})
}

// failShot runs on the worker when the hardware reports the request failed.
func (c *capturePipeline) failShot(pend *pending, err error) {
	c.clearShot(pend)
	pend.resolve(result{err: err})
}

// clearShot empties the shot slot if it still belongs to pend. Worker
// context; keeps a timed-out shot from clobbering its successor.
func (c *capturePipeline) clearShot(pend *pending) {
	if c.shot == pend {
		c.shot = nil
		c.shotPath = ""
	}
}

// failAny fails whatever shot is in flight. Worker context; used on device
// loss so the caller does not ride out the full timeout.
func (c *capturePipeline) failAny(err error) {
	if c.shot == nil {
		return
	}
	pend := c.shot
	c.shot = nil
	c.shotPath = ""
	pend.resolve(result{err: err})
}
