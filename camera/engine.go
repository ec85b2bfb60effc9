// Package camera implements the remote capture core: a single engine that
// owns one camera device and drives preview streaming, still capture, and
// clip recording over it.
//
// All mutable state lives on one worker goroutine. Backend callbacks and
// public calls alike funnel through its control queue, so the hardware's
// dispatch threads never contend with callers. Blocking operations park on
// single-slot futures with explicit deadlines; failure causes stay in the
// logs and collapse to booleans and empty paths at the public boundary.
package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/config"
	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// Engine is the public entry point. One Engine owns at most one open device;
// Initialize binds it, Release tears everything down. Methods are safe to
// call from any goroutine, but blocking operations (TakePicture,
// StartRecording, StopRecording) are meant to be sequential: the engine
// serializes them internally and concurrent calls just queue up.
type Engine struct {
	backend hardware.Backend
	cfg     *config.Config
	logger  *zap.Logger

	// ops carries control work; frames carries preview buffers. Control
	// entries are never dropped, frames are shed when the queue is full.
	ops    chan func()
	frames chan hardware.Frame
	done   chan struct{}
	wg     sync.WaitGroup

	postMu     sync.RWMutex
	postClosed bool

	released atomic.Bool

	gateway    *deviceGateway
	controller *sessionController
	preview    *previewPipeline
	photo      *capturePipeline
	recording  *recordingPipeline

	// worker-owned
	deviceID    string
	caps        *hardware.Capabilities
	orientation OrientationState
	previewSize hardware.Size
	stillSize   hardware.Size
}

// NewEngine builds an engine over the given backend and starts its worker.
// A nil cfg uses the built-in defaults.
func NewEngine(backend hardware.Backend, cfg *config.Config, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	queueSize := cfg.Buffers.ControlQueueSize
	if queueSize <= 0 {
		queueSize = 16
	}

	e := &Engine{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "capture-engine")),
		ops:     make(chan func(), queueSize),
		frames:  make(chan hardware.Frame, previewQueueDepth),
		done:    make(chan struct{}),
	}

	e.gateway = newDeviceGateway(backend, e.post, e.exec,
		msToDuration(cfg.Timeouts.DeviceOpen), msToDuration(cfg.Timeouts.SessionClose),
		e.deviceLost, e.logger)
	e.preview = newPreviewPipeline(e.emitFrame,
		cfg.Preview.JPEGQuality, cfg.Logging.FrameLogInterval, e.logger)
	e.controller = newSessionController(e.gateway,
		func() *hardware.Target { return e.preview.target },
		func() *hardware.Target { return e.photo.target },
		msToDuration(cfg.Timeouts.SessionConfigure), msToDuration(cfg.Timeouts.SessionClose),
		e.post, e.exec, e.logger)
	e.photo = newCapturePipeline(e.controller, e.orientationState,
		msToDuration(cfg.Timeouts.StillCapture), e.post, e.exec, e.logger)
	e.recording = newRecordingPipeline(backend, e.controller, e.orientationState,
		cfg.Recording, msToDuration(cfg.Timeouts.MinRecording),
		e.post, e.exec, e.logger)

	e.wg.Add(1)
	go e.run()
	return e
}

// run is the worker loop. Control entries outrank frames so a saturated
// preview queue can never delay an operation.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.ops:
			fn()
			continue
		default:
		}
		select {
		case fn := <-e.ops:
			fn()
		case frame := <-e.frames:
			e.preview.process(frame)
		case <-e.done:
			// Entries enqueued before shutdown still run; their callers are
			// parked in exec waiting for them.
			for {
				select {
				case fn := <-e.ops:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post submits fn to the worker. Returns false once the engine is released;
// a true return guarantees fn runs.
func (e *Engine) post(fn func()) bool {
	e.postMu.RLock()
	defer e.postMu.RUnlock()
	if e.postClosed {
		return false
	}
	e.ops <- fn
	return true
}

// exec submits fn and waits for it to finish on the worker.
func (e *Engine) exec(fn func()) error {
	ran := make(chan struct{})
	if !e.post(func() {
		fn()
		close(ran)
	}) {
		return errReleased
	}
	<-ran
	return nil
}

// emitFrame hands a preview buffer to the worker without blocking the
// backend's dispatch goroutine. False means the frame was shed.
func (e *Engine) emitFrame(frame hardware.Frame) bool {
	select {
	case e.frames <- frame:
		return true
	default:
		return false
	}
}

// orientationState reads the ambient rotation inputs. Worker context.
func (e *Engine) orientationState() OrientationState {
	return e.orientation
}

// deviceLost runs on the worker when the device drops out from under us.
func (e *Engine) deviceLost(err error) {
	e.controller.handleDeviceLost(err)
	e.photo.failAny(err)
}

// Initialize opens the device and brings up the preview session. Width and
// height bound the preview resolution; zero values take the device's largest
// advertised preview size. Returns false on any failure, after which the
// engine is still usable for a retry.
func (e *Engine) Initialize(deviceID string, previewWidth, previewHeight int) bool {
	if e.released.Load() {
		e.logger.Warn("Initialize after release", zap.String("device", deviceID))
		return false
	}

	caps, err := e.backend.Capabilities(deviceID)
	if err != nil {
		e.logger.Error("Device capabilities unavailable",
			zap.String("device", deviceID),
			zap.Error(err))
		return false
	}

	var claimed bool
	if err := e.exec(func() {
		if e.deviceID != "" {
			return
		}
		e.deviceID = deviceID
		e.controller.state = stateOpening
		claimed = true
	}); err != nil {
		return false
	}
	if !claimed {
		e.logger.Warn("Initialize called twice", zap.String("device", deviceID))
		return false
	}

	previewSize := negotiatePreviewSize(caps.PreviewSizes,
		hardware.Size{Width: previewWidth, Height: previewHeight})
	stillSize := previewSize
	if len(caps.PhotoSizes) > 0 {
		stillSize = caps.PhotoSizes[0]
	}

	if !e.gateway.Open(deviceID) {
		_ = e.exec(func() {
			e.deviceID = ""
			e.controller.state = stateClosed
		})
		return false
	}

	if err := e.exec(func() {
		e.caps = caps
		e.orientation.SensorOrientation = caps.SensorOrientation
		e.previewSize = previewSize
		e.stillSize = stillSize
		e.preview.prepare(previewSize)
		e.photo.prepare(stillSize)
		e.recording.prepare(caps)
	}); err != nil {
		return false
	}

	if !e.controller.reconfigure(modePreviewOnly, nil) {
		e.logger.Error("Initial preview session failed", zap.String("device", deviceID))
		return false
	}

	e.logger.Info("Capture engine initialized",
		zap.String("device", deviceID),
		zap.String("lens", string(caps.LensFacing)),
		zap.String("preview", previewSize.String()),
		zap.String("still", stillSize.String()),
		zap.Int("sensor_orientation", caps.SensorOrientation))
	return true
}

// negotiatePreviewSize picks the largest advertised size fitting the
// requested bounds. Advertised sizes are ordered largest first; a request
// smaller than everything gets the smallest size rather than nothing.
func negotiatePreviewSize(sizes []hardware.Size, want hardware.Size) hardware.Size {
	if len(sizes) == 0 {
		return want
	}
	if want.Width <= 0 || want.Height <= 0 {
		return sizes[0]
	}
	for _, s := range sizes {
		if s.Width <= want.Width && s.Height <= want.Height {
			return s
		}
	}
	return sizes[len(sizes)-1]
}

// SetPreviewSink registers the single preview observer, replacing any prior
// one. The sink runs on the engine worker with the compressed frame and must
// not block; nil detaches.
func (e *Engine) SetPreviewSink(sink func([]byte)) {
	e.post(func() { e.preview.setSink(sink) })
}

// TakePicture captures one still into outputPath. Returns the written path,
// or "" when the capture failed for any reason.
func (e *Engine) TakePicture(outputPath string) string {
	if e.released.Load() {
		e.logger.Warn("Still capture after release", zap.String("path", outputPath))
		return ""
	}
	return e.photo.takePicture(outputPath)
}

// StartRecording begins a clip at outputPath with parameters negotiated from
// the quality hint. Options override individual negotiated parameters.
// Returns false if a recording is already in progress or anything along the
// start path fails; a false return never leaks encoder or session resources.
func (e *Engine) StartRecording(outputPath string, quality hardware.QualityHint, enableAudio bool, opts ...RecordOption) bool {
	if e.released.Load() {
		e.logger.Warn("Recording start after release", zap.String("path", outputPath))
		return false
	}
	return e.recording.start(outputPath, quality, enableAudio, opts...)
}

// StopRecording finalizes the active clip and restores the preview session.
// Returns the clip path, or "" when no recording was active or nothing
// usable was written. Blocks until the clip reaches the minimum duration the
// encoder backend accepts.
func (e *Engine) StopRecording() string {
	if e.released.Load() {
		return ""
	}
	return e.recording.stop()
}

// SetOrientationLock switches between locked rotation (manual step) and live
// device orientation.
func (e *Engine) SetOrientationLock(locked bool) {
	e.post(func() { e.orientation.Locked = locked })
}

// UpdateDeviceOrientation feeds a live orientation reading in degrees.
// Arbitrary angles are normalized into [0,360).
func (e *Engine) UpdateDeviceOrientation(degrees int) {
	e.post(func() { e.orientation.DeviceOrientation = normalizeDegrees(degrees) })
}

// SetLockedRotationStep sets the manual rotation used while locked. Only the
// four quadrant steps are accepted.
func (e *Engine) SetLockedRotationStep(degrees int) {
	if !validLockedStep(degrees) {
		e.logger.Warn("Rejected locked rotation step", zap.Int("degrees", degrees))
		return
	}
	e.post(func() { e.orientation.LockedStep = degrees })
}

// Capabilities reports what a device can do without opening it.
func (e *Engine) Capabilities(deviceID string) (*CapabilityReport, error) {
	caps, err := e.backend.Capabilities(deviceID)
	if err != nil {
		return nil, err
	}
	return BuildCapabilityReport(caps), nil
}

// Release finalizes any active recording, closes the session and device, and
// stops the worker. Idempotent; every public method degrades to its failure
// value afterwards.
func (e *Engine) Release() {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	if path := e.recording.stopIfActive(); path != "" {
		e.logger.Info("Recording finalized during release", zap.String("path", path))
	}
	e.controller.shutdown()
	e.gateway.Close()

	e.postMu.Lock()
	e.postClosed = true
	e.postMu.Unlock()
	close(e.done)
	e.wg.Wait()
	e.logger.Info("Capture engine released")
}

// Stats returns a snapshot of engine counters and state.
func (e *Engine) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"released": e.released.Load(),
	}
	var (
		device string
		state  sessionState
		mode   sessionMode
		active *activeRecording
	)
	if err := e.exec(func() {
		device = e.deviceID
		state = e.controller.state
		mode = e.controller.mode
		active = e.recording.active
	}); err != nil {
		return stats
	}
	stats["device"] = device
	stats["state"] = state.String()
	stats["mode"] = mode.String()
	stats["preview"] = e.preview.stats()
	stats["stills_captured"] = e.photo.captured.Load()

	recording := map[string]interface{}{
		"active":    active != nil,
		"completed": e.recording.completed.Load(),
	}
	if active != nil {
		recording["clip_id"] = active.clipID
		recording["path"] = active.path
	}
	stats["recording"] = recording
	return stats
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
