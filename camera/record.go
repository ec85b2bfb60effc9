package camera

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/config"
	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// RecordOption overrides a negotiated recording parameter.
type RecordOption func(*recordOverrides)

type recordOverrides struct {
	resolution *hardware.Size
	frameRate  int
}

// WithResolution replaces the negotiated recording resolution. Bitrates and
// sample rate still come from the matched quality tier.
func WithResolution(width, height int) RecordOption {
	return func(o *recordOverrides) {
		o.resolution = &hardware.Size{Width: width, Height: height}
	}
}

// WithFrameRate replaces the negotiated recording frame rate.
func WithFrameRate(fps int) RecordOption {
	return func(o *recordOverrides) {
		o.frameRate = fps
	}
}

// activeRecording is the state of one clip in progress.
type activeRecording struct {
	recorder  hardware.Recorder
	target    *hardware.Target
	clipID    string
	path      string
	params    hardware.RecordingParameters
	startedAt time.Time
}

// recordingPipeline manages the encoder session. Starting a recording
// negotiates parameters against the device's quality tiers, swings the
// capture session over to the recording target set, and starts the encoder
// only after the new session confirms. Stopping finalizes the clip and swings
// the session back.
type recordingPipeline struct {
	logger      *zap.Logger
	post        func(func()) bool
	exec        func(func()) error
	backend     hardware.Backend
	controller  *sessionController
	orientation func() OrientationState
	fallback    config.RecordingConfig
	minDuration time.Duration

	// worker-owned
	caps       *hardware.Capabilities
	persistent *hardware.Target
	arming     bool
	active     *activeRecording

	completed atomic.Uint64
}

func newRecordingPipeline(backend hardware.Backend, controller *sessionController,
	orientation func() OrientationState, fallback config.RecordingConfig, minDuration time.Duration,
	post func(func()) bool, exec func(func()) error, logger *zap.Logger) *recordingPipeline {
	return &recordingPipeline{
		logger:      logger,
		post:        post,
		exec:        exec,
		backend:     backend,
		controller:  controller,
		orientation: orientation,
		fallback:    fallback,
		minDuration: minDuration,
	}
}

// prepare caches the device capabilities the negotiation scans. Worker
// context.
func (r *recordingPipeline) prepare(caps *hardware.Capabilities) {
	r.caps = caps
}

// negotiateRecordingParameters matches the quality hint against the tiers the
// device advertises, walking the fallback chain to the first supported tier.
// Caller-supplied resolution and frame rate replace only those two fields;
// bitrates and sample rate always come from the matched tier. A device with
// no recognized tier gets the first advertised photo resolution and the
// configured conservative defaults.
func negotiateRecordingParameters(caps *hardware.Capabilities, hint hardware.QualityHint,
	over recordOverrides, fallback config.RecordingConfig, logger *zap.Logger) hardware.RecordingParameters {
	var params hardware.RecordingParameters
	matched := false
	for _, tier := range hardware.FallbackChain(hardware.TierForHint(hint)) {
		profile, ok := caps.Profiles[tier]
		if !ok {
			continue
		}
		params = hardware.RecordingParameters{
			Resolution:      profile.Resolution,
			FrameRate:       profile.FrameRate,
			VideoBitrate:    profile.VideoBitrate,
			AudioBitrate:    profile.AudioBitrate,
			AudioSampleRate: profile.AudioSampleRate,
		}
		logger.Info("Recording tier matched",
			zap.String("hint", string(hint)),
			zap.String("tier", string(tier)),
			zap.String("resolution", profile.Resolution.String()),
			zap.Int("frame_rate", profile.FrameRate))
		matched = true
		break
	}
	if !matched {
		params = hardware.RecordingParameters{
			FrameRate:       fallback.FallbackFrameRate,
			VideoBitrate:    fallback.FallbackVideoBitrate,
			AudioBitrate:    fallback.FallbackAudioBitrate,
			AudioSampleRate: fallback.FallbackSampleRate,
		}
		if len(caps.PhotoSizes) > 0 {
			params.Resolution = caps.PhotoSizes[0]
		}
		logger.Warn("No supported quality tier, using conservative defaults",
			zap.String("hint", string(hint)),
			zap.String("resolution", params.Resolution.String()),
			zap.Int("frame_rate", params.FrameRate))
	}
	if over.resolution != nil {
		params.Resolution = *over.resolution
	}
	if over.frameRate > 0 {
		params.FrameRate = over.frameRate
	}
	return params
}

// start negotiates parameters, reconfigures the session around the recording
// target set, and starts the encoder once the new session confirms. Any
// failure releases everything allocated so far before reporting false.
func (r *recordingPipeline) start(outputPath string, quality hardware.QualityHint, enableAudio bool, opts ...RecordOption) bool {
	var over recordOverrides
	for _, opt := range opts {
		opt(&over)
	}

	var (
		caps     *hardware.Capabilities
		hint     int
		reserved bool
	)
	if err := r.exec(func() {
		if r.active != nil || r.arming || r.caps == nil {
			return
		}
		r.arming = true
		caps = r.caps
		hint = RotationHint(r.orientation())
		reserved = true
	}); err != nil {
		return false
	}
	if !reserved {
		r.logger.Warn("Recording start refused", zap.String("path", outputPath))
		return false
	}

	clipID := uuid.NewString()
	log := r.logger.With(zap.String("clip_id", clipID))

	params := negotiateRecordingParameters(caps, quality, over, r.fallback, log)
	params.ClipID = clipID
	params.EnableAudio = enableAudio
	params.OrientationHint = hint

	recorder, err := r.backend.NewRecorder(params, outputPath)
	if err != nil {
		log.Error("Encoder allocation failed", zap.Error(err))
		r.disarm()
		return false
	}

	target := r.bindTarget(recorder, params)

	if !r.controller.reconfigure(modePreviewRecord, target) {
		// No leaked encoder: release it before reporting failure, then put
		// the preview+still session back so captures keep working.
		log.Error("Recording session configuration failed, releasing encoder")
		r.unbindTarget(target)
		recorder.Release()
		if !r.controller.reconfigure(modePreviewOnly, nil) {
			log.Warn("Preview session not restored after failed recording start")
		}
		r.disarm()
		return false
	}

	if err := recorder.Start(); err != nil {
		log.Error("Encoder start failed", zap.Error(err))
		r.unbindTarget(target)
		recorder.Release()
		if !r.controller.reconfigure(modePreviewOnly, nil) {
			log.Warn("Preview session not restored after failed encoder start")
		}
		r.disarm()
		return false
	}

	_ = r.exec(func() {
		r.active = &activeRecording{
			recorder:  recorder,
			target:    target,
			clipID:    clipID,
			path:      outputPath,
			params:    params,
			startedAt: time.Now(),
		}
		r.arming = false
	})

	log.Info("Recording started",
		zap.String("path", outputPath),
		zap.String("resolution", params.Resolution.String()),
		zap.Int("frame_rate", params.FrameRate),
		zap.Int("video_bitrate", params.VideoBitrate),
		zap.Int("orientation", hint),
		zap.Bool("audio", enableAudio))
	return true
}

// stop finalizes the active recording and swings the session back to
// preview-only, returning the clip path or "" when nothing usable was
// written.
func (r *recordingPipeline) stop() string {
	var act *activeRecording
	if err := r.exec(func() {
		act = r.active
		r.active = nil
	}); err != nil {
		return ""
	}
	if act == nil {
		r.logger.Warn("Stop requested with no active recording")
		return ""
	}
	log := r.logger.With(zap.String("clip_id", act.clipID))

	// The encoder backend rejects clips shorter than the minimum duration;
	// hold the stop until the clip is old enough.
	if elapsed := time.Since(act.startedAt); elapsed < r.minDuration {
		wait := r.minDuration - elapsed
		log.Debug("Holding stop for minimum clip duration", zap.Duration("wait", wait))
		time.Sleep(wait)
	}

	defer act.recorder.Release()
	stopErr := act.recorder.Stop()

	if !r.controller.reconfigure(modePreviewOnly, nil) {
		log.Warn("Preview session not restored after recording")
	}
	r.unbindTarget(act.target)

	if stopErr != nil {
		log.Error("Encoder finalize failed", zap.Error(stopErr))
		if info, err := os.Stat(act.path); err == nil && info.Size() > 0 {
			// An imperfect clip beats a discarded one.
			log.Warn("Keeping partial clip",
				zap.String("path", act.path),
				zap.Int64("bytes", info.Size()))
			r.completed.Add(1)
			return act.path
		}
		return ""
	}

	r.completed.Add(1)
	log.Info("Recording finished",
		zap.String("path", act.path),
		zap.Duration("duration", time.Since(act.startedAt)))
	return act.path
}

// stopIfActive finalizes any clip in flight without complaining when there is
// none. Release path.
func (r *recordingPipeline) stopIfActive() string {
	var active bool
	if err := r.exec(func() { active = r.active != nil }); err != nil {
		return ""
	}
	if !active {
		return ""
	}
	return r.stop()
}

// bindTarget attaches the encoder to a record output target. Backends with
// persistent record targets reuse one target across recordings; others get a
// fresh target per clip.
func (r *recordingPipeline) bindTarget(recorder hardware.Recorder, params hardware.RecordingParameters) *hardware.Target {
	var target *hardware.Target
	_ = r.exec(func() {
		if r.persistent != nil {
			r.persistent.Recorder = recorder
			r.persistent.Width = params.Resolution.Width
			r.persistent.Height = params.Resolution.Height
			target = r.persistent
			return
		}
		target = &hardware.Target{
			Kind:       hardware.TargetRecord,
			Width:      params.Resolution.Width,
			Height:     params.Resolution.Height,
			QueueDepth: 1,
			Recorder:   recorder,
			Persistent: r.caps != nil && r.caps.PersistentRecordTarget,
		}
		if target.Persistent {
			r.persistent = target
		}
	})
	return target
}

// unbindTarget detaches a finished or released encoder so a reused target
// cannot write into it.
func (r *recordingPipeline) unbindTarget(target *hardware.Target) {
	_ = r.exec(func() {
		if target != nil {
			target.Recorder = nil
		}
	})
}

func (r *recordingPipeline) disarm() {
	_ = r.exec(func() { r.arming = false })
}
