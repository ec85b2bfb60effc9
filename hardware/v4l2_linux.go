//go:build linux && cgo

package hardware

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"
)

func init() {
	Register("v4l2", func(logger *zap.Logger) (Backend, error) {
		return NewV4L2Backend(logger), nil
	})
}

// v4l2SizeLadder is the set of stream sizes the backend is willing to
// configure. UVC webcams scale internally, so the ladder stands in for
// per-device format enumeration.
var v4l2SizeLadder = []Size{
	{1920, 1080},
	{1280, 720},
	{640, 480},
}

// V4L2Backend drives Video4Linux cameras through go4vl, encoding clips with
// an ffmpeg child process.
type V4L2Backend struct {
	logger *zap.Logger

	mu     sync.Mutex
	device *v4l2Device
	closed bool
}

// NewV4L2Backend creates the Video4Linux backend.
func NewV4L2Backend(logger *zap.Logger) *V4L2Backend {
	return &V4L2Backend{logger: logger.With(zap.String("backend", "v4l2"))}
}

func (b *V4L2Backend) Name() string { return "v4l2" }

func (b *V4L2Backend) Devices() ([]string, error) {
	paths, err := filepath.Glob("/dev/video[0-9]*")
	if err != nil {
		return nil, fmt.Errorf("scan video devices: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (b *V4L2Backend) Capabilities(deviceID string) (*Capabilities, error) {
	sizes := make([]Size, len(v4l2SizeLadder))
	copy(sizes, v4l2SizeLadder)
	return &Capabilities{
		DeviceID:          deviceID,
		LensFacing:        LensExternal,
		SensorOrientation: 0,
		PhotoSizes:        sizes,
		PreviewSizes:      sizes,
		FPSRanges: []FPSRange{
			{15, 15},
			{15, 30},
			{30, 30},
		},
		Profiles: map[Tier]RecordingProfile{
			TierHigh: {
				Resolution:      Size{1920, 1080},
				FrameRate:       30,
				VideoBitrate:    8000000,
				AudioBitrate:    128000,
				AudioSampleRate: 44100,
			},
			Tier1080p: {
				Resolution:      Size{1920, 1080},
				FrameRate:       30,
				VideoBitrate:    8000000,
				AudioBitrate:    128000,
				AudioSampleRate: 44100,
			},
			Tier720p: {
				Resolution:      Size{1280, 720},
				FrameRate:       30,
				VideoBitrate:    4000000,
				AudioBitrate:    96000,
				AudioSampleRate: 44100,
			},
			Tier480p: {
				Resolution:      Size{640, 480},
				FrameRate:       30,
				VideoBitrate:    1500000,
				AudioBitrate:    96000,
				AudioSampleRate: 44100,
			},
		},
	}, nil
}

func (b *V4L2Backend) Open(deviceID string, events DeviceEvents) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("v4l2: backend closed")
	}
	if b.device != nil {
		b.mu.Unlock()
		return fmt.Errorf("v4l2: device %s already open", b.device.id)
	}
	dev := &v4l2Device{backend: b, id: deviceID, events: events, logger: b.logger}
	b.device = dev
	b.mu.Unlock()

	// Probe the node before confirming the open. The streaming handle itself
	// is created per session, once target sizes are known.
	go func() {
		probe, err := device.Open(deviceID)
		if err != nil {
			b.mu.Lock()
			b.device = nil
			b.mu.Unlock()
			events.Failed(fmt.Errorf("open %s: %w", deviceID, err))
			return
		}
		probe.Close()
		events.Opened(dev)
	}()
	return nil
}

func (b *V4L2Backend) NewRecorder(params RecordingParameters, outputPath string) (Recorder, error) {
	if params.Resolution.Width <= 0 || params.Resolution.Height <= 0 {
		return nil, fmt.Errorf("v4l2: invalid recording resolution %s", params.Resolution)
	}
	return newFFmpegRecorder(params, outputPath, b.logger), nil
}

func (b *V4L2Backend) Close() error {
	b.mu.Lock()
	dev := b.device
	b.device = nil
	b.closed = true
	b.mu.Unlock()
	if dev != nil {
		dev.shutdown()
	}
	return nil
}

// v4l2Device is an open camera node. The go4vl streaming handle lives inside
// the session because V4L2 requires stream-off to change formats.
type v4l2Device struct {
	backend *V4L2Backend
	id      string
	events  DeviceEvents
	logger  *zap.Logger

	mu      sync.Mutex
	session *v4l2Session
	closed  bool
}

func (d *v4l2Device) ID() string { return d.id }

func (d *v4l2Device) Configure(targets []*Target, events SessionEvents) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("v4l2: device closed")
	}
	old := d.session
	d.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	go func() {
		s, err := newV4L2Session(d, targets, events)
		if err != nil {
			events.ConfigureFailed(err)
			return
		}
		d.mu.Lock()
		closed := d.closed
		if !closed {
			d.session = s
		}
		d.mu.Unlock()
		if closed {
			s.shutdown()
			events.ConfigureFailed(errors.New("v4l2: device closed during configure"))
			return
		}
		events.Configured(s)
	}()
	return nil
}

func (d *v4l2Device) Close(closed func()) error {
	d.shutdown()
	go closed()
	return nil
}

func (d *v4l2Device) shutdown() {
	d.mu.Lock()
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s != nil {
		s.shutdown()
	}
}

// v4l2Session owns one streaming configuration: an MJPEG stream at the
// preview size, fanned out to the attached targets.
type v4l2Session struct {
	device *v4l2Device
	logger *zap.Logger
	events SessionEvents

	dev    *device.Device
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	repeating bool
	pending   *CaptureRequest
	seq       uint64

	preview *Target
	still   *Target
	record  *Target
}

func newV4L2Session(d *v4l2Device, targets []*Target, events SessionEvents) (*v4l2Session, error) {
	s := &v4l2Session{device: d, logger: d.logger, events: events}
	for _, tgt := range targets {
		switch tgt.Kind {
		case TargetPreview:
			s.preview = tgt
		case TargetStill:
			s.still = tgt
		case TargetRecord:
			s.record = tgt
		}
	}
	if s.preview == nil {
		return nil, errors.New("v4l2: session requires a preview target")
	}

	frameRate := uint32(30)
	if s.record != nil && s.record.Recorder != nil {
		if fr := s.record.Recorder.Parameters().FrameRate; fr > 0 {
			frameRate = uint32(fr)
		}
	}

	dev, err := device.Open(d.id,
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(s.preview.Width),
			Height:      uint32(s.preview.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithFPS(frameRate),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s for streaming: %w", d.id, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := dev.Start(s.ctx); err != nil {
		s.cancel()
		dev.Close()
		return nil, fmt.Errorf("start streaming on %s: %w", d.id, err)
	}
	s.dev = dev

	s.wg.Add(1)
	go s.forwardLoop()
	return s, nil
}

// forwardLoop fans captured frames out to the session targets.
func (s *v4l2Session) forwardLoop() {
	defer s.wg.Done()
	output := s.dev.GetOutput()
	for {
		select {
		case <-s.ctx.Done():
			return
		case raw, ok := <-output:
			if !ok {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if !closed {
					s.logger.Error("Video stream ended unexpectedly", zap.String("device", s.device.id))
					s.device.events.Disconnected(errors.New("v4l2: stream ended"))
				}
				return
			}
			if len(raw) == 0 {
				continue
			}
			// The driver recycles its mmap buffers after delivery.
			data := make([]byte, len(raw))
			copy(data, raw)

			s.mu.Lock()
			s.seq++
			frame := Frame{
				Data:      data,
				Width:     s.preview.Width,
				Height:    s.preview.Height,
				Format:    FormatJPEG,
				Timestamp: time.Now().UnixNano(),
				Sequence:  s.seq,
			}
			repeating := s.repeating
			pending := s.pending
			s.pending = nil
			record := s.record
			s.mu.Unlock()

			if repeating && s.preview.OnFrame != nil {
				s.preview.OnFrame(frame)
			}
			if pending != nil && s.still != nil && s.still.OnFrame != nil {
				// Stills reuse the stream resolution; V4L2 has no separate
				// still pipeline.
				s.still.OnFrame(frame)
			}
			if record != nil && record.Recorder != nil {
				if rec, ok := record.Recorder.(*ffmpegRecorder); ok {
					if err := rec.WriteFrame(data); err != nil {
						s.logger.Warn("Encoder rejected frame", zap.Error(err))
					}
				}
			}
		}
	}
}

func (s *v4l2Session) SetRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("v4l2: session closed")
	}
	s.repeating = true
	return nil
}

func (s *v4l2Session) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeating = false
	return nil
}

func (s *v4l2Session) Capture(req CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("v4l2: session closed")
	}
	if s.still == nil {
		return errors.New("v4l2: no still target configured")
	}
	if s.pending != nil {
		return errors.New("v4l2: capture already pending")
	}
	s.pending = &req
	return nil
}

func (s *v4l2Session) Close() {
	s.shutdown()
	if s.events.Closed != nil {
		go s.events.Closed()
	}
}

func (s *v4l2Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.repeating = false
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil && pending.Failed != nil {
		pending.Failed(errors.New("v4l2: session closed before capture"))
	}
	s.cancel()
	s.wg.Wait()
	if err := s.dev.Close(); err != nil {
		s.logger.Warn("Closing video device", zap.String("device", s.device.id), zap.Error(err))
	}
}
