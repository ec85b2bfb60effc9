//go:build cv

package hardware

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func init() {
	Register("opencv", func(logger *zap.Logger) (Backend, error) {
		return NewOpenCVBackend(logger), nil
	})
}

// opencvProbeLimit is how many capture indexes device discovery tries.
const opencvProbeLimit = 8

// OpenCVBackend drives cameras through OpenCV's VideoCapture. It exists for
// development boxes where V4L2 is unavailable; device IDs are capture
// indexes.
type OpenCVBackend struct {
	logger *zap.Logger

	mu     sync.Mutex
	device *opencvDevice
	closed bool
}

// NewOpenCVBackend creates the OpenCV backend.
func NewOpenCVBackend(logger *zap.Logger) *OpenCVBackend {
	return &OpenCVBackend{logger: logger.With(zap.String("backend", "opencv"))}
}

func (b *OpenCVBackend) Name() string { return "opencv" }

func (b *OpenCVBackend) Devices() ([]string, error) {
	var ids []string
	for i := 0; i < opencvProbeLimit; i++ {
		cap, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if cap.IsOpened() {
			ids = append(ids, strconv.Itoa(i))
		}
		cap.Close()
	}
	return ids, nil
}

func (b *OpenCVBackend) Capabilities(deviceID string) (*Capabilities, error) {
	if _, err := strconv.Atoi(deviceID); err != nil {
		return nil, fmt.Errorf("opencv: device ID must be a capture index: %w", err)
	}
	sizes := []Size{
		{1920, 1080},
		{1280, 720},
		{640, 480},
	}
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

func (b *OpenCVBackend) Open(deviceID string, events DeviceEvents) error {
	index, err := strconv.Atoi(deviceID)
	if err != nil {
		return fmt.Errorf("opencv: device ID must be a capture index: %w", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("opencv: backend closed")
	}
	if b.device != nil {
		b.mu.Unlock()
		return fmt.Errorf("opencv: device %s already open", b.device.id)
	}
	dev := &opencvDevice{backend: b, id: deviceID, index: index, events: events, logger: b.logger}
	b.device = dev
	b.mu.Unlock()

	go func() {
		probe, err := gocv.OpenVideoCapture(index)
		if err != nil || !probe.IsOpened() {
			if probe != nil {
				probe.Close()
			}
			b.mu.Lock()
			b.device = nil
			b.mu.Unlock()
			events.Failed(fmt.Errorf("opencv: cannot open capture index %d", index))
			return
		}
		probe.Close()
		events.Opened(dev)
	}()
	return nil
}

func (b *OpenCVBackend) NewRecorder(params RecordingParameters, outputPath string) (Recorder, error) {
	if params.Resolution.Width <= 0 || params.Resolution.Height <= 0 {
		return nil, fmt.Errorf("opencv: invalid recording resolution %s", params.Resolution)
	}
	return newFFmpegRecorder(params, outputPath, b.logger), nil
}

func (b *OpenCVBackend) Close() error {
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

type opencvDevice struct {
	backend *OpenCVBackend
	id      string
	index   int
	events  DeviceEvents
	logger  *zap.Logger

	mu      sync.Mutex
	session *opencvSession
	closed  bool
}

func (d *opencvDevice) ID() string { return d.id }

func (d *opencvDevice) Configure(targets []*Target, events SessionEvents) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("opencv: device closed")
	}
	old := d.session
	d.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	go func() {
		s, err := newOpenCVSession(d, targets, events)
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
			events.ConfigureFailed(errors.New("opencv: device closed during configure"))
			return
		}
		events.Configured(s)
	}()
	return nil
}

func (d *opencvDevice) Close(closed func()) error {
	d.shutdown()
	go closed()
	return nil
}

func (d *opencvDevice) shutdown() {
	d.mu.Lock()
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s != nil {
		s.shutdown()
	}
}

// opencvSession reads frames in a loop, JPEG-encodes them, and fans them out
// to the attached targets.
type opencvSession struct {
	device *opencvDevice
	logger *zap.Logger
	events SessionEvents

	cap  *gocv.VideoCapture
	stop chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	repeating bool
	pending   *CaptureRequest
	seq       uint64

	preview *Target
	still   *Target
	record  *Target
}

func newOpenCVSession(d *opencvDevice, targets []*Target, events SessionEvents) (*opencvSession, error) {
	s := &opencvSession{device: d, logger: d.logger, events: events, stop: make(chan struct{})}
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
		return nil, errors.New("opencv: session requires a preview target")
	}

	frameRate := 30
	if s.record != nil && s.record.Recorder != nil {
		if fr := s.record.Recorder.Parameters().FrameRate; fr > 0 {
			frameRate = fr
		}
	}

	cap, err := gocv.OpenVideoCapture(d.index)
	if err != nil {
		return nil, fmt.Errorf("opencv: open capture index %d: %w", d.index, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("opencv: capture index %d not opened", d.index)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(s.preview.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(s.preview.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(frameRate))
	s.cap = cap

	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *opencvSession) readLoop() {
	defer s.wg.Done()
	img := gocv.NewMat()
	defer img.Close()

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if !s.cap.Read(&img) || img.Empty() {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		buf, err := gocv.IMEncode(".jpg", img)
		if err != nil {
			s.logger.Warn("JPEG encode failed", zap.Error(err))
			continue
		}
		// GetBytes aliases native memory freed by Close.
		encoded := buf.GetBytes()
		data := make([]byte, len(encoded))
		copy(data, encoded)
		buf.Close()

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

func (s *opencvSession) SetRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("opencv: session closed")
	}
	s.repeating = true
	return nil
}

func (s *opencvSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeating = false
	return nil
}

func (s *opencvSession) Capture(req CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("opencv: session closed")
	}
	if s.still == nil {
		return errors.New("opencv: no still target configured")
	}
	if s.pending != nil {
		return errors.New("opencv: capture already pending")
	}
	s.pending = &req
	return nil
}

func (s *opencvSession) Close() {
	s.shutdown()
	if s.events.Closed != nil {
		go s.events.Closed()
	}
}

func (s *opencvSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.repeating = false
	pending := s.pending
	s.pending = nil
	close(s.stop)
	s.mu.Unlock()

	if pending != nil && pending.Failed != nil {
		pending.Failed(errors.New("opencv: session closed before capture"))
	}
	s.wg.Wait()
	if err := s.cap.Close(); err != nil {
		s.logger.Warn("Closing video capture", zap.String("device", s.device.id), zap.Error(err))
	}
}
