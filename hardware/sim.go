package hardware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

func init() {
	Register("sim", func(logger *zap.Logger) (Backend, error) {
		return NewSimBackend(SimOptions{}, logger), nil
	})
}

// SimOptions configures the simulated backend. The zero value is a healthy
// single-camera device; the Fail/Hang knobs inject the failure modes real
// hardware produces.
type SimOptions struct {
	DeviceID          string
	SensorOrientation int
	Facing            LensFacing
	PreviewFPS        int
	Profiles          map[Tier]RecordingProfile

	OpenDelay      time.Duration
	ConfigureDelay time.Duration
	CloseDelay     time.Duration
	CaptureDelay   time.Duration

	FailOpen            bool
	OpenHang            bool
	DisconnectAfterOpen bool

	FailConfigure bool
	ConfigureHang bool

	// FailConfigureRecord rejects only configurations that include a record
	// target, leaving preview-only sessions working.
	FailConfigureRecord bool

	CloseHang bool

	RejectCapture      bool
	FailCaptureRequest bool

	// FailFinalize makes recorder Stop return an error after the clip header
	// has been written, modeling a container finalization failure.
	FailFinalize bool

	PersistentRecordTarget bool
}

func (o *SimOptions) applyDefaults() {
	if o.DeviceID == "" {
		o.DeviceID = "sim0"
	}
	if o.SensorOrientation == 0 {
		o.SensorOrientation = 90
	}
	if o.Facing == "" {
		o.Facing = LensBack
	}
	if o.PreviewFPS == 0 {
		o.PreviewFPS = 30
	}
	if o.Profiles == nil {
		o.Profiles = DefaultSimProfiles()
	}
	if o.CaptureDelay == 0 {
		o.CaptureDelay = 20 * time.Millisecond
	}
}

// DefaultSimProfiles returns the tier table of the simulated device, modeled
// on a mid-range phone camera. No 2160p tier: an ultra hint has to walk the
// fallback chain.
func DefaultSimProfiles() map[Tier]RecordingProfile {
	return map[Tier]RecordingProfile{
		TierHigh: {
			Resolution:      Size{1920, 1080},
			FrameRate:       30,
			VideoBitrate:    17000000,
			AudioBitrate:    128000,
			AudioSampleRate: 44100,
		},
		Tier1080p: {
			Resolution:      Size{1920, 1080},
			FrameRate:       30,
			VideoBitrate:    17000000,
			AudioBitrate:    128000,
			AudioSampleRate: 44100,
		},
		Tier720p: {
			Resolution:      Size{1280, 720},
			FrameRate:       30,
			VideoBitrate:    8000000,
			AudioBitrate:    96000,
			AudioSampleRate: 44100,
		},
		Tier480p: {
			Resolution:      Size{720, 480},
			FrameRate:       30,
			VideoBitrate:    2500000,
			AudioBitrate:    96000,
			AudioSampleRate: 44100,
		},
		TierLow: {
			Resolution:      Size{320, 240},
			FrameRate:       15,
			VideoBitrate:    600000,
			AudioBitrate:    64000,
			AudioSampleRate: 22050,
		},
	}
}

// SimBackend is an in-memory camera used by tests and the demo binary. All
// callbacks fire from a single dispatch goroutine, mirroring how a hardware
// binder thread behaves.
type SimBackend struct {
	opts   SimOptions
	logger *zap.Logger

	dispatch chan func()
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	device *simDevice
}

// NewSimBackend creates a simulated backend and starts its dispatcher.
func NewSimBackend(opts SimOptions, logger *zap.Logger) *SimBackend {
	opts.applyDefaults()
	b := &SimBackend{
		opts:     opts,
		logger:   logger.With(zap.String("backend", "sim")),
		dispatch: make(chan func(), 64),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *SimBackend) run() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.dispatch:
			fn()
		case <-b.done:
			return
		}
	}
}

// post queues fn onto the dispatch goroutine, dropping it if the backend is
// shut down.
func (b *SimBackend) post(fn func()) {
	select {
	case <-b.done:
	case b.dispatch <- fn:
	}
}

// later runs fn on the dispatch goroutine after d.
func (b *SimBackend) later(d time.Duration, fn func()) {
	if d <= 0 {
		b.post(fn)
		return
	}
	time.AfterFunc(d, func() { b.post(fn) })
}

func (b *SimBackend) Name() string { return "sim" }

func (b *SimBackend) Devices() ([]string, error) {
	return []string{b.opts.DeviceID}, nil
}

func (b *SimBackend) Capabilities(deviceID string) (*Capabilities, error) {
	if deviceID != b.opts.DeviceID {
		return nil, fmt.Errorf("sim: unknown device %q", deviceID)
	}
	return &Capabilities{
		DeviceID:          deviceID,
		LensFacing:        b.opts.Facing,
		SensorOrientation: b.opts.SensorOrientation,
		PhotoSizes: []Size{
			{1920, 1080},
			{1280, 720},
			{640, 480},
		},
		PreviewSizes: []Size{
			{1920, 1080},
			{1280, 720},
			{640, 480},
			{320, 240},
		},
		FPSRanges: []FPSRange{
			{15, 15},
			{15, 30},
			{30, 30},
			{60, 60},
		},
		Profiles:               b.opts.Profiles,
		PersistentRecordTarget: b.opts.PersistentRecordTarget,
	}, nil
}

func (b *SimBackend) Open(deviceID string, events DeviceEvents) error {
	if deviceID != b.opts.DeviceID {
		return fmt.Errorf("sim: unknown device %q", deviceID)
	}
	if b.opts.OpenHang {
		// Accept the request and never call back.
		return nil
	}
	b.later(b.opts.OpenDelay, func() {
		if b.opts.FailOpen {
			events.Failed(errors.New("sim: device open failed"))
			return
		}
		dev := &simDevice{backend: b, id: deviceID, events: events}
		b.mu.Lock()
		b.device = dev
		b.mu.Unlock()
		events.Opened(dev)
		if b.opts.DisconnectAfterOpen {
			b.later(10*time.Millisecond, func() {
				events.Disconnected(errors.New("sim: device disconnected"))
			})
		}
	})
	return nil
}

func (b *SimBackend) NewRecorder(params RecordingParameters, outputPath string) (Recorder, error) {
	if params.Resolution.Width <= 0 || params.Resolution.Height <= 0 {
		return nil, fmt.Errorf("sim: invalid recording resolution %s", params.Resolution)
	}
	return &simRecorder{
		params:       params,
		path:         outputPath,
		failFinalize: b.opts.FailFinalize,
		logger:       b.logger,
	}, nil
}

func (b *SimBackend) Close() error {
	b.mu.Lock()
	dev := b.device
	b.device = nil
	b.mu.Unlock()
	if dev != nil {
		dev.shutdown()
	}
	close(b.done)
	b.wg.Wait()
	return nil
}

// simDevice is an open handle on the simulated camera.
type simDevice struct {
	backend *SimBackend
	id      string
	events  DeviceEvents

	mu      sync.Mutex
	session *simSession
	closed  bool
}

func (d *simDevice) ID() string { return d.id }

func (d *simDevice) Configure(targets []*Target, events SessionEvents) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("sim: device closed")
	}
	old := d.session
	d.mu.Unlock()

	// Hardware invalidates the previous session as soon as a new
	// configuration is submitted.
	if old != nil {
		old.shutdown()
	}

	opts := d.backend.opts
	if opts.ConfigureHang {
		return nil
	}
	hasRecord := false
	for _, tgt := range targets {
		if tgt.Kind == TargetRecord {
			hasRecord = true
		}
	}
	d.backend.later(opts.ConfigureDelay, func() {
		if opts.FailConfigure || (opts.FailConfigureRecord && hasRecord) {
			events.ConfigureFailed(errors.New("sim: session configuration rejected"))
			return
		}
		s := newSimSession(d.backend, targets, events)
		d.mu.Lock()
		closed := d.closed
		if !closed {
			d.session = s
		}
		d.mu.Unlock()
		if closed {
			s.shutdown()
			events.ConfigureFailed(errors.New("sim: device closed during configure"))
			return
		}
		events.Configured(s)
	})
	return nil
}

func (d *simDevice) Close(closed func()) error {
	d.shutdown()
	if d.backend.opts.CloseHang {
		return nil
	}
	d.backend.later(d.backend.opts.CloseDelay, closed)
	return nil
}

func (d *simDevice) shutdown() {
	d.mu.Lock()
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s != nil {
		s.shutdown()
	}
}

// simSession streams synthetic frames into its targets.
type simSession struct {
	backend *SimBackend
	events  SessionEvents

	mu        sync.Mutex
	closed    bool
	repeating bool
	stop      chan struct{}
	seq       uint64

	preview *Target
	still   *Target
	record  *Target
}

func newSimSession(b *SimBackend, targets []*Target, events SessionEvents) *simSession {
	s := &simSession{backend: b, events: events}
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
	return s
}

func (s *simSession) SetRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sim: session closed")
	}
	if s.preview == nil {
		return errors.New("sim: no preview target")
	}
	if s.repeating {
		return nil
	}
	s.repeating = true
	s.stop = make(chan struct{})
	go s.generate(s.stop)
	return nil
}

func (s *simSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.repeating {
		return nil
	}
	s.repeating = false
	close(s.stop)
	s.stop = nil
	return nil
}

// generate produces preview frames at the configured rate until stopped. Each
// frame gets a fresh buffer: receivers own delivered data.
func (s *simSession) generate(stop chan struct{}) {
	interval := time.Second / time.Duration(s.backend.opts.PreviewFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			preview := s.preview
			record := s.record
			s.seq++
			seq := s.seq
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if preview != nil && preview.OnFrame != nil {
				preview.OnFrame(renderTestFrame(preview.Width, preview.Height, seq))
			}
			if record != nil && record.Recorder != nil {
				if rec, ok := record.Recorder.(*simRecorder); ok {
					rec.writeFrame()
				}
			}
		}
	}
}

func (s *simSession) Capture(req CaptureRequest) error {
	s.mu.Lock()
	closed := s.closed
	still := s.still
	s.mu.Unlock()
	if closed {
		return errors.New("sim: session closed")
	}
	if still == nil || still.OnFrame == nil {
		return errors.New("sim: no still target configured")
	}
	opts := s.backend.opts
	if opts.RejectCapture {
		return errors.New("sim: capture rejected")
	}
	s.backend.later(opts.CaptureDelay, func() {
		s.mu.Lock()
		closed := s.closed
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		if closed {
			req.Failed(errors.New("sim: session closed before capture"))
			return
		}
		if opts.FailCaptureRequest {
			req.Failed(errors.New("sim: capture request failed"))
			return
		}
		data, err := renderStillJPEG(still.Width, still.Height, seq)
		if err != nil {
			req.Failed(err)
			return
		}
		still.OnFrame(Frame{
			Data:      data,
			Width:     still.Width,
			Height:    still.Height,
			Format:    FormatJPEG,
			Timestamp: time.Now().UnixNano(),
			Sequence:  seq,
		})
	})
	return nil
}

func (s *simSession) Close() {
	s.shutdown()
	if s.backend.opts.CloseHang {
		return
	}
	if s.events.Closed != nil {
		s.backend.later(s.backend.opts.CloseDelay, s.events.Closed)
	}
}

func (s *simSession) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.repeating {
		close(s.stop)
		s.stop = nil
		s.repeating = false
	}
}

// renderTestFrame builds a raw RGBA frame with a moving gradient so that
// consecutive frames differ.
func renderTestFrame(width, height int, seq uint64) Frame {
	data := make([]byte, width*height*4)
	shift := byte(seq)
	for y := 0; y < height; y++ {
		row := data[y*width*4 : (y+1)*width*4]
		g := byte(y) + shift
		for x := 0; x < width; x++ {
			row[x*4+0] = byte(x) + shift
			row[x*4+1] = g
			row[x*4+2] = shift
			row[x*4+3] = 0xff
		}
	}
	return Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Format:    FormatRGBA,
		Timestamp: time.Now().UnixNano(),
		Sequence:  seq,
	}
}

// renderStillJPEG encodes a synthetic still at the requested size.
func renderStillJPEG(width, height int, seq uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	shift := uint8(seq)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x) + shift, uint8(y), shift, 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}
	return buf.Bytes(), nil
}

// simRecorder writes a clip manifest instead of real media: a JSON header
// line with the encoder parameters, then a JSON trailer line with frame count
// and duration once finalized.
type simRecorder struct {
	params       RecordingParameters
	path         string
	failFinalize bool
	logger       *zap.Logger

	mu        sync.Mutex
	file      *os.File
	frames    uint64
	started   bool
	finished  bool
	released  bool
	startedAt time.Time
}

// SimClipHeader is the first manifest line of a simulated clip.
type SimClipHeader struct {
	ClipID          string `json:"clip_id"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	FrameRate       int    `json:"frame_rate"`
	VideoBitrate    int    `json:"video_bitrate"`
	AudioBitrate    int    `json:"audio_bitrate"`
	AudioSampleRate int    `json:"audio_sample_rate"`
	OrientationHint int    `json:"orientation_hint"`
	EnableAudio     bool   `json:"enable_audio"`
}

// SimClipTrailer is the final manifest line, present only on finalized clips.
type SimClipTrailer struct {
	Frames     uint64 `json:"frames"`
	DurationMS int64  `json:"duration_ms"`
}

// SimClip is a parsed clip manifest.
type SimClip struct {
	Header    SimClipHeader
	Trailer   SimClipTrailer
	Finalized bool
}

// ReadSimClip parses a clip manifest written by the simulated recorder.
func ReadSimClip(path string) (*SimClip, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return nil, fmt.Errorf("sim clip %s: empty manifest", path)
	}
	clip := &SimClip{}
	if err := json.Unmarshal(lines[0], &clip.Header); err != nil {
		return nil, fmt.Errorf("sim clip %s: bad header: %w", path, err)
	}
	if len(lines) > 1 {
		if err := json.Unmarshal(lines[len(lines)-1], &clip.Trailer); err != nil {
			return nil, fmt.Errorf("sim clip %s: bad trailer: %w", path, err)
		}
		clip.Finalized = true
	}
	return clip, nil
}

func (r *simRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("sim: recorder already started")
	}
	file, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("sim: create clip: %w", err)
	}
	header, err := json.Marshal(SimClipHeader{
		ClipID:          r.params.ClipID,
		Width:           r.params.Resolution.Width,
		Height:          r.params.Resolution.Height,
		FrameRate:       r.params.FrameRate,
		VideoBitrate:    r.params.VideoBitrate,
		AudioBitrate:    r.params.AudioBitrate,
		AudioSampleRate: r.params.AudioSampleRate,
		OrientationHint: r.params.OrientationHint,
		EnableAudio:     r.params.EnableAudio,
	})
	if err != nil {
		file.Close()
		return err
	}
	if _, err := file.Write(append(header, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("sim: write clip header: %w", err)
	}
	r.file = file
	r.started = true
	r.startedAt = time.Now()
	return nil
}

func (r *simRecorder) writeFrame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.finished {
		return
	}
	r.frames++
}

func (r *simRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return errors.New("sim: recorder not started")
	}
	if r.finished {
		return nil
	}
	r.finished = true
	if r.failFinalize {
		// Leave the header on disk: a partial clip, not an empty file.
		r.file.Close()
		r.file = nil
		return errors.New("sim: clip finalization failed")
	}
	trailer, err := json.Marshal(SimClipTrailer{
		Frames:     r.frames,
		DurationMS: time.Since(r.startedAt).Milliseconds(),
	})
	if err != nil {
		r.file.Close()
		r.file = nil
		return err
	}
	if _, err := r.file.Write(append(trailer, '\n')); err != nil {
		r.file.Close()
		r.file = nil
		return fmt.Errorf("sim: write clip trailer: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		r.logger.Warn("Clip sync failed", zap.String("path", r.path), zap.Error(err))
	}
	err = r.file.Close()
	r.file = nil
	return err
}

func (r *simRecorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *simRecorder) OutputPath() string { return r.path }

func (r *simRecorder) Parameters() RecordingParameters { return r.params }
