// Package hardware abstracts camera devices behind a small callback-driven
// interface. Backends deliver every event and frame from their own dispatch
// goroutines; callers are expected to hand the callbacks off to their own
// serialization layer rather than doing work inline.
package hardware

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FrameFormat identifies the pixel packing of a delivered frame.
type FrameFormat string

const (
	FormatJPEG FrameFormat = "jpeg"
	FormatYUYV FrameFormat = "yuyv"
	FormatRGBA FrameFormat = "rgba"
)

// Frame is a single captured buffer. Data is owned by the receiver; backends
// never reuse the slice after delivery.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    FrameFormat
	Timestamp int64 // Unix nanoseconds
	Sequence  uint64
}

// Size is a pixel resolution.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Area returns the pixel count, used to order advertised resolutions.
func (s Size) Area() int {
	return s.Width * s.Height
}

// FPSRange is an advertised frame rate interval, inclusive on both ends.
type FPSRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r FPSRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// Contains reports whether fps falls inside the range.
func (r FPSRange) Contains(fps int) bool {
	return fps >= r.Min && fps <= r.Max
}

// LensFacing describes which way the camera points.
type LensFacing string

const (
	LensBack     LensFacing = "back"
	LensFront    LensFacing = "front"
	LensExternal LensFacing = "external"
)

// Capabilities is the static description of a device, queried once and cached
// for the lifetime of an open handle. Size slices are ordered largest first.
type Capabilities struct {
	DeviceID          string
	LensFacing        LensFacing
	SensorOrientation int
	PhotoSizes        []Size
	PreviewSizes      []Size
	FPSRanges         []FPSRange
	Profiles          map[Tier]RecordingProfile

	// PersistentRecordTarget marks devices whose record sink can be attached
	// to a session before the encoder exists and reused across recordings.
	PersistentRecordTarget bool
}

// TargetKind names the role of an output target inside a capture session.
type TargetKind int

const (
	TargetPreview TargetKind = iota
	TargetStill
	TargetRecord
)

func (k TargetKind) String() string {
	switch k {
	case TargetPreview:
		return "preview"
	case TargetStill:
		return "still"
	case TargetRecord:
		return "record"
	default:
		return fmt.Sprintf("target(%d)", int(k))
	}
}

// Target is one output attached to a capture session. The set of targets is
// fixed for the session's lifetime; changing it requires a new session.
//
// Preview and still targets receive buffers through OnFrame, called from the
// backend's dispatch goroutine. Record targets carry the recorder that
// consumes frames inside the backend instead.
type Target struct {
	Kind       TargetKind
	Width      int
	Height     int
	QueueDepth int
	OnFrame    func(Frame)
	Recorder   Recorder
	Persistent bool
}

// CaptureRequest is a one-shot still capture submitted against an active
// session. The resulting frame arrives on the session's still target; Failed
// fires instead if the hardware drops the request.
type CaptureRequest struct {
	RequestID   string
	Orientation int
	Failed      func(error)
}

// DeviceEvents receives the lifecycle callbacks of a device open. Exactly one
// of Opened or Failed fires per Open call; Disconnected can fire at any point
// after Opened, including instead of it.
type DeviceEvents struct {
	Opened       func(Device)
	Disconnected func(error)
	Failed       func(error)
}

// SessionEvents receives the lifecycle callbacks of a session configuration.
type SessionEvents struct {
	Configured      func(Session)
	ConfigureFailed func(error)
	Closed          func()
}

// Backend is a camera stack implementation. All methods are safe to call from
// any goroutine.
type Backend interface {
	Name() string

	// Devices lists the IDs of the cameras this backend can open.
	Devices() ([]string, error)

	// Capabilities reports the static description of a device without
	// requiring it to be open.
	Capabilities(deviceID string) (*Capabilities, error)

	// Open asynchronously acquires the device. A nil return means the request
	// was accepted and exactly one callback will follow; a non-nil return
	// means no callback will ever fire.
	Open(deviceID string, events DeviceEvents) error

	// NewRecorder allocates an encoder writing to outputPath. The recorder
	// does nothing until Start.
	NewRecorder(params RecordingParameters, outputPath string) (Recorder, error)

	// Close releases backend-wide resources. Open devices become unusable.
	Close() error
}

// Device is an open camera handle.
type Device interface {
	ID() string

	// Configure asynchronously builds a capture session over the given
	// targets. Submitting a new configuration invalidates any prior session.
	// A nil return means one of Configured or ConfigureFailed will follow.
	Configure(targets []*Target, events SessionEvents) error

	// Close releases the handle. closed fires once the hardware has let go.
	Close(closed func()) error
}

// Session is a configured set of capture targets.
type Session interface {
	// SetRepeating starts continuous delivery into the preview target.
	SetRepeating() error

	// StopRepeating pauses continuous delivery. The session stays valid.
	StopRepeating() error

	// Capture submits a one-shot still request. An error return means the
	// request was rejected synchronously and no callback will fire.
	Capture(req CaptureRequest) error

	// Close tears the session down. The Closed event confirms completion.
	Close()
}

// RecordingParameters is the full encoder configuration for one clip.
type RecordingParameters struct {
	ClipID          string
	Resolution      Size
	FrameRate       int
	VideoBitrate    int
	AudioBitrate    int
	AudioSampleRate int
	OrientationHint int
	EnableAudio     bool
}

// Recorder is a media encoder bound to a single output file. Start and Stop
// are called at most once each; Release is idempotent and must be called
// whether or not the recorder ever started.
type Recorder interface {
	Start() error

	// Stop finalizes the container. A non-nil error means finalization
	// failed; the partial file, if any, is left on disk.
	Stop() error

	Release()

	OutputPath() string
	Parameters() RecordingParameters
}

// Factory builds a backend from its registered name.
type Factory func(logger *zap.Logger) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register registers a backend factory. Backends register themselves from
// init so that build tags decide what is available.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup returns a registered backend factory by name.
func Lookup(name string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := registry[name]
	return factory, ok
}

// Names lists the registered backend names, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
