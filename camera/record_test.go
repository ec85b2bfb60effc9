package camera

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/config"
	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

func simCaps() *hardware.Capabilities {
	return &hardware.Capabilities{
		DeviceID: "sim0",
		PhotoSizes: []hardware.Size{
			{Width: 1920, Height: 1080},
			{Width: 1280, Height: 720},
			{Width: 640, Height: 480},
		},
		Profiles: hardware.DefaultSimProfiles(),
	}
}

func TestNegotiateRecordingParameters(t *testing.T) {
	fallback := config.DefaultConfig().Recording
	tests := []struct {
		name string
		caps *hardware.Capabilities
		hint hardware.QualityHint
		opts []RecordOption
		want hardware.RecordingParameters
	}{
		{
			// The simulated device has no 2160p tier; the chain falls back.
			name: "ultra falls back to high",
			caps: simCaps(),
			hint: hardware.QualityUltra,
			want: hardware.RecordingParameters{
				Resolution:      hardware.Size{Width: 1920, Height: 1080},
				FrameRate:       30,
				VideoBitrate:    17000000,
				AudioBitrate:    128000,
				AudioSampleRate: 44100,
			},
		},
		{
			name: "medium matches 720p",
			caps: simCaps(),
			hint: hardware.QualityMedium,
			want: hardware.RecordingParameters{
				Resolution:      hardware.Size{Width: 1280, Height: 720},
				FrameRate:       30,
				VideoBitrate:    8000000,
				AudioBitrate:    96000,
				AudioSampleRate: 44100,
			},
		},
		{
			name: "low matches 480p",
			caps: simCaps(),
			hint: hardware.QualityLow,
			want: hardware.RecordingParameters{
				Resolution:      hardware.Size{Width: 720, Height: 480},
				FrameRate:       30,
				VideoBitrate:    2500000,
				AudioBitrate:    96000,
				AudioSampleRate: 44100,
			},
		},
		{
			name: "resolution override keeps tier bitrates",
			caps: simCaps(),
			hint: hardware.QualityMedium,
			opts: []RecordOption{WithResolution(640, 480)},
			want: hardware.RecordingParameters{
				Resolution:      hardware.Size{Width: 640, Height: 480},
				FrameRate:       30,
				VideoBitrate:    8000000,
				AudioBitrate:    96000,
				AudioSampleRate: 44100,
			},
		},
		{
			name: "frame rate override keeps tier resolution",
			caps: simCaps(),
			hint: hardware.QualityHigh,
			opts: []RecordOption{WithFrameRate(60)},
			want: hardware.RecordingParameters{
				Resolution:      hardware.Size{Width: 1920, Height: 1080},
				FrameRate:       60,
				VideoBitrate:    17000000,
				AudioBitrate:    128000,
				AudioSampleRate: 44100,
			},
		},
		{
			name: "no recognized tier uses conservative defaults",
			caps: &hardware.Capabilities{
				DeviceID:   "bare",
				PhotoSizes: []hardware.Size{{Width: 1024, Height: 768}},
				Profiles:   map[hardware.Tier]hardware.RecordingProfile{},
			},
			hint: hardware.QualityHigh,
			want: hardware.RecordingParameters{
				Resolution:      hardware.Size{Width: 1024, Height: 768},
				FrameRate:       30,
				VideoBitrate:    2000000,
				AudioBitrate:    128000,
				AudioSampleRate: 44100,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var over recordOverrides
			for _, opt := range tt.opts {
				opt(&over)
			}
			got := negotiateRecordingParameters(tt.caps, tt.hint, over, fallback, zaptest.NewLogger(t))
			if got != tt.want {
				t.Errorf("negotiated %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRecordingLifecycle(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, fastConfig())
	path := filepath.Join(t.TempDir(), "lifecycle.clip")

	if !engine.StartRecording(path, hardware.QualityHigh, true) {
		t.Fatal("StartRecording failed")
	}

	recording := engine.Stats()["recording"].(map[string]interface{})
	if recording["active"] != true {
		t.Error("recording not reported active")
	}
	clipID, _ := recording["clip_id"].(string)
	if clipID == "" {
		t.Error("active recording has no clip id")
	}

	time.Sleep(200 * time.Millisecond)
	if got := engine.StopRecording(); got != path {
		t.Fatalf("StopRecording = %q, want %q", got, path)
	}

	clip, err := hardware.ReadSimClip(path)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if !clip.Finalized {
		t.Error("clip not finalized")
	}
	if clip.Header.ClipID != clipID {
		t.Errorf("clip id = %q, want %q", clip.Header.ClipID, clipID)
	}
	if clip.Header.Width != 1920 || clip.Header.Height != 1080 {
		t.Errorf("clip resolution %dx%d, want 1920x1080", clip.Header.Width, clip.Header.Height)
	}
	if clip.Header.FrameRate != 30 {
		t.Errorf("clip frame rate = %d, want 30", clip.Header.FrameRate)
	}
	if clip.Header.VideoBitrate != 17000000 {
		t.Errorf("clip video bitrate = %d, want 17000000", clip.Header.VideoBitrate)
	}
	if !clip.Header.EnableAudio {
		t.Error("clip audio not enabled")
	}
	if clip.Trailer.Frames == 0 {
		t.Error("clip recorded no frames")
	}

	recording = engine.Stats()["recording"].(map[string]interface{})
	if recording["active"] != false {
		t.Error("recording still reported active after stop")
	}
	if recording["completed"].(uint64) != 1 {
		t.Errorf("completed = %v, want 1", recording["completed"])
	}
}

func TestRecordingNegotiatedResolutionInClip(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, fastConfig())
	path := filepath.Join(t.TempDir(), "medium.clip")

	if !engine.StartRecording(path, hardware.QualityMedium, false) {
		t.Fatal("StartRecording failed")
	}
	if got := engine.StopRecording(); got != path {
		t.Fatalf("StopRecording = %q, want %q", got, path)
	}

	clip, err := hardware.ReadSimClip(path)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if clip.Header.Width != 1280 || clip.Header.Height != 720 {
		t.Errorf("clip resolution %dx%d, want 1280x720", clip.Header.Width, clip.Header.Height)
	}
	if clip.Header.EnableAudio {
		t.Error("audio enabled without being requested")
	}
}

func TestRecordingWithOverrides(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, fastConfig())
	path := filepath.Join(t.TempDir(), "override.clip")

	ok := engine.StartRecording(path, hardware.QualityHigh, false,
		WithResolution(640, 480), WithFrameRate(15))
	if !ok {
		t.Fatal("StartRecording failed")
	}
	if got := engine.StopRecording(); got != path {
		t.Fatalf("StopRecording = %q, want %q", got, path)
	}

	clip, err := hardware.ReadSimClip(path)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if clip.Header.Width != 640 || clip.Header.Height != 480 {
		t.Errorf("clip resolution %dx%d, want 640x480", clip.Header.Width, clip.Header.Height)
	}
	if clip.Header.FrameRate != 15 {
		t.Errorf("clip frame rate = %d, want 15", clip.Header.FrameRate)
	}
	if clip.Header.VideoBitrate != 17000000 {
		t.Errorf("clip video bitrate = %d, want tier value 17000000", clip.Header.VideoBitrate)
	}
}

// TestRecordingMinimumDuration tests the encoder-backend constraint: a stop
// issued immediately after start is held until the clip is at least the
// minimum duration long.
func TestRecordingMinimumDuration(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, nil)
	path := filepath.Join(t.TempDir(), "short.clip")

	start := time.Now()
	if !engine.StartRecording(path, hardware.QualityHigh, false) {
		t.Fatal("StartRecording failed")
	}
	if got := engine.StopRecording(); got != path {
		t.Fatalf("StopRecording = %q, want %q", got, path)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("start-to-stop took %v, want at least 1s", elapsed)
	}

	clip, err := hardware.ReadSimClip(path)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if clip.Trailer.DurationMS < 1000 {
		t.Errorf("clip duration = %dms, want >= 1000ms", clip.Trailer.DurationMS)
	}
}

func TestStartWhileRecordingRefused(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, fastConfig())
	dir := t.TempDir()

	first := filepath.Join(dir, "first.clip")
	if !engine.StartRecording(first, hardware.QualityHigh, false) {
		t.Fatal("StartRecording failed")
	}
	if engine.StartRecording(filepath.Join(dir, "second.clip"), hardware.QualityHigh, false) {
		t.Error("second StartRecording should be refused")
	}

	time.Sleep(100 * time.Millisecond)
	if got := engine.StopRecording(); got != first {
		t.Fatalf("StopRecording = %q, want %q", got, first)
	}
	clip, err := hardware.ReadSimClip(first)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if !clip.Finalized {
		t.Error("first recording damaged by the refused second start")
	}
}

func TestStopWithoutRecording(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, nil)
	if got := engine.StopRecording(); got != "" {
		t.Errorf("StopRecording without a recording = %q, want empty", got)
	}
}

// TestRecordingConfigureFailureCleansUp tests the edge where the hardware
// rejects the recording session: the encoder must be released and still
// capture must keep working afterwards.
func TestRecordingConfigureFailureCleansUp(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{FailConfigureRecord: true}, fastConfig())
	dir := t.TempDir()

	clip := filepath.Join(dir, "refused.clip")
	if engine.StartRecording(clip, hardware.QualityHigh, false) {
		t.Fatal("StartRecording should fail when the record session is rejected")
	}
	if _, err := os.Stat(clip); err == nil {
		t.Error("refused recording left a file behind")
	}

	still := filepath.Join(dir, "recovered.jpg")
	if got := engine.TakePicture(still); got != still {
		t.Errorf("TakePicture after failed recording start = %q, want %q", got, still)
	}
}

// TestRecordingFinalizeFailureSalvagesClip tests that a clip whose
// finalization fails is still returned when the file holds data.
func TestRecordingFinalizeFailureSalvagesClip(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{FailFinalize: true}, fastConfig())
	path := filepath.Join(t.TempDir(), "partial.clip")

	if !engine.StartRecording(path, hardware.QualityHigh, false) {
		t.Fatal("StartRecording failed")
	}
	time.Sleep(150 * time.Millisecond)
	if got := engine.StopRecording(); got != path {
		t.Fatalf("StopRecording = %q, want the partial clip path %q", got, path)
	}

	clip, err := hardware.ReadSimClip(path)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if clip.Finalized {
		t.Error("clip unexpectedly finalized")
	}
	if clip.Header.Width != 1920 {
		t.Errorf("partial clip header width = %d, want 1920", clip.Header.Width)
	}
}

func TestRecordingOrientationHint(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, fastConfig())
	path := filepath.Join(t.TempDir(), "rotated.clip")

	// Sensor is mounted at 90; locked mode adds the fixed base and the step.
	engine.SetOrientationLock(true)
	engine.SetLockedRotationStep(90)

	if !engine.StartRecording(path, hardware.QualityHigh, false) {
		t.Fatal("StartRecording failed")
	}
	if got := engine.StopRecording(); got != path {
		t.Fatalf("StopRecording = %q, want %q", got, path)
	}

	clip, err := hardware.ReadSimClip(path)
	if err != nil {
		t.Fatalf("ReadSimClip: %v", err)
	}
	if clip.Header.OrientationHint != 270 {
		t.Errorf("orientation hint = %d, want 270", clip.Header.OrientationHint)
	}
}

// TestPersistentRecordTargetReused tests that backends advertising a
// persistent record sink get one target across recordings instead of a fresh
// target per clip.
func TestPersistentRecordTargetReused(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{PersistentRecordTarget: true}, fastConfig())
	dir := t.TempDir()

	grabPersistent := func() *hardware.Target {
		var target *hardware.Target
		if err := engine.exec(func() { target = engine.recording.persistent }); err != nil {
			t.Fatalf("exec: %v", err)
		}
		return target
	}

	first := filepath.Join(dir, "first.clip")
	if !engine.StartRecording(first, hardware.QualityHigh, false) {
		t.Fatal("first StartRecording failed")
	}
	target1 := grabPersistent()
	if target1 == nil {
		t.Fatal("no persistent target allocated")
	}
	if got := engine.StopRecording(); got != first {
		t.Fatalf("first StopRecording = %q, want %q", got, first)
	}

	second := filepath.Join(dir, "second.clip")
	if !engine.StartRecording(second, hardware.QualityHigh, false) {
		t.Fatal("second StartRecording failed")
	}
	if target2 := grabPersistent(); target2 != target1 {
		t.Error("persistent record target not reused across recordings")
	}
	if got := engine.StopRecording(); got != second {
		t.Fatalf("second StopRecording = %q, want %q", got, second)
	}

	for _, path := range []string{first, second} {
		clip, err := hardware.ReadSimClip(path)
		if err != nil {
			t.Fatalf("ReadSimClip(%s): %v", path, err)
		}
		if !clip.Finalized {
			t.Errorf("clip %s not finalized", path)
		}
	}
}
