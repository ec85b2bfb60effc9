package camera

import (
	"bytes"
	"image/jpeg"
	"path/filepath"
	"testing"
	"time"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

func TestPreviewDeliversJPEGFrames(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, nil)
	frames := collectFrames(engine, 8)

	for i := 0; i < 2; i++ {
		data := waitFrame(t, frames)
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("frame %d is not a JPEG: %v", i, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != 640 || bounds.Dy() != 480 {
			t.Errorf("frame %d is %dx%d, want 640x480", i, bounds.Dx(), bounds.Dy())
		}
	}

	preview := engine.Stats()["preview"].(map[string]interface{})
	if preview["frames_delivered"].(uint64) < 2 {
		t.Errorf("frames_delivered = %v, want >= 2", preview["frames_delivered"])
	}
}

func TestPreviewSinkReplaceAndDetach(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{}, nil)

	first := collectFrames(engine, 8)
	waitFrame(t, first)

	// Detach, then round-trip through the worker so the detach is applied
	// before we measure silence.
	engine.SetPreviewSink(nil)
	engine.Stats()
	for len(first) > 0 {
		<-first
	}
	time.Sleep(150 * time.Millisecond)
	if n := len(first); n != 0 {
		t.Errorf("%d frames delivered after detach", n)
	}

	second := collectFrames(engine, 8)
	waitFrame(t, second)
}

// TestPreviewOverloadKeepsControlResponsive tests the drop policy: a slow
// observer sheds frames instead of stalling captures.
func TestPreviewOverloadKeepsControlResponsive(t *testing.T) {
	engine := initializedEngine(t, hardware.SimOptions{PreviewFPS: 120}, nil)
	engine.SetPreviewSink(func([]byte) {
		time.Sleep(20 * time.Millisecond)
	})
	time.Sleep(300 * time.Millisecond)

	path := filepath.Join(t.TempDir(), "under-load.jpg")
	if got := engine.TakePicture(path); got != path {
		t.Errorf("TakePicture under preview load = %q, want %q", got, path)
	}

	preview := engine.Stats()["preview"].(map[string]interface{})
	if preview["frames_dropped"].(uint64) == 0 {
		t.Error("expected dropped frames under overload")
	}
}

func TestEncodeJPEGPassthrough(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 0x42}
	frame := hardware.Frame{Data: payload, Width: 4, Height: 2, Format: hardware.FormatJPEG}
	got, err := encodeJPEG(frame, 85)
	if err != nil {
		t.Fatalf("encodeJPEG: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("JPEG frame not passed through untouched")
	}
}

func TestEncodeJPEGFromRGBA(t *testing.T) {
	frame := hardware.Frame{
		Data:   make([]byte, 4*2*4),
		Width:  4,
		Height: 2,
		Format: hardware.FormatRGBA,
	}
	for i := 0; i < len(frame.Data); i += 4 {
		frame.Data[i] = 200
		frame.Data[i+3] = 255
	}
	data, err := encodeJPEG(frame, 85)
	if err != nil {
		t.Fatalf("encodeJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("decoded size %dx%d, want 4x2", b.Dx(), b.Dy())
	}
}

func TestEncodeJPEGErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame hardware.Frame
	}{
		{"truncated rgba", hardware.Frame{Data: make([]byte, 8), Width: 4, Height: 2, Format: hardware.FormatRGBA}},
		{"truncated yuyv", hardware.Frame{Data: make([]byte, 4), Width: 4, Height: 2, Format: hardware.FormatYUYV}},
		{"odd yuyv width", hardware.Frame{Data: make([]byte, 6), Width: 3, Height: 1, Format: hardware.FormatYUYV}},
		{"unknown format", hardware.Frame{Data: make([]byte, 16), Width: 2, Height: 2, Format: hardware.FrameFormat("h264")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := encodeJPEG(tt.frame, 85); err == nil {
				t.Error("expected encode error")
			}
		})
	}
}

func TestYUYVToYCbCr(t *testing.T) {
	// Two four-byte groups: Y0 Cb Y1 Cr.
	frame := hardware.Frame{
		Data:   []byte{10, 100, 20, 120, 30, 110, 40, 130},
		Width:  4,
		Height: 1,
		Format: hardware.FormatYUYV,
	}
	img, err := yuyvToYCbCr(frame)
	if err != nil {
		t.Fatalf("yuyvToYCbCr: %v", err)
	}

	wantY := []byte{10, 20, 30, 40}
	for x, want := range wantY {
		if got := img.Y[x]; got != want {
			t.Errorf("Y[%d] = %d, want %d", x, got, want)
		}
	}
	if img.Cb[0] != 100 || img.Cb[1] != 110 {
		t.Errorf("Cb = %v, want [100 110]", img.Cb[:2])
	}
	if img.Cr[0] != 120 || img.Cr[1] != 130 {
		t.Errorf("Cr = %v, want [120 130]", img.Cr[:2])
	}
}
