package camera

import (
	"strings"
	"testing"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

func TestBuildCapabilityReportFromSimProfiles(t *testing.T) {
	caps := simCaps()
	caps.LensFacing = hardware.LensBack
	caps.SensorOrientation = 90
	caps.FPSRanges = []hardware.FPSRange{
		{Min: 15, Max: 15},
		{Min: 15, Max: 30},
		{Min: 30, Max: 30},
		{Min: 60, Max: 60},
	}

	report := BuildCapabilityReport(caps)

	if report.DeviceID != "sim0" || report.SensorOrientation != 90 {
		t.Errorf("identity fields wrong: %+v", report)
	}
	if len(report.Conflicts) != 0 {
		t.Errorf("unexpected conflicts: %v", report.Conflicts)
	}

	wantModes := []RecordingMode{
		{Resolution: hardware.Size{Width: 1920, Height: 1080}, FrameRates: []int{30}},
		{Resolution: hardware.Size{Width: 1280, Height: 720}, FrameRates: []int{30}},
		{Resolution: hardware.Size{Width: 720, Height: 480}, FrameRates: []int{30}},
		{Resolution: hardware.Size{Width: 320, Height: 240}, FrameRates: []int{15}},
	}
	if len(report.RecordingModes) != len(wantModes) {
		t.Fatalf("got %d recording modes, want %d: %+v", len(report.RecordingModes), len(wantModes), report.RecordingModes)
	}
	for i, want := range wantModes {
		got := report.RecordingModes[i]
		if got.Resolution != want.Resolution {
			t.Errorf("mode %d resolution = %v, want %v", i, got.Resolution, want.Resolution)
		}
		if len(got.FrameRates) != len(want.FrameRates) || got.FrameRates[0] != want.FrameRates[0] {
			t.Errorf("mode %d rates = %v, want %v", i, got.FrameRates, want.FrameRates)
		}
	}

	// The 60fps range intersects no tier rate and must be filtered out.
	wantRanges := []hardware.FPSRange{
		{Min: 15, Max: 15},
		{Min: 15, Max: 30},
		{Min: 30, Max: 30},
	}
	if len(report.FPSRanges) != len(wantRanges) {
		t.Fatalf("got ranges %v, want %v", report.FPSRanges, wantRanges)
	}
	for i, want := range wantRanges {
		if report.FPSRanges[i] != want {
			t.Errorf("range %d = %v, want %v", i, report.FPSRanges[i], want)
		}
	}
}

// TestBuildCapabilityReportFlagsMissingRate tests that a resolution with no
// usable frame rate is still reported, with the inconsistency surfaced.
func TestBuildCapabilityReportFlagsMissingRate(t *testing.T) {
	caps := &hardware.Capabilities{
		DeviceID: "odd",
		Profiles: map[hardware.Tier]hardware.RecordingProfile{
			hardware.TierHigh: {Resolution: hardware.Size{Width: 640, Height: 480}},
		},
	}
	report := BuildCapabilityReport(caps)

	if len(report.RecordingModes) != 1 {
		t.Fatalf("got %d modes, want 1", len(report.RecordingModes))
	}
	if len(report.RecordingModes[0].FrameRates) != 0 {
		t.Errorf("rates = %v, want none", report.RecordingModes[0].FrameRates)
	}
	if len(report.Conflicts) != 1 || !strings.Contains(report.Conflicts[0], "640x480") {
		t.Errorf("conflicts = %v, want one naming 640x480", report.Conflicts)
	}
}

func TestBuildCapabilityReportFlagsOrphanRate(t *testing.T) {
	caps := &hardware.Capabilities{
		DeviceID: "odd",
		Profiles: map[hardware.Tier]hardware.RecordingProfile{
			hardware.TierHigh: {Resolution: hardware.Size{Width: 640, Height: 480}, FrameRate: 24},
		},
		FPSRanges: []hardware.FPSRange{{Min: 30, Max: 30}},
	}
	report := BuildCapabilityReport(caps)

	if len(report.FPSRanges) != 0 {
		t.Errorf("ranges = %v, want none kept", report.FPSRanges)
	}
	if len(report.Conflicts) != 1 || !strings.Contains(report.Conflicts[0], "24") {
		t.Errorf("conflicts = %v, want one naming rate 24", report.Conflicts)
	}
}

// TestEngineCapabilitiesWithoutInitialize tests that capability queries work
// as pure reads, before any device is opened.
func TestEngineCapabilitiesWithoutInitialize(t *testing.T) {
	engine := newTestEngine(t, hardware.SimOptions{}, nil)

	report, err := engine.Capabilities("sim0")
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if report.DeviceID != "sim0" {
		t.Errorf("device id = %q, want sim0", report.DeviceID)
	}
	if len(report.PhotoSizes) == 0 || len(report.RecordingModes) == 0 {
		t.Error("report missing sizes or recording modes")
	}

	if _, err := engine.Capabilities("nope"); err == nil {
		t.Error("Capabilities for unknown device should fail")
	}
}
