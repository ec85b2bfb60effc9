package camera

import (
	"fmt"
	"sort"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// CapabilityReport is the read-only answer to a capability query, shaped for
// JSON so callers can ship it over whatever transport they carry.
type CapabilityReport struct {
	DeviceID          string              `json:"device_id"`
	LensFacing        hardware.LensFacing `json:"lens_facing"`
	SensorOrientation int                 `json:"sensor_orientation"`
	PhotoSizes        []hardware.Size     `json:"photo_sizes"`
	PreviewSizes      []hardware.Size     `json:"preview_sizes"`
	RecordingModes    []RecordingMode     `json:"recording_modes"`
	FPSRanges         []hardware.FPSRange `json:"fps_ranges"`
	Conflicts         []string            `json:"conflicts,omitempty"`
}

// RecordingMode pairs a recordable resolution with every frame rate some
// quality tier advertises for it.
type RecordingMode struct {
	Resolution hardware.Size `json:"resolution"`
	FrameRates []int         `json:"frame_rates"`
}

// BuildCapabilityReport derives the recording modes and consistency
// diagnostics from a device's static capabilities. Conflicts are advisory;
// an inconsistent device still gets a full report.
func BuildCapabilityReport(caps *hardware.Capabilities) *CapabilityReport {
	report := &CapabilityReport{
		DeviceID:          caps.DeviceID,
		LensFacing:        caps.LensFacing,
		SensorOrientation: caps.SensorOrientation,
		PhotoSizes:        append([]hardware.Size(nil), caps.PhotoSizes...),
		PreviewSizes:      append([]hardware.Size(nil), caps.PreviewSizes...),
	}

	// Collapse the tiers into distinct (resolution, rates) pairs. A tier with
	// no positive frame rate still claims its resolution, which is exactly
	// the inconsistency the conflicts list exists to surface.
	rates := make(map[hardware.Size]map[int]bool)
	for _, profile := range caps.Profiles {
		set, ok := rates[profile.Resolution]
		if !ok {
			set = make(map[int]bool)
			rates[profile.Resolution] = set
		}
		if profile.FrameRate > 0 {
			set[profile.FrameRate] = true
		}
	}

	resolutions := make([]hardware.Size, 0, len(rates))
	for size := range rates {
		resolutions = append(resolutions, size)
	}
	sort.Slice(resolutions, func(i, j int) bool {
		if resolutions[i].Area() != resolutions[j].Area() {
			return resolutions[i].Area() > resolutions[j].Area()
		}
		return resolutions[i].Width > resolutions[j].Width
	})

	tierRates := make(map[int]bool)
	for _, size := range resolutions {
		mode := RecordingMode{Resolution: size}
		for rate := range rates[size] {
			mode.FrameRates = append(mode.FrameRates, rate)
			tierRates[rate] = true
		}
		sort.Ints(mode.FrameRates)
		if len(mode.FrameRates) == 0 {
			report.Conflicts = append(report.Conflicts,
				fmt.Sprintf("resolution %s has no advertised frame rate", size))
		}
		report.RecordingModes = append(report.RecordingModes, mode)
	}

	// Keep only the advertised ranges a tier rate actually lands in, and
	// flag tier rates no range covers.
	covered := make(map[int]bool)
	for _, fpsRange := range caps.FPSRanges {
		used := false
		for rate := range tierRates {
			if fpsRange.Contains(rate) {
				covered[rate] = true
				used = true
			}
		}
		if used {
			report.FPSRanges = append(report.FPSRanges, fpsRange)
		}
	}

	orphaned := make([]int, 0)
	for rate := range tierRates {
		if !covered[rate] {
			orphaned = append(orphaned, rate)
		}
	}
	sort.Ints(orphaned)
	for _, rate := range orphaned {
		report.Conflicts = append(report.Conflicts,
			fmt.Sprintf("tier frame rate %d is outside every advertised range", rate))
	}

	return report
}
