package config

import (
	"os"
	"testing"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Verify default values
	if cfg.Camera.Backend != "sim" {
		t.Errorf("Default Camera.Backend = %s, want sim", cfg.Camera.Backend)
	}

	if cfg.Camera.PreviewWidth != 640 {
		t.Errorf("Default Camera.PreviewWidth = %d, want 640", cfg.Camera.PreviewWidth)
	}

	if cfg.Camera.PreviewHeight != 480 {
		t.Errorf("Default Camera.PreviewHeight = %d, want 480", cfg.Camera.PreviewHeight)
	}

	if cfg.Preview.JPEGQuality != 85 {
		t.Errorf("Default Preview.JPEGQuality = %d, want 85", cfg.Preview.JPEGQuality)
	}

	if cfg.Recording.FallbackVideoBitrate != 2000000 {
		t.Errorf("Default Recording.FallbackVideoBitrate = %d, want 2000000", cfg.Recording.FallbackVideoBitrate)
	}
}

// TestTimeoutConfigDefaults tests timeout configuration defaults
func TestTimeoutConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Timeouts.DeviceOpen != 5000 {
		t.Errorf("Timeouts.DeviceOpen = %d, want 5000", cfg.Timeouts.DeviceOpen)
	}

	if cfg.Timeouts.SessionConfigure != 5000 {
		t.Errorf("Timeouts.SessionConfigure = %d, want 5000", cfg.Timeouts.SessionConfigure)
	}

	if cfg.Timeouts.StillCapture != 5000 {
		t.Errorf("Timeouts.StillCapture = %d, want 5000", cfg.Timeouts.StillCapture)
	}

	if cfg.Timeouts.SessionClose != 2000 {
		t.Errorf("Timeouts.SessionClose = %d, want 2000", cfg.Timeouts.SessionClose)
	}

	if cfg.Timeouts.MinRecording != 1000 {
		t.Errorf("Timeouts.MinRecording = %d, want 1000", cfg.Timeouts.MinRecording)
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	// Create temporary config file
	tmpFile, err := os.CreateTemp("", "test-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Write test config
	configContent := `
[camera]
backend = "v4l2"
device = "/dev/video2"
preview_width = 1280
preview_height = 720

[preview]
jpeg_quality = 70

[timeouts]
device_open_ms = 3000
min_recording_ms = 500
`

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	// Load config
	cfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Verify loaded values
	if cfg.Camera.Backend != "v4l2" {
		t.Errorf("Camera.Backend = %s, want v4l2", cfg.Camera.Backend)
	}

	if cfg.Camera.Device != "/dev/video2" {
		t.Errorf("Camera.Device = %s, want /dev/video2", cfg.Camera.Device)
	}

	if cfg.Camera.PreviewWidth != 1280 {
		t.Errorf("Camera.PreviewWidth = %d, want 1280", cfg.Camera.PreviewWidth)
	}

	if cfg.Preview.JPEGQuality != 70 {
		t.Errorf("Preview.JPEGQuality = %d, want 70", cfg.Preview.JPEGQuality)
	}

	if cfg.Timeouts.DeviceOpen != 3000 {
		t.Errorf("Timeouts.DeviceOpen = %d, want 3000", cfg.Timeouts.DeviceOpen)
	}

	if cfg.Timeouts.MinRecording != 500 {
		t.Errorf("Timeouts.MinRecording = %d, want 500", cfg.Timeouts.MinRecording)
	}

	// Sections absent from the file keep their defaults
	if cfg.Timeouts.StillCapture != 5000 {
		t.Errorf("Timeouts.StillCapture = %d, want default 5000", cfg.Timeouts.StillCapture)
	}

	if cfg.Recording.FallbackFrameRate != 30 {
		t.Errorf("Recording.FallbackFrameRate = %d, want default 30", cfg.Recording.FallbackFrameRate)
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Camera.Backend = "v4l2"
	cfg.Camera.Device = "/dev/video0"
	cfg.Preview.JPEGQuality = 90
	cfg.Timeouts.MinRecording = 750

	// Create temporary file
	tmpFile, err := os.CreateTemp("", "test-save-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	// Save config
	if err := SaveConfig(cfg, tmpFile.Name()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	// Load it back
	loadedCfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Verify values
	if loadedCfg.Camera.Backend != cfg.Camera.Backend {
		t.Errorf("Saved/loaded Camera.Backend mismatch: %s != %s", loadedCfg.Camera.Backend, cfg.Camera.Backend)
	}

	if loadedCfg.Camera.Device != cfg.Camera.Device {
		t.Errorf("Saved/loaded Camera.Device mismatch: %s != %s", loadedCfg.Camera.Device, cfg.Camera.Device)
	}

	if loadedCfg.Preview.JPEGQuality != cfg.Preview.JPEGQuality {
		t.Errorf("Saved/loaded Preview.JPEGQuality mismatch: %d != %d", loadedCfg.Preview.JPEGQuality, cfg.Preview.JPEGQuality)
	}

	if loadedCfg.Timeouts.MinRecording != cfg.Timeouts.MinRecording {
		t.Errorf("Saved/loaded Timeouts.MinRecording mismatch: %d != %d", loadedCfg.Timeouts.MinRecording, cfg.Timeouts.MinRecording)
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	// Create temporary invalid config file
	tmpFile, err := os.CreateTemp("", "test-invalid-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	// Write invalid TOML
	invalidConfig := `
[camera
preview_width = "not a number"
`

	if _, err := tmpFile.WriteString(invalidConfig); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	// Try to load - should fail
	_, err = LoadConfig(tmpFile.Name())
	if err == nil {
		t.Error("Expected error for invalid config file")
	}
}

// TestBufferConfigDefaults tests buffer configuration defaults
func TestBufferConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Buffers.ControlQueueSize == 0 {
		t.Error("ControlQueueSize is 0")
	}
}

// TestLoggingConfigDefaults tests logging configuration defaults
func TestLoggingConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Logging.FrameLogInterval == 0 {
		t.Error("FrameLogInterval is 0")
	}

	if cfg.Logging.StatsLogInterval == 0 {
		t.Error("StatsLogInterval is 0")
	}

	if cfg.Limits.MaxLogFiles == 0 {
		t.Error("MaxLogFiles is 0")
	}
}
