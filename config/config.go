package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Camera    CameraConfig    `toml:"camera" json:"camera"`
	Preview   PreviewConfig   `toml:"preview" json:"preview"`
	Recording RecordingConfig `toml:"recording" json:"recording"`
	Timeouts  TimeoutConfig   `toml:"timeouts" json:"timeouts"`
	Buffers   BufferConfig    `toml:"buffers" json:"buffers"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Limits    LimitConfig     `toml:"limits" json:"limits"`
}

// CameraConfig holds camera device settings
type CameraConfig struct {
	Backend       string `toml:"backend" json:"backend"`
	Device        string `toml:"device" json:"device"`
	PreviewWidth  int    `toml:"preview_width" json:"preview_width"`
	PreviewHeight int    `toml:"preview_height" json:"preview_height"`
}

// PreviewConfig holds preview frame delivery settings
type PreviewConfig struct {
	JPEGQuality int `toml:"jpeg_quality" json:"jpeg_quality"`
}

// RecordingConfig holds the fallback encoding parameters used when a device
// advertises no recognized quality tier
type RecordingConfig struct {
	FallbackVideoBitrate int `toml:"fallback_video_bitrate" json:"fallback_video_bitrate"`
	FallbackAudioBitrate int `toml:"fallback_audio_bitrate" json:"fallback_audio_bitrate"`
	FallbackSampleRate   int `toml:"fallback_sample_rate" json:"fallback_sample_rate"`
	FallbackFrameRate    int `toml:"fallback_frame_rate" json:"fallback_frame_rate"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	DeviceOpen       int `toml:"device_open_ms" json:"device_open_ms"`
	SessionConfigure int `toml:"session_configure_ms" json:"session_configure_ms"`
	StillCapture     int `toml:"still_capture_ms" json:"still_capture_ms"`
	SessionClose     int `toml:"session_close_ms" json:"session_close_ms"`
	MinRecording     int `toml:"min_recording_ms" json:"min_recording_ms"`
}

// BufferConfig holds buffer size settings for channels
type BufferConfig struct {
	ControlQueueSize int `toml:"control_queue_size" json:"control_queue_size"`
}

// LoggingConfig holds logging interval settings
type LoggingConfig struct {
	FrameLogInterval int `toml:"frame_log_interval" json:"frame_log_interval"`
	StatsLogInterval int `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxLogFiles int `toml:"max_log_files" json:"max_log_files"`
}

// DefaultConfig returns the built-in defaults used when no config file exists
func DefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Backend:       "sim",
			Device:        "",
			PreviewWidth:  640,
			PreviewHeight: 480,
		},
		Preview: PreviewConfig{
			JPEGQuality: 85,
		},
		Recording: RecordingConfig{
			FallbackVideoBitrate: 2000000,
			FallbackAudioBitrate: 128000,
			FallbackSampleRate:   44100,
			FallbackFrameRate:    30,
		},
		Timeouts: TimeoutConfig{
			DeviceOpen:       5000,
			SessionConfigure: 5000,
			StillCapture:     5000,
			SessionClose:     2000,
			MinRecording:     1000,
		},
		Buffers: BufferConfig{
			ControlQueueSize: 16,
		},
		Logging: LoggingConfig{
			FrameLogInterval: 30,
			StatsLogInterval: 60,
		},
		Limits: LimitConfig{
			MaxLogFiles: 20,
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := DefaultConfig()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	return config, nil
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
