package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/camera"
	"github.com/shichao402/HelloKnightRemoteCam-sub002/config"
	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "HelloKnight Remote Camera"
	AppVersion        = "1.0.0"
)

// Application ties the configured backend and the capture engine together
// for the command line entry points.
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	backend hardware.Backend
	engine  *camera.Engine
}

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		backendName = flag.String("backend", "", "Camera backend (overrides config)")
		deviceID    = flag.String("device", "", "Camera device ID (overrides config)")
		width       = flag.Int("width", 0, "Preview width bound (overrides config)")
		height      = flag.Int("height", 0, "Preview height bound (overrides config)")
		probe       = flag.Bool("probe", false, "Print the device capability report and exit")
		snapshot    = flag.String("snapshot", "", "Capture one still to the given path and exit")
		record      = flag.String("record", "", "Record a clip to the given path and exit")
		duration    = flag.Duration("record-duration", 5*time.Second, "Clip length for -record")
		quality     = flag.String("quality", "high", "Recording quality hint (ultra, high, medium, low)")
		audio       = flag.Bool("audio", false, "Record audio with -record")
		version     = flag.Bool("version", false, "Show version information")
		help        = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Remote phone-camera capture core: preview, stills, and clip recording")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Printf("\nAvailable backends: %s\n", strings.Join(hardware.Names(), ", "))
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *backendName != "" {
		cfg.Camera.Backend = *backendName
	}
	if *deviceID != "" {
		cfg.Camera.Device = *deviceID
	}
	if *width > 0 {
		cfg.Camera.PreviewWidth = *width
	}
	if *height > 0 {
		cfg.Camera.PreviewHeight = *height
	}

	// Create logger
	logger, err := createLogger(*logLevel, cfg.Limits.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting HelloKnight Remote Camera",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("backend", cfg.Camera.Backend))

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Close()

	// Probe is a pure read; it needs no open device.
	if *probe {
		if err := app.RunProbe(); err != nil {
			logger.Fatal("Capability probe failed", zap.Error(err))
		}
		return
	}

	if !app.InitializeEngine() {
		logger.Fatal("Camera initialization failed")
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	switch {
	case *snapshot != "":
		if !app.RunSnapshot(*snapshot) {
			app.Close()
			os.Exit(1)
		}
	case *record != "":
		if !app.RunRecord(ctx, *record, *quality, *audio, *duration) {
			app.Close()
			os.Exit(1)
		}
	default:
		app.RunStream(ctx)
	}

	logger.Info("Shutdown complete")
}

// NewApplication builds the backend named by the configuration.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	factory, ok := hardware.Lookup(cfg.Camera.Backend)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %s)",
			cfg.Camera.Backend, strings.Join(hardware.Names(), ", "))
	}
	backend, err := factory(logger)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", cfg.Camera.Backend, err)
	}
	return &Application{
		config:  cfg,
		logger:  logger,
		backend: backend,
	}, nil
}

// deviceID resolves the device to use: the configured one, or the backend's
// first advertised device.
func (a *Application) deviceID() (string, error) {
	if a.config.Camera.Device != "" {
		return a.config.Camera.Device, nil
	}
	devices, err := a.backend.Devices()
	if err != nil {
		return "", fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("backend %q advertises no devices", a.backend.Name())
	}
	return devices[0], nil
}

// InitializeEngine creates the capture engine and opens the device.
func (a *Application) InitializeEngine() bool {
	device, err := a.deviceID()
	if err != nil {
		a.logger.Error("No usable camera device", zap.Error(err))
		return false
	}
	a.engine = camera.NewEngine(a.backend, a.config, a.logger)
	return a.engine.Initialize(device, a.config.Camera.PreviewWidth, a.config.Camera.PreviewHeight)
}

// RunProbe prints the capability report of the selected device as JSON.
func (a *Application) RunProbe() error {
	device, err := a.deviceID()
	if err != nil {
		return err
	}
	caps, err := a.backend.Capabilities(device)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(camera.BuildCapabilityReport(caps), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// RunSnapshot takes a single still.
func (a *Application) RunSnapshot(path string) bool {
	written := a.engine.TakePicture(path)
	if written == "" {
		a.logger.Error("Snapshot failed", zap.String("path", path))
		return false
	}
	a.logger.Info("Snapshot written", zap.String("path", written))
	return true
}

// RunRecord records one clip of the requested duration, or until a signal
// arrives.
func (a *Application) RunRecord(ctx context.Context, path, qualityHint string, audio bool, duration time.Duration) bool {
	hint, err := hardware.ParseQualityHint(qualityHint)
	if err != nil {
		a.logger.Error("Bad quality hint", zap.Error(err))
		return false
	}
	if !a.engine.StartRecording(path, hint, audio) {
		a.logger.Error("Recording did not start", zap.String("path", path))
		return false
	}

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		a.logger.Info("Recording interrupted")
	}

	written := a.engine.StopRecording()
	if written == "" {
		a.logger.Error("Recording produced no clip", zap.String("path", path))
		return false
	}
	a.logger.Info("Clip written", zap.String("path", written))
	return true
}

// RunStream keeps the preview running and logs throughput until a signal
// arrives.
func (a *Application) RunStream(ctx context.Context) {
	var previewBytes atomic.Uint64
	a.engine.SetPreviewSink(func(frame []byte) {
		previewBytes.Add(uint64(len(frame)))
	})

	interval := time.Duration(a.config.Logging.StatsLogInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Preview streaming; waiting for shutdown signal")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logger.Info("Engine stats",
				zap.Uint64("preview_bytes", previewBytes.Load()),
				zap.Any("stats", a.engine.Stats()))
		}
	}
}

// Close releases the engine and the backend. Safe to call more than once.
func (a *Application) Close() {
	if a.engine != nil {
		a.engine.Release()
		a.engine = nil
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Error("Error closing backend", zap.Error(err))
		}
		a.backend = nil
	}
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file under logs/.
func createLogger(level string, maxLogFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	// Prepare log directory and file path
	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("remote-cam-%s.log", ts))

	// Clean up old logs
	if maxLogFiles <= 0 {
		maxLogFiles = 20
	}
	files, _ := filepath.Glob(filepath.Join(logDir, "remote-cam-*.log"))
	if len(files) > maxLogFiles {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-maxLogFiles] {
			_ = os.Remove(f)
		}
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}
