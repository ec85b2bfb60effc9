package hardware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ffmpegStopTimeout bounds how long Stop waits for the container to be
// finalized after stdin closes.
const ffmpegStopTimeout = 5 * time.Second

// ffmpegRecorder encodes an MJPEG frame stream into an MP4 clip by piping
// frames to an ffmpeg child process. It backs the recorders of the backends
// that produce JPEG frames.
type ffmpegRecorder struct {
	params RecordingParameters
	path   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	started  bool
	finished bool
	waitErr  chan error
}

func newFFmpegRecorder(params RecordingParameters, outputPath string, logger *zap.Logger) *ffmpegRecorder {
	return &ffmpegRecorder{
		params: params,
		path:   outputPath,
		logger: logger.With(zap.String("clip_id", params.ClipID)),
	}
}

// buildArgs assembles the ffmpeg invocation: MJPEG frames on stdin, H.264 in
// an MP4 container out. The orientation hint travels as container metadata so
// players rotate at display time.
func (r *ffmpegRecorder) buildArgs() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(r.params.FrameRate),
		"-i", "pipe:0",
	}
	if r.params.EnableAudio {
		args = append(args,
			"-f", "alsa",
			"-ar", strconv.Itoa(r.params.AudioSampleRate),
			"-i", "default",
		)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", strconv.Itoa(r.params.VideoBitrate),
		"-r", strconv.Itoa(r.params.FrameRate),
		// Input frames arrive at the stream resolution; force the encoded
		// output to the negotiated one.
		"-vf", fmt.Sprintf("scale=%d:%d", r.params.Resolution.Width, r.params.Resolution.Height),
	)
	if r.params.EnableAudio {
		args = append(args,
			"-c:a", "aac",
			"-b:a", strconv.Itoa(r.params.AudioBitrate),
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-metadata:s:v:0", fmt.Sprintf("rotate=%d", r.params.OrientationHint),
		"-movflags", "+faststart",
		r.path,
	)
	return args
}

func (r *ffmpegRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("recorder already started")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.cmd = exec.CommandContext(r.ctx, "ffmpeg", r.buildArgs()...)

	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe for ffmpeg: %w", err)
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stderr pipe for ffmpeg: %w", err)
	}

	r.logger.Info("Starting ffmpeg encoder",
		zap.String("output", r.path),
		zap.String("resolution", r.params.Resolution.String()),
		zap.Int("frame_rate", r.params.FrameRate),
		zap.Int("video_bitrate", r.params.VideoBitrate),
		zap.Bool("audio", r.params.EnableAudio))

	if err := r.cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Goroutine to log stderr
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.logger.Warn("ffmpeg_stderr", zap.String("line", scanner.Text()))
		}
	}()

	r.stdin = stdin
	r.started = true
	r.waitErr = make(chan error, 1)
	go func() { r.waitErr <- r.cmd.Wait() }()

	return nil
}

// WriteFrame feeds one encoded JPEG into the encoder. Errors after the
// recorder stopped are expected and ignored.
func (r *ffmpegRecorder) WriteFrame(data []byte) error {
	r.mu.Lock()
	stdin := r.stdin
	finished := r.finished
	r.mu.Unlock()
	if stdin == nil || finished {
		return nil
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write frame to ffmpeg: %w", err)
	}
	return nil
}

func (r *ffmpegRecorder) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.New("recorder not started")
	}
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	stdin := r.stdin
	r.stdin = nil
	r.mu.Unlock()

	// Closing stdin signals end of stream; ffmpeg finalizes the container and
	// exits on its own.
	if stdin != nil {
		_ = stdin.Close()
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), ffmpegStopTimeout)
	defer waitCancel()

	select {
	case <-waitCtx.Done():
		r.logger.Warn("ffmpeg did not exit within timeout, attempting to kill",
			zap.Error(waitCtx.Err()))
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Signal(syscall.SIGINT)
		}
		select {
		case err := <-r.waitErr:
			r.logExit(err)
		case <-time.After(time.Second):
			if r.cmd.Process != nil {
				if err := r.cmd.Process.Kill(); err != nil {
					r.logger.Error("Failed to kill ffmpeg process", zap.Error(err))
				}
			}
		}
		return fmt.Errorf("ffmpeg finalization timed out: %w", waitCtx.Err())
	case err := <-r.waitErr:
		r.logExit(err)
		if err != nil {
			return fmt.Errorf("ffmpeg exited with error: %w", err)
		}
	}

	r.logger.Info("Clip finalized", zap.String("output", r.path))
	return nil
}

func (r *ffmpegRecorder) logExit(err error) {
	if err == nil {
		r.logger.Info("ffmpeg process finished successfully")
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.logger.Error("ffmpeg process exited with an error",
			zap.Error(err),
			zap.Int("exit_code", exitErr.ExitCode()))
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			r.logger.Error("ffmpeg process was terminated by a signal",
				zap.String("signal", ws.Signal().String()))
		}
	} else {
		r.logger.Error("Error waiting for ffmpeg process", zap.Error(err))
	}
}

func (r *ffmpegRecorder) Release() {
	r.mu.Lock()
	stdin := r.stdin
	r.stdin = nil
	needsKill := r.started && !r.finished
	r.finished = true
	r.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if needsKill && r.cancel != nil {
		r.cancel()
		select {
		case <-r.waitErr:
		case <-time.After(time.Second):
		}
	}
}

func (r *ffmpegRecorder) OutputPath() string { return r.path }

func (r *ffmpegRecorder) Parameters() RecordingParameters { return r.params }
