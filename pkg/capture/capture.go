package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// Manager starts and stops the external capture process bound to the virtual
// display and audio source.
type Manager interface {
	StartCapture(ctx context.Context, outputPath string, cfg Config) (*Handle, error)
	StopCapture(ctx context.Context, h *Handle) error
}

var ErrDeviceUnavailable = errors.New("capture device unavailable")
var ErrProcessSpawnFailed = errors.New("capture process spawn failed")
var ErrFlushTimeout = errors.New("capture flush timeout")

type Config struct {
	// Display is the X display grabbed for video, e.g. ":99".
	Display string

	// AudioSource is the pulse source name, usually "default" against the
	// provisioned virtual sink's monitor.
	AudioSource string

	Framerate       int
	VideoSize       string
	AudioSampleRate int
	AudioChannels   int

	// StartupWindow is how long the manager watches for an immediate crash
	// before declaring the capture started.
	StartupWindow time.Duration

	// FlushGrace bounds the wait for ffmpeg to flush and exit after a
	// graceful stop, before escalating to a kill.
	FlushGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Framerate == 0 {
		c.Framerate = 30
	}
	if c.VideoSize == "" {
		c.VideoSize = "1280x720"
	}
	if c.AudioSampleRate == 0 {
		c.AudioSampleRate = 48000
	}
	if c.AudioChannels == 0 {
		c.AudioChannels = 1
	}
	if c.StartupWindow == 0 {
		c.StartupWindow = time.Second
	}
	if c.FlushGrace == 0 {
		c.FlushGrace = 5 * time.Second
	}
	return c
}

// Handle is the running capture process for one session. It exists only
// between StartCapture and StopCapture.
type Handle struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	outputPath string
	startedAt  time.Time
	waitErr    chan error
	flushGrace time.Duration
	stopped    bool
}

const defaultFlushGrace = 5 * time.Second

func (h *Handle) PID() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) OutputPath() string {
	return h.outputPath
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

type ffmpegManager struct {
	bin string
}

func NewFFmpegManager() Manager {
	return &ffmpegManager{bin: "ffmpeg"}
}

func buildCaptureArgs(outputPath string, cfg Config) []string {
	return []string{
		"-f", "x11grab",
		"-framerate", strconv.Itoa(cfg.Framerate),
		"-video_size", cfg.VideoSize,
		"-i", cfg.Display,
		"-f", "pulse",
		"-thread_queue_size", "1024",
		"-i", cfg.AudioSource,
		"-ar", strconv.Itoa(cfg.AudioSampleRate),
		"-ac", strconv.Itoa(cfg.AudioChannels),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-loglevel", "error",
		"-y",
		outputPath,
	}
}

func (m *ffmpegManager) StartCapture(ctx context.Context, outputPath string, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	if cfg.Display == "" || cfg.AudioSource == "" {
		return nil, fmt.Errorf("%w: display or audio source not configured", ErrDeviceUnavailable)
	}

	bin, err := exec.LookPath(m.bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	cmd := exec.Command(bin, buildCaptureArgs(outputPath, cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	// Keep ffmpeg's stderr next to the recording for diagnostics
	logPath := outputPath + ".ffmpeg.log"
	if logFile, err := os.Create(logPath); err == nil {
		cmd.Stderr = logFile
	}

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		if c, ok := cmd.Stderr.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	// ffmpeg exits immediately on a bad device or display; watch for it
	select {
	case err = <-waitErr:
		return nil, fmt.Errorf("%w: exited during startup: %v (see %s)", ErrProcessSpawnFailed, err, logPath)
	case <-time.After(cfg.StartupWindow):
	}

	log.Infof("capture started | pid: %d, output: %s", cmd.Process.Pid, outputPath)
	return &Handle{
		cmd:        cmd,
		stdin:      stdin,
		outputPath: outputPath,
		startedAt:  time.Now(),
		waitErr:    waitErr,
		flushGrace: cfg.FlushGrace,
	}, nil
}

// StopCapture asks ffmpeg to flush and exit, escalating to a kill when the
// grace period elapses. The process is no longer running on return, and
// repeated calls are no-ops.
func (m *ffmpegManager) StopCapture(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true

	cfgGrace := defaultFlushGrace
	if h.flushGrace > 0 {
		cfgGrace = h.flushGrace
	}

	// 'q' on stdin is ffmpeg's graceful quit; fall back to an interrupt
	if _, err := h.stdin.Write([]byte("q")); err != nil {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(os.Interrupt)
		}
	}
	_ = h.stdin.Close()

	select {
	case err := <-h.waitErr:
		if err != nil {
			log.Warnf("capture exited with error | pid: %d, error: %v", h.PID(), err)
		}
		log.Infof("capture stopped | output: %s", h.outputPath)
		return nil
	case <-time.After(cfgGrace):
	}

	log.Warnf("capture did not flush in time, killing | pid: %d", h.PID())
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.waitErr
	return fmt.Errorf("%w: killed after %s", ErrFlushTimeout, cfgGrace)
}
