package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegConfig describes how the local microphone is captured.
type FFmpegConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
	Channels    int
}

// FFmpegDevice records microphone audio through an ffmpeg subprocess
// writing s16le PCM to its stdout.
type FFmpegDevice struct {
	cfg FFmpegConfig
}

// NewFFmpegDevice creates a device with defaults filled in.
func NewFFmpegDevice(cfg FFmpegConfig) *FFmpegDevice {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &FFmpegDevice{cfg: cfg}
}

// Acquire starts the capture process. It fails fast when ffmpeg exits
// immediately, which is what a denied or missing device looks like.
func (d *FFmpegDevice) Acquire(ctx context.Context) (Recording, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", d.cfg.InputDevice,
		"-ac", strconv.Itoa(d.cfg.Channels),
		"-ar", strconv.Itoa(d.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, d.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create recorder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("recorder exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errors.New("recorder exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegRecording{
		stdout:  stdout,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegRecording struct {
	stdout  interface {
		Read(p []byte) (int, error)
		Close() error
	}
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (r *ffmpegRecording) Read(p []byte) (int, error) {
	return r.stdout.Read(p)
}

// Stop interrupts the recorder process and waits for it to exit. Safe
// against double invocation.
func (r *ffmpegRecording) Stop() error {
	r.stopOnce.Do(func() {
		if r.process != nil {
			_ = r.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-r.waitErr:
			if ok {
				r.stopErr = normalizeExit(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if r.process != nil {
				_ = r.process.Kill()
			}
			err, ok := <-r.waitErr
			if ok {
				r.stopErr = normalizeExit(err)
			}
		}

		if closeErr := r.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && r.stopErr == nil {
			r.stopErr = closeErr
		}
	})
	return r.stopErr
}

// normalizeExit treats the recorder's interrupt-driven nonzero exit as
// a clean stop.
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
