// Package capture manages timed capture of one response: an audio
// recording taken from the microphone, or the text slots of a writing
// form. One controller handles one response at a time; the microphone
// is an exclusive resource and is released on every exit path.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

var (
	// ErrDeviceUnavailable reports that the capture device could not be
	// acquired. The session stays in its pre-capture state.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrNoActiveCapture reports an end or slot write with nothing running.
	ErrNoActiveCapture = errors.New("no active capture")
	// ErrSlotOutOfRange reports a text write outside the armed slot count.
	ErrSlotOutOfRange = errors.New("text slot out of range")
	// ErrCaptureBusy reports a begin while a capture is already running.
	ErrCaptureBusy = errors.New("capture already in progress")
)

// Recording is a live microphone session. Read returns captured frames;
// Stop releases the device and must be safe to call more than once.
type Recording interface {
	io.Reader
	Stop() error
}

// Device acquires exclusive access to the microphone.
type Device interface {
	Acquire(ctx context.Context) (Recording, error)
}

// Config tunes a Controller. TickInterval shortens the countdown for
// tests; zero means one second. OnTick and OnAutoStop are invoked from
// the countdown goroutine.
type Config struct {
	TickInterval time.Duration
	OnTick       func(remaining int)
	OnAutoStop   func(model.Artifact)
}

// Controller owns the capture device and countdown for one response at
// a time.
type Controller struct {
	device Device
	cfg    Config

	mu     sync.Mutex
	active *activeCapture
	last   *model.Artifact
}

type activeCapture struct {
	kind      model.ArtifactKind
	rec       Recording
	countdown *Countdown

	frameMu  sync.Mutex
	frames   bytes.Buffer
	pumpDone chan struct{}

	slots []string
}

// NewController creates a controller. The device may be nil when only
// text capture is used.
func NewController(device Device, cfg Config) *Controller {
	return &Controller{device: device, cfg: cfg}
}

// BeginAudio acquires the microphone and starts a countdown from
// durationSeconds. Frames accumulate until End or expiry. A device
// failure leaves the controller idle and returns ErrDeviceUnavailable.
func (c *Controller) BeginAudio(ctx context.Context, durationSeconds int) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrCaptureBusy
	}
	c.mu.Unlock()

	if c.device == nil {
		return fmt.Errorf("%w: no device configured", ErrDeviceUnavailable)
	}
	rec, err := c.device.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	active := &activeCapture{
		kind:     model.ArtifactAudio,
		rec:      rec,
		pumpDone: make(chan struct{}),
	}
	active.countdown = NewCountdown(durationSeconds, c.cfg.TickInterval, c.cfg.OnTick, func() {
		c.autoStop()
	})

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		_ = rec.Stop()
		return ErrCaptureBusy
	}
	c.active = active
	c.last = nil
	c.mu.Unlock()

	go pumpFrames(active)
	active.countdown.Start()
	return nil
}

// pumpFrames drains the recording into the frame buffer until the
// device is stopped.
func pumpFrames(a *activeCapture) {
	defer close(a.pumpDone)
	chunk := make([]byte, 4096)
	for {
		n, err := a.rec.Read(chunk)
		if n > 0 {
			a.frameMu.Lock()
			a.frames.Write(chunk[:n])
			a.frameMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// BeginText arms a text capture with the given number of slots and
// starts the countdown. No device is involved.
func (c *Controller) BeginText(durationSeconds, slots int) error {
	if slots <= 0 {
		slots = 1
	}
	active := &activeCapture{
		kind:  model.ArtifactText,
		slots: make([]string, slots),
	}
	active.countdown = NewCountdown(durationSeconds, c.cfg.TickInterval, c.cfg.OnTick, func() {
		c.autoStop()
	})

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrCaptureBusy
	}
	c.active = active
	c.last = nil
	c.mu.Unlock()

	active.countdown.Start()
	return nil
}

// SetSlot records the current text of one form slot.
func (c *Controller) SetSlot(i int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.kind != model.ArtifactText {
		return ErrNoActiveCapture
	}
	if i < 0 || i >= len(c.active.slots) {
		return fmt.Errorf("%w: slot %d of %d", ErrSlotOutOfRange, i, len(c.active.slots))
	}
	c.active.slots[i] = text
	return nil
}

// End stops the capture, releases the device, cancels the countdown,
// and returns the assembled artifact. Idempotent: a second call returns
// the same artifact again without capturing anything new. Expiry of the
// countdown goes through this same path.
func (c *Controller) End() (model.Artifact, error) {
	artifact, _, err := c.end()
	return artifact, err
}

func (c *Controller) end() (model.Artifact, bool, error) {
	c.mu.Lock()
	active := c.active
	c.active = nil
	if active == nil {
		if c.last != nil {
			last := *c.last
			c.mu.Unlock()
			return last, false, nil
		}
		c.mu.Unlock()
		return model.Artifact{}, false, ErrNoActiveCapture
	}
	c.mu.Unlock()

	active.countdown.Stop()

	artifact := model.Artifact{Kind: active.kind, CapturedAt: time.Now()}
	switch active.kind {
	case model.ArtifactAudio:
		// Stop the device first so the pump sees EOF; releasing here
		// covers expiry, manual stop, and teardown alike.
		_ = active.rec.Stop()
		<-active.pumpDone
		active.frameMu.Lock()
		artifact.Audio = append([]byte(nil), active.frames.Bytes()...)
		active.frameMu.Unlock()
		artifact.AudioRef = "audio/" + uuid.NewString() + ".wav"
	case model.ArtifactText:
		artifact.Texts = append([]string(nil), active.slots...)
	}

	c.mu.Lock()
	c.last = &artifact
	c.mu.Unlock()
	return artifact, true, nil
}

// autoStop is the countdown-expiry path. Same code path as a manual
// stop; the only difference is who initiates it.
func (c *Controller) autoStop() {
	artifact, endedNow, err := c.end()
	if err != nil || !endedNow {
		return
	}
	if c.cfg.OnAutoStop != nil {
		c.cfg.OnAutoStop(artifact)
	}
}

// Abort tears down any active capture without producing an artifact.
// Used on session unmount; the device is still released.
func (c *Controller) Abort() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.last = nil
	c.mu.Unlock()
	if active == nil {
		return
	}
	active.countdown.Stop()
	if active.kind == model.ArtifactAudio {
		_ = active.rec.Stop()
		<-active.pumpDone
	}
}

// Active reports whether a capture is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Remaining returns the seconds left on the running countdown, or zero.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return 0
	}
	return c.active.countdown.Remaining()
}
