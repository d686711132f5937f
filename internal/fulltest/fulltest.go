// Package fulltest runs several writing parts as one timed unit. Each
// part is an embedded session machine that collects answers without
// evaluating; all scoring happens in one concurrent fan-out when the
// global timer expires or the user submits the whole test.
package fulltest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haiminh-dev/aptis-trainer/internal/capture"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
	"github.com/haiminh-dev/aptis-trainer/internal/session"
)

var (
	// ErrUnknownPart is returned for a part outside the test plan.
	ErrUnknownPart = errors.New("part not in this test")

	// ErrNotInProgress is returned for part operations outside the
	// in-progress phase.
	ErrNotInProgress = errors.New("test not in progress")
)

// Phase is the coordinator lifecycle tag.
type Phase string

const (
	PhaseIntro      Phase = "intro"
	PhaseInProgress Phase = "in_progress"
	PhaseEvaluating Phase = "evaluating"
	PhaseFinished   Phase = "finished"
)

// Sink receives coordinator events. Callbacks may arrive from the
// global timer goroutine.
type Sink interface {
	PhaseChanged(phase Phase)
	GlobalTick(remaining int)
}

// Config assembles a Coordinator.
type Config struct {
	Test      profile.FullTestProfile
	Profiles  *profile.Registry
	Items     session.ItemSource
	Evaluator session.Evaluator
	Sink      Sink

	// TickInterval shortens the global countdown for tests.
	TickInterval time.Duration
}

// partRun is one contained part: its machine, its drawn item, and the
// artifacts committed for it.
type partRun struct {
	profile   profile.PartProfile
	machine   *session.Machine
	item      model.PracticeItem
	saved     bool
	artifacts []model.Artifact
	results   []model.EvaluationResult
}

// PartStatus is the read-only view of one part's progress.
type PartStatus struct {
	Part    model.Part         `json:"part"`
	Item    model.PracticeItem `json:"item"`
	Saved   bool               `json:"saved"`
	Current bool               `json:"current"`
}

// PartResult is one part's final outcome.
type PartResult struct {
	Part      model.Part               `json:"part"`
	Item      model.PracticeItem       `json:"item"`
	Artifacts []model.Artifact         `json:"artifacts"`
	Results   []model.EvaluationResult `json:"results"`
}

// Coordinator drives one full test.
type Coordinator struct {
	cfg   Config
	order []model.Part

	mu       sync.Mutex
	phase    Phase
	runs     map[model.Part]*partRun
	current  int
	expired  bool
	finished chan struct{}

	countdown *capture.Countdown
	finalize  sync.Once
}

// New validates the test plan against the profile registry.
func New(cfg Config) (*Coordinator, error) {
	if len(cfg.Test.Parts) == 0 {
		return nil, fmt.Errorf("test %s has no parts", cfg.Test.Part)
	}
	for _, p := range cfg.Test.Parts {
		pp, ok := cfg.Profiles.Part(p)
		if !ok {
			return nil, fmt.Errorf("test %s: no profile for part %s", cfg.Test.Part, p)
		}
		if pp.Capture != profile.CaptureText {
			return nil, fmt.Errorf("test %s: part %s is not a writing part", cfg.Test.Part, p)
		}
	}
	return &Coordinator{
		cfg:      cfg,
		order:    cfg.Test.Parts,
		phase:    PhaseIntro,
		runs:     make(map[model.Part]*partRun, len(cfg.Test.Parts)),
		finished: make(chan struct{}),
	}, nil
}

// Start draws one random item per part, arms every part's answer
// capture, and starts the global countdown. The countdown is active
// only between Start and finalization.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.phase != PhaseIntro {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrNotInProgress)
	}
	c.mu.Unlock()

	// On any mid-loop failure the machines already armed are closed so
	// their captures stop ticking.
	var built []*session.Machine
	unwind := func() {
		for _, m := range built {
			m.Close()
		}
		c.mu.Lock()
		c.runs = make(map[model.Part]*partRun, len(c.order))
		c.mu.Unlock()
	}

	for _, part := range c.order {
		pp, _ := c.cfg.Profiles.Part(part)
		run := &partRun{profile: pp}

		m, err := session.New(session.Config{
			Profile:   pp,
			Items:     c.cfg.Items,
			Evaluator: c.cfg.Evaluator,
			Mode:      session.ModeEmbedded,
			OnCommit: func(item model.PracticeItem, artifacts []model.Artifact) {
				c.mu.Lock()
				run.artifacts = artifacts
				c.mu.Unlock()
			},
			// The part captures run under the global clock, not their
			// own practice durations.
			ResponseSeconds: c.cfg.Test.TotalSeconds,
			TickInterval:    c.cfg.TickInterval,
		})
		if err != nil {
			unwind()
			return fmt.Errorf("part %s: %w", part, err)
		}
		built = append(built, m)

		items := m.Items()
		run.item = items[rand.IntN(len(items))]
		if err := m.Select(run.item.ID); err != nil {
			unwind()
			return fmt.Errorf("part %s: %w", part, err)
		}
		if err := m.Start(); err != nil {
			unwind()
			return fmt.Errorf("part %s: %w", part, err)
		}
		if err := m.BeginResponse(context.Background()); err != nil {
			unwind()
			return fmt.Errorf("part %s: %w", part, err)
		}
		run.machine = m

		c.mu.Lock()
		c.runs[part] = run
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.phase = PhaseInProgress
	c.current = 0
	c.countdown = capture.NewCountdown(c.cfg.Test.TotalSeconds, c.cfg.TickInterval, c.emitTick, func() {
		c.expire()
	})
	c.countdown.Start()
	c.mu.Unlock()

	c.emitPhase(PhaseInProgress)
	return nil
}

// SetSlot writes one answer field of a part. Parts stay editable until
// finalization regardless of which part is currently shown.
func (c *Coordinator) SetSlot(part model.Part, slot int, text string) error {
	run, err := c.run(part)
	if err != nil {
		return err
	}
	return run.machine.SetSlot(slot, text)
}

// Goto moves the cursor to another part without touching any stored
// answers.
func (c *Coordinator) Goto(part model.Part) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseInProgress {
		return ErrNotInProgress
	}
	for i, p := range c.order {
		if p == part {
			c.current = i
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPart, part)
}

// Save marks a part done and moves the cursor to the next unsaved part.
// Saving the last open part finalizes the whole test. No evaluation
// happens here.
func (c *Coordinator) Save(part model.Part) error {
	c.mu.Lock()
	if c.phase != PhaseInProgress {
		c.mu.Unlock()
		return ErrNotInProgress
	}
	run, ok := c.runs[part]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPart, part)
	}
	run.saved = true

	next := -1
	for i, p := range c.order {
		if !c.runs[p].saved {
			next = i
			break
		}
	}
	if next >= 0 {
		c.current = next
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.finish()
	return nil
}

// Complete submits the whole test regardless of per-part saved state.
func (c *Coordinator) Complete() error {
	c.mu.Lock()
	if c.phase != PhaseInProgress {
		c.mu.Unlock()
		return ErrNotInProgress
	}
	c.mu.Unlock()
	c.finish()
	return nil
}

// expire runs on the countdown goroutine when the global timer hits
// zero. In-progress answers are force-committed, not discarded.
func (c *Coordinator) expire() {
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()
	slog.Info("full test timer expired", "test", c.cfg.Test.Part)
	c.finish()
}

// finish force-commits every part, fans out one evaluation call per
// part, and joins on all of them before entering the finished phase.
// Safe to call from both the timer and user intents.
func (c *Coordinator) finish() {
	c.finalize.Do(func() {
		c.mu.Lock()
		if c.countdown != nil {
			c.countdown.Stop()
		}
		c.phase = PhaseEvaluating
		c.mu.Unlock()
		c.emitPhase(PhaseEvaluating)

		for _, part := range c.order {
			c.mu.Lock()
			run := c.runs[part]
			c.mu.Unlock()
			if err := run.machine.ForceSubmit(); err != nil {
				slog.Error("force submit failed", "part", part, "error", err)
			}
		}

		var g errgroup.Group
		for _, part := range c.order {
			c.mu.Lock()
			run := c.runs[part]
			artifacts := make([]model.Artifact, len(run.artifacts))
			copy(artifacts, run.artifacts)
			item := run.item
			pp := run.profile
			c.mu.Unlock()

			g.Go(func() error {
				results := c.cfg.Evaluator.Evaluate(context.Background(), pp, item, artifacts)
				c.mu.Lock()
				run.results = results
				c.mu.Unlock()
				return nil
			})
		}
		// Evaluate never fails; the join is what matters.
		_ = g.Wait()

		c.mu.Lock()
		c.phase = PhaseFinished
		c.mu.Unlock()
		close(c.finished)
		c.emitPhase(PhaseFinished)
	})
}

// Done is closed once every part's evaluation has settled.
func (c *Coordinator) Done() <-chan struct{} {
	return c.finished
}

// Phase returns the lifecycle tag.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Expired reports whether the global timer, rather than the user,
// ended the test.
func (c *Coordinator) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Remaining reports the global countdown in seconds.
func (c *Coordinator) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countdown == nil {
		return c.cfg.Test.TotalSeconds
	}
	return c.countdown.Remaining()
}

// Current returns the part under the cursor.
func (c *Coordinator) Current() model.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseIntro || len(c.order) == 0 {
		return ""
	}
	return c.order[c.current]
}

// Parts lists every part's progress in plan order.
func (c *Coordinator) Parts() []PartStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PartStatus, 0, len(c.order))
	for i, p := range c.order {
		status := PartStatus{Part: p, Current: c.phase == PhaseInProgress && i == c.current}
		if run, ok := c.runs[p]; ok {
			status.Item = run.item
			status.Saved = run.saved
		}
		out = append(out, status)
	}
	return out
}

// Results returns every part's final outcome in plan order. Empty
// before the finished phase.
func (c *Coordinator) Results() []PartResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseFinished {
		return nil
	}
	out := make([]PartResult, 0, len(c.order))
	for _, p := range c.order {
		run := c.runs[p]
		out = append(out, PartResult{
			Part:      p,
			Item:      run.item,
			Artifacts: run.artifacts,
			Results:   run.results,
		})
	}
	return out
}

// Close releases every part's capture and stops the global timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.countdown != nil {
		c.countdown.Stop()
	}
	runs := make([]*partRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.mu.Unlock()
	for _, run := range runs {
		run.machine.Close()
	}
}

func (c *Coordinator) run(part model.Part) (*partRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseInProgress {
		return nil, ErrNotInProgress
	}
	run, ok := c.runs[part]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPart, part)
	}
	return run, nil
}

func (c *Coordinator) emitPhase(phase Phase) {
	if c.cfg.Sink != nil {
		c.cfg.Sink.PhaseChanged(phase)
	}
}

func (c *Coordinator) emitTick(remaining int) {
	if c.cfg.Sink != nil {
		c.cfg.Sink.GlobalTick(remaining)
	}
}
