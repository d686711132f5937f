// Package session implements the practice session state machine. One
// Machine drives a single part end to end: item selection, timed
// capture per sub-question, evaluation, review, and progression.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/haiminh-dev/aptis-trainer/internal/capture"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
)

var (
	// ErrEmptySelection is returned when Start is called before any
	// item has been selected.
	ErrEmptySelection = errors.New("selection is empty")

	// ErrInvalidIntent is returned when an operation is not legal in
	// the current state. The session state is unchanged.
	ErrInvalidIntent = errors.New("intent not valid in current state")

	// ErrUnknownItem is returned when a selected id is not in the bank.
	ErrUnknownItem = errors.New("unknown item id")
)

// Mode distinguishes a standalone practice session from one embedded in
// a full test. Embedded sessions collect artifacts but defer all
// evaluation to the enclosing coordinator.
type Mode int

const (
	ModeStandalone Mode = iota
	ModeEmbedded
)

// ItemSource lists the bank items for one part. *bank.Bank satisfies it.
type ItemSource interface {
	ListItems(part model.Part) ([]model.PracticeItem, error)
}

// Evaluator scores a completed submission round. It never fails; the
// implementation substitutes fallback results on any error.
type Evaluator interface {
	Evaluate(ctx context.Context, p profile.PartProfile, item model.PracticeItem, artifacts []model.Artifact) []model.EvaluationResult
}

// Illustrator generates topic images for the multi-topic speaking
// parts. It never fails; placeholders stand in for missing images.
type Illustrator interface {
	Illustrate(ctx context.Context, seed string, count int) []model.Illustration
}

// EventSink receives session events. Callbacks may arrive from timer
// and evaluation goroutines; implementations must be safe for that.
type EventSink interface {
	StateChanged(state model.SessionState, reason model.StateReason)
	Tick(remaining int)
	ResultCommitted(result model.SessionResult)
}

// Config assembles a Machine's collaborators.
type Config struct {
	Profile     profile.PartProfile
	Items       ItemSource
	Device      capture.Device
	Evaluator   Evaluator
	Illustrator Illustrator
	Sink        EventSink
	Mode        Mode

	// OnCommit fires instead of evaluation in embedded mode, handing
	// the round's artifacts to the enclosing coordinator.
	OnCommit func(item model.PracticeItem, artifacts []model.Artifact)

	// ResponseSeconds overrides the profile's per-response countdown
	// when positive. The full-test coordinator sets it so part
	// captures run under the global clock instead.
	ResponseSeconds int

	// TickInterval shortens countdowns for tests; zero means one second.
	TickInterval time.Duration
}

// Machine is one practice session. All methods are safe for concurrent
// use; timer and evaluation callbacks are serialized through the same
// mutex as user intents.
type Machine struct {
	cfg     Config
	profile profile.PartProfile
	capture *capture.Controller

	mu        sync.Mutex
	state     model.SessionState
	items     []model.PracticeItem
	selection map[int64]struct{}

	queue   []model.PracticeItem
	itemIdx int
	subIdx  int
	attempt int

	// captureArmed guards against a double-commit when a manual stop
	// lands after countdown expiry already ended the capture.
	captureArmed bool

	pendingArtifacts []model.Artifact
	pendingResults   []model.EvaluationResult
	results          []model.SessionResult

	prep          *capture.Countdown
	illustrations []model.Illustration

	// evalSeq invalidates in-flight evaluation and illustration
	// goroutines after a restart.
	evalSeq int

	startedAt  time.Time
	finishedAt time.Time
}

// New builds a Machine in the selecting state with the part's bank
// items loaded.
func New(cfg Config) (*Machine, error) {
	items, err := cfg.Items.ListItems(cfg.Profile.Part)
	if err != nil {
		return nil, fmt.Errorf("load items for %s: %w", cfg.Profile.Part, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items in bank for %s", cfg.Profile.Part)
	}

	m := &Machine{
		cfg:       cfg,
		profile:   cfg.Profile,
		items:     items,
		selection: make(map[int64]struct{}),
		state:     model.StateSelecting,
	}
	m.capture = capture.NewController(cfg.Device, capture.Config{
		TickInterval: cfg.TickInterval,
		OnTick:       m.emitTick,
		OnAutoStop:   m.onAutoStop,
	})
	return m, nil
}

// Items lists the part's bank items in bank order.
func (m *Machine) Items() []model.PracticeItem {
	out := make([]model.PracticeItem, len(m.items))
	copy(out, m.items)
	return out
}

// State returns the current state tag.
func (m *Machine) State() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Select adds one item id to the selection. Legal only in selecting.
func (m *Machine) Select(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.StateSelecting {
		return m.intentError("select")
	}
	if !m.knownID(id) {
		return fmt.Errorf("%w: %d", ErrUnknownItem, id)
	}
	m.selection[id] = struct{}{}
	return nil
}

// Deselect removes one item id from the selection.
func (m *Machine) Deselect(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.StateSelecting {
		return m.intentError("deselect")
	}
	delete(m.selection, id)
	return nil
}

// SelectAll selects every item in the bank for this part.
func (m *Machine) SelectAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.StateSelecting {
		return m.intentError("select all")
	}
	for _, it := range m.items {
		m.selection[it.ID] = struct{}{}
	}
	return nil
}

// SelectRange selects the bank items with ids in [from, to].
func (m *Machine) SelectRange(from, to int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.StateSelecting {
		return m.intentError("select range")
	}
	for _, it := range m.items {
		if it.ID >= from && it.ID <= to {
			m.selection[it.ID] = struct{}{}
		}
	}
	return nil
}

// Selection returns the chosen ids in bank order.
func (m *Machine) Selection() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.selection))
	for _, it := range m.items {
		if _, ok := m.selection[it.ID]; ok {
			out = append(out, it.ID)
		}
	}
	return out
}

func (m *Machine) knownID(id int64) bool {
	for _, it := range m.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// Start builds the practice queue from the selection and begins the
// run. The queue is a shuffled permutation of the selected items and
// stays fixed until restart. Fails with ErrEmptySelection when nothing
// is selected.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.state != model.StateSelecting {
		err := m.intentError("start")
		m.mu.Unlock()
		return err
	}
	if len(m.selection) == 0 {
		m.mu.Unlock()
		return ErrEmptySelection
	}

	queue := make([]model.PracticeItem, 0, len(m.selection))
	for _, it := range m.items {
		if _, ok := m.selection[it.ID]; ok {
			queue = append(queue, it)
		}
	}
	rand.Shuffle(len(queue), func(i, j int) {
		queue[i], queue[j] = queue[j], queue[i]
	})

	m.queue = queue
	m.itemIdx = 0
	m.subIdx = 0
	m.attempt = 1
	m.results = nil
	m.pendingArtifacts = nil
	m.pendingResults = nil
	m.startedAt = time.Now()
	m.finishedAt = time.Time{}

	next := model.StatePracticing
	if m.profile.PrepSeconds > 0 {
		next = model.StatePreparing
	}
	m.state = next
	m.fetchIllustrationsLocked()
	m.mu.Unlock()

	m.emitState(next, model.ReasonSessionStarted)
	return nil
}

// BeginPrep starts the preparation countdown for parts that have one.
// Expiry moves the session to practicing; it stops nothing and commits
// nothing.
func (m *Machine) BeginPrep() error {
	m.mu.Lock()
	if m.state != model.StatePreparing {
		err := m.intentError("begin prep")
		m.mu.Unlock()
		return err
	}
	if m.prep != nil {
		m.mu.Unlock()
		return nil
	}
	seq := m.evalSeq
	m.prep = capture.NewCountdown(m.profile.PrepSeconds, m.cfg.TickInterval, m.emitTick, func() {
		m.finishPrep(seq)
	})
	m.prep.Start()
	m.mu.Unlock()
	return nil
}

// FinishPrep ends preparation early on user request.
func (m *Machine) FinishPrep() error {
	m.mu.Lock()
	if m.state != model.StatePreparing {
		err := m.intentError("finish prep")
		m.mu.Unlock()
		return err
	}
	seq := m.evalSeq
	m.mu.Unlock()
	m.finishPrep(seq)
	return nil
}

func (m *Machine) finishPrep(seq int) {
	m.mu.Lock()
	if m.evalSeq != seq || m.state != model.StatePreparing {
		m.mu.Unlock()
		return
	}
	if m.prep != nil {
		m.prep.Stop()
		m.prep = nil
	}
	m.state = model.StatePracticing
	m.mu.Unlock()
	m.emitState(model.StatePracticing, model.ReasonPrepFinished)
}

// BeginResponse arms the capture controller for the current
// sub-question with the part's response countdown. A device failure is
// returned to the caller and leaves the session in practicing with no
// partial artifact.
func (m *Machine) BeginResponse(ctx context.Context) error {
	m.mu.Lock()
	if m.state != model.StatePracticing {
		err := m.intentError("begin response")
		m.mu.Unlock()
		return err
	}
	if m.captureArmed {
		m.mu.Unlock()
		return capture.ErrCaptureBusy
	}
	m.mu.Unlock()

	duration := m.profile.ResponseSeconds
	if m.cfg.ResponseSeconds > 0 {
		duration = m.cfg.ResponseSeconds
	}
	var err error
	if m.profile.Capture == profile.CaptureAudio {
		err = m.capture.BeginAudio(ctx, duration)
	} else {
		err = m.capture.BeginText(duration, m.profile.TextSlots)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.captureArmed = true
	m.mu.Unlock()
	m.emitState(model.StatePracticing, model.ReasonCaptureStarted)
	return nil
}

// SetSlot writes one text slot of the active text capture.
func (m *Machine) SetSlot(i int, text string) error {
	return m.capture.SetSlot(i, text)
}

// Remaining reports the active response countdown in seconds.
func (m *Machine) Remaining() int {
	m.mu.Lock()
	if m.state == model.StatePreparing && m.prep != nil {
		remaining := m.prep.Remaining()
		m.mu.Unlock()
		return remaining
	}
	m.mu.Unlock()
	return m.capture.Remaining()
}

// EndResponse stops the current capture and feeds its artifact into the
// sequencing logic. Calling it after countdown expiry already stopped
// the capture is a no-op.
func (m *Machine) EndResponse() error {
	artifact, err := m.capture.End()
	if err != nil {
		return err
	}
	m.completeCapture(artifact, model.ReasonCaptureStopped)
	return nil
}

// onAutoStop runs on the countdown goroutine when the response timer
// reaches zero. Expiry is the normal terminal transition, not an error.
func (m *Machine) onAutoStop(artifact model.Artifact) {
	m.completeCapture(artifact, model.ReasonCaptureExpired)
}

// completeCapture records one sub-question artifact. The item identity
// is taken under the lock while captureArmed is still set, so a result
// can never be attributed to an item the user navigated to later.
func (m *Machine) completeCapture(artifact model.Artifact, reason model.StateReason) {
	m.mu.Lock()
	if !m.captureArmed || m.state != model.StatePracticing {
		m.mu.Unlock()
		return
	}
	m.captureArmed = false
	m.pendingArtifacts = append(m.pendingArtifacts, artifact)
	m.subIdx++

	if m.subIdx < m.profile.SubQuestions {
		m.mu.Unlock()
		m.emitState(model.StatePracticing, model.ReasonNextSubQuestion)
		return
	}

	item := m.queue[m.itemIdx]
	artifacts := make([]model.Artifact, len(m.pendingArtifacts))
	copy(artifacts, m.pendingArtifacts)

	if m.cfg.Mode == ModeEmbedded {
		m.commitLocked(item, artifacts, nil, reason)
		return
	}

	seq := m.evalSeq
	attempt := m.attempt
	m.state = model.StateEvaluating
	m.mu.Unlock()
	m.emitState(model.StateEvaluating, reason)

	go m.evaluate(seq, attempt, item, artifacts)
}

// evaluate runs the remote scoring call off the lock. The item and
// attempt are captured at submission time; the outcome attaches to the
// pending attempt only if the session has not been restarted since.
func (m *Machine) evaluate(seq, attempt int, item model.PracticeItem, artifacts []model.Artifact) {
	results := m.cfg.Evaluator.Evaluate(context.Background(), m.profile, item, artifacts)

	m.mu.Lock()
	if m.evalSeq != seq || m.state != model.StateEvaluating {
		m.mu.Unlock()
		slog.Debug("discarding stale evaluation", "part", m.profile.Part, "item", item.ID, "attempt", attempt)
		return
	}
	m.pendingResults = results
	m.state = model.StateReviewing
	m.mu.Unlock()
	m.emitState(model.StateReviewing, model.ReasonEvaluationSettled)
}

// Retry discards the pending attempt's artifacts and result and
// returns to practicing for the same item. Nothing is removed from the
// results list: a result is committed only on Advance.
func (m *Machine) Retry() error {
	m.mu.Lock()
	if m.state != model.StateReviewing {
		err := m.intentError("retry")
		m.mu.Unlock()
		return err
	}
	m.pendingArtifacts = nil
	m.pendingResults = nil
	m.subIdx = 0
	m.attempt++
	next := model.StatePracticing
	if m.profile.PrepSeconds > 0 {
		next = model.StatePreparing
	}
	m.state = next
	m.mu.Unlock()
	m.emitState(next, model.ReasonRetry)
	return nil
}

// Advance commits the reviewed attempt to the results list and moves to
// the next queue item, or to finished after the last one.
func (m *Machine) Advance() error {
	m.mu.Lock()
	if m.state != model.StateReviewing {
		err := m.intentError("advance")
		m.mu.Unlock()
		return err
	}
	item := m.queue[m.itemIdx]
	m.commitLocked(item, m.pendingArtifacts, m.pendingResults, model.ReasonAdvance)
	return nil
}

// commitLocked appends one SessionResult and advances the queue.
// Called with the lock held; releases it.
func (m *Machine) commitLocked(item model.PracticeItem, artifacts []model.Artifact, results []model.EvaluationResult, reason model.StateReason) {
	committed := model.SessionResult{
		Item:       item,
		Artifacts:  artifacts,
		Results:    results,
		Attempt:    m.attempt,
		ReviewedAt: time.Now(),
	}
	m.results = append(m.results, committed)
	m.pendingArtifacts = nil
	m.pendingResults = nil
	m.subIdx = 0
	m.attempt = 1
	m.itemIdx++

	var next model.SessionState
	if m.itemIdx >= len(m.queue) {
		next = model.StateFinished
		m.finishedAt = time.Now()
	} else {
		next = model.StatePracticing
		if m.profile.PrepSeconds > 0 {
			next = model.StatePreparing
		}
		m.fetchIllustrationsLocked()
	}
	m.state = next
	m.mu.Unlock()

	if m.cfg.OnCommit != nil {
		m.cfg.OnCommit(item, artifacts)
	}
	if m.cfg.Sink != nil {
		m.cfg.Sink.ResultCommitted(committed)
	}
	m.emitState(next, reason)
}

// ForceSubmit commits the current item with whatever has been captured
// so far, ending any active capture first. Used by the full-test
// coordinator when the global timer expires mid-part.
func (m *Machine) ForceSubmit() error {
	if m.capture.Active() {
		if artifact, err := m.capture.End(); err == nil {
			m.mu.Lock()
			if m.captureArmed {
				m.captureArmed = false
				m.pendingArtifacts = append(m.pendingArtifacts, artifact)
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	switch m.state {
	case model.StateFinished:
		m.mu.Unlock()
		return nil
	case model.StatePreparing, model.StatePracticing:
		if m.prep != nil {
			m.prep.Stop()
			m.prep = nil
		}
		item := m.queue[m.itemIdx]
		artifacts := make([]model.Artifact, len(m.pendingArtifacts))
		copy(artifacts, m.pendingArtifacts)
		m.commitLocked(item, artifacts, nil, model.ReasonCaptureExpired)
		return nil
	default:
		err := m.intentError("force submit")
		m.mu.Unlock()
		return err
	}
}

// Restart clears the run and returns to selecting. The selection set is
// kept; the results list is cleared. In-flight evaluations are
// abandoned.
func (m *Machine) Restart() error {
	m.mu.Lock()
	if m.state != model.StateFinished {
		err := m.intentError("restart")
		m.mu.Unlock()
		return err
	}
	m.resetLocked()
	m.state = model.StateSelecting
	m.mu.Unlock()
	m.emitState(model.StateSelecting, model.ReasonRestart)
	return nil
}

// Close tears the session down from any state, releasing the capture
// device and invalidating pending timer and evaluation callbacks.
func (m *Machine) Close() {
	m.capture.Abort()
	m.mu.Lock()
	m.resetLocked()
	m.state = model.StateFinished
	m.mu.Unlock()
}

func (m *Machine) resetLocked() {
	m.evalSeq++
	if m.prep != nil {
		m.prep.Stop()
		m.prep = nil
	}
	m.queue = nil
	m.itemIdx = 0
	m.subIdx = 0
	m.attempt = 1
	m.captureArmed = false
	m.pendingArtifacts = nil
	m.pendingResults = nil
	m.results = nil
	m.illustrations = nil
}

// CurrentItem returns the queue item under practice or review. The
// second return is false in selecting and finished.
func (m *Machine) CurrentItem() (model.PracticeItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.itemIdx >= len(m.queue) {
		return model.PracticeItem{}, false
	}
	switch m.state {
	case model.StateSelecting, model.StateFinished:
		return model.PracticeItem{}, false
	}
	return m.queue[m.itemIdx], true
}

// Progress reports the position in the run: current item index, queue
// length, and current sub-question index.
func (m *Machine) Progress() (item, total, sub int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemIdx, len(m.queue), m.subIdx
}

// Span reports when the run started and finished. Finished is zero
// until the terminal state is reached.
func (m *Machine) Span() (started, finished time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt, m.finishedAt
}

// Results returns the committed results in completion order.
func (m *Machine) Results() []model.SessionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SessionResult, len(m.results))
	copy(out, m.results)
	return out
}

// PendingResults returns the evaluation outcome under review, if any.
func (m *Machine) PendingResults() []model.EvaluationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EvaluationResult, len(m.pendingResults))
	copy(out, m.pendingResults)
	return out
}

// Illustrations returns the generated images for the current item.
func (m *Machine) Illustrations() []model.Illustration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Illustration, len(m.illustrations))
	copy(out, m.illustrations)
	return out
}

// fetchIllustrationsLocked launches image generation for the current
// item. The response countdown never waits on it; until the goroutine
// lands, Illustrations reports placeholders.
func (m *Machine) fetchIllustrationsLocked() {
	m.illustrations = nil
	if m.cfg.Illustrator == nil || m.profile.Illustrations == 0 {
		return
	}
	item := m.queue[m.itemIdx]
	if item.ImageSeed == "" {
		return
	}
	count := m.profile.Illustrations
	m.illustrations = make([]model.Illustration, count)
	for i := range m.illustrations {
		m.illustrations[i] = model.Illustration{Seed: item.ImageSeed, Placeholder: true}
	}

	seq := m.evalSeq
	idx := m.itemIdx
	go func() {
		images := m.cfg.Illustrator.Illustrate(context.Background(), item.ImageSeed, count)
		m.mu.Lock()
		if m.evalSeq == seq && m.itemIdx == idx {
			m.illustrations = images
		}
		m.mu.Unlock()
	}()
}

func (m *Machine) emitState(state model.SessionState, reason model.StateReason) {
	if m.cfg.Sink != nil {
		m.cfg.Sink.StateChanged(state, reason)
	}
}

func (m *Machine) emitTick(remaining int) {
	if m.cfg.Sink != nil {
		m.cfg.Sink.Tick(remaining)
	}
}

func (m *Machine) intentError(op string) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidIntent, op, m.state)
}
