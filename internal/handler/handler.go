// Package handler exposes the practice core as a JSON API for the
// presentation shell. It owns the in-memory registries of live
// sessions and full tests; all domain behavior lives below it.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/haiminh-dev/aptis-trainer/internal/bank"
	"github.com/haiminh-dev/aptis-trainer/internal/capture"
	"github.com/haiminh-dev/aptis-trainer/internal/fulltest"
	"github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
	"github.com/haiminh-dev/aptis-trainer/internal/session"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	profiles    *profile.Registry
	bank        *bank.Bank
	evaluator   session.Evaluator
	illustrator session.Illustrator
	device      capture.Device
	lang        string

	// tickInterval shortens countdowns for tests.
	tickInterval time.Duration

	mu        sync.RWMutex
	sessions  map[string]*liveSession
	fullTests map[string]*fulltest.Coordinator
}

type liveSession struct {
	id      string
	part    model.Part
	machine *session.Machine
	hub     *eventHub
	created time.Time
}

// New creates a new Handler.
func New(reg *profile.Registry, b *bank.Bank, eval session.Evaluator, illus session.Illustrator, device capture.Device, lang string) *Handler {
	return &Handler{
		profiles:    reg,
		bank:        b,
		evaluator:   eval,
		illustrator: illus,
		device:      device,
		lang:        lang,
		sessions:    make(map[string]*liveSession),
		fullTests:   make(map[string]*fulltest.Coordinator),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/parts", h.handleListParts)
		r.Get("/parts/{part}/items", h.handleListItems)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleSessionSnapshot)
				r.Post("/selection", h.handleSelection)
				r.Post("/start", h.handleStart)
				r.Post("/capture/begin", h.handleCaptureBegin)
				r.Post("/capture/end", h.handleCaptureEnd)
				r.Post("/answers", h.handleAnswers)
				r.Post("/retry", h.handleRetry)
				r.Post("/advance", h.handleAdvance)
				r.Post("/restart", h.handleRestart)
				r.Get("/results", h.handleSessionResults)
				r.Get("/events", h.handleSessionEvents)
				r.Delete("/", h.handleCloseSession)
			})
		})

		r.Route("/fulltests", func(r chi.Router) {
			r.Post("/", h.handleCreateFullTest)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleFullTestSnapshot)
				r.Post("/goto", h.handleFullTestGoto)
				r.Post("/save", h.handleFullTestSave)
				r.Post("/complete", h.handleFullTestComplete)
				r.Get("/results", h.handleFullTestResults)
				r.Delete("/", h.handleCloseFullTest)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListParts(w http.ResponseWriter, _ *http.Request) {
	type partView struct {
		Part            model.Part    `json:"part"`
		Section         model.Section `json:"section"`
		Capture         string        `json:"capture"`
		PrepSeconds     int           `json:"prep_seconds,omitempty"`
		ResponseSeconds int           `json:"response_seconds"`
		SubQuestions    int           `json:"sub_questions"`
		TextSlots       int           `json:"text_slots,omitempty"`
		ScaleMax        int           `json:"scale_max"`
		Items           int           `json:"items"`
	}
	var out []partView
	for _, p := range h.profiles.Parts() {
		count, err := h.bank.Count(p.Part)
		if err != nil {
			slog.Error("counting bank items", "part", p.Part, "error", err)
		}
		out = append(out, partView{
			Part:            p.Part,
			Section:         p.Section,
			Capture:         string(p.Capture),
			PrepSeconds:     p.PrepSeconds,
			ResponseSeconds: p.ResponseSeconds,
			SubQuestions:    p.SubQuestions,
			TextSlots:       p.TextSlots,
			ScaleMax:        p.ScaleMax,
			Items:           count,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	part := model.Part(chi.URLParam(r, "part"))
	if _, ok := h.profiles.Part(part); !ok {
		respondError(w, http.StatusNotFound, "unknown part")
		return
	}
	items, err := h.bank.ListItems(part)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Part model.Part `json:"part"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pp, ok := h.profiles.Part(req.Part)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown part")
		return
	}

	hub := newEventHub()
	m, err := session.New(session.Config{
		Profile:      pp,
		Items:        h.bank,
		Device:       h.device,
		Evaluator:    h.evaluator,
		Illustrator:  h.illustrator,
		Sink:         hub,
		TickInterval: h.tickInterval,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ls := &liveSession{
		id:      uuid.NewString(),
		part:    req.Part,
		machine: m,
		hub:     hub,
		created: time.Now(),
	}
	h.mu.Lock()
	h.sessions[ls.id] = ls
	h.mu.Unlock()

	slog.Info("session created", "id", ls.id, "part", ls.part)
	respondJSON(w, http.StatusCreated, map[string]string{"id": ls.id})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) *liveSession {
	id := chi.URLParam(r, "id")
	h.mu.RLock()
	ls, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		respondError(w, http.StatusNotFound, "unknown session")
		return nil
	}
	return ls
}

type snapshot struct {
	ID            string                   `json:"id"`
	Part          model.Part               `json:"part"`
	State         model.SessionState       `json:"state"`
	Item          *model.PracticeItem      `json:"item,omitempty"`
	ItemIndex     int                      `json:"item_index"`
	QueueLength   int                      `json:"queue_length"`
	SubQuestion   int                      `json:"sub_question"`
	Remaining     int                      `json:"remaining_seconds"`
	Selection     []int64                  `json:"selection,omitempty"`
	Pending       []model.EvaluationResult `json:"pending_results,omitempty"`
	Committed     int                      `json:"committed_results"`
	Illustrations []model.Illustration     `json:"illustrations,omitempty"`
}

func (h *Handler) snapshotOf(ls *liveSession) snapshot {
	m := ls.machine
	idx, total, sub := m.Progress()
	s := snapshot{
		ID:            ls.id,
		Part:          ls.part,
		State:         m.State(),
		ItemIndex:     idx,
		QueueLength:   total,
		SubQuestion:   sub,
		Remaining:     m.Remaining(),
		Selection:     m.Selection(),
		Pending:       m.PendingResults(),
		Committed:     len(m.Results()),
		Illustrations: m.Illustrations(),
	}
	if item, ok := m.CurrentItem(); ok {
		s.Item = &item
	}
	return s
}

func (h *Handler) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

func (h *Handler) handleSelection(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	var req struct {
		IDs  []int64 `json:"ids"`
		All  bool    `json:"all"`
		From int64   `json:"from"`
		To   int64   `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch {
	case req.All:
		err = ls.machine.SelectAll()
	case req.From > 0 || req.To > 0:
		err = ls.machine.SelectRange(req.From, req.To)
	default:
		for _, id := range req.IDs {
			if err = ls.machine.Select(id); err != nil {
				break
			}
		}
	}
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"selection": ls.machine.Selection()})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	if err := ls.machine.Start(); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

// handleCaptureBegin arms the response capture, or the preparation
// countdown when the part is still in its prep phase.
func (h *Handler) handleCaptureBegin(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	var err error
	if ls.machine.State() == model.StatePreparing {
		err = ls.machine.BeginPrep()
	} else {
		err = ls.machine.BeginResponse(r.Context())
	}
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

// handleCaptureEnd stops the response capture, or ends preparation
// early when the part is still preparing.
func (h *Handler) handleCaptureEnd(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	var err error
	if ls.machine.State() == model.StatePreparing {
		err = ls.machine.FinishPrep()
	} else {
		err = ls.machine.EndResponse()
	}
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

// handleAnswers submits a writing round in one call: arm the text
// capture if needed, fill the slots, and stop.
func (h *Handler) handleAnswers(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	var req struct {
		Slots []string `json:"slots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := ls.machine.BeginResponse(r.Context()); err != nil && !errors.Is(err, capture.ErrCaptureBusy) {
		respondDomainError(w, r, err)
		return
	}
	for i, text := range req.Slots {
		if err := ls.machine.SetSlot(i, text); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}
	if err := ls.machine.EndResponse(); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	if err := ls.machine.Retry(); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	if err := ls.machine.Advance(); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	if err := ls.machine.Restart(); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.snapshotOf(ls))
}

func (h *Handler) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	ls := h.session(w, r)
	if ls == nil {
		return
	}
	started, finished := ls.machine.Span()
	var finishedPtr *time.Time
	if !finished.IsZero() {
		finishedPtr = &finished
	}
	export := model.ExportView(ls.id, ls.part, h.lang, started, finishedPtr, ls.machine.Results())

	if r.URL.Query().Get("format") == "csv" {
		writeResultsCSV(w, export)
		return
	}
	respondJSON(w, http.StatusOK, export)
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	ls, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "unknown session")
		return
	}
	ls.machine.Close()
	ls.hub.close()
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondDomainError maps core errors onto HTTP statuses and the
// user-facing message catalog. The request context carries the
// middleware's localizer.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrEmptySelection):
		status = http.StatusBadRequest
		msg = i18n.T(ctx, "session.empty_selection")
	case errors.Is(err, session.ErrUnknownItem),
		errors.Is(err, capture.ErrSlotOutOfRange),
		errors.Is(err, fulltest.ErrUnknownPart):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrNoActiveCapture):
		status = http.StatusConflict
		msg = i18n.T(ctx, "capture.not_active")
	case errors.Is(err, session.ErrInvalidIntent),
		errors.Is(err, capture.ErrCaptureBusy),
		errors.Is(err, fulltest.ErrNotInProgress):
		status = http.StatusConflict
		msg = i18n.T(ctx, "session.invalid_intent")
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
		msg = i18n.T(ctx, "capture.device_unavailable")
	}
	respondError(w, status, msg)
}
