package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/haiminh-dev/aptis-trainer/internal/fulltest"
	"github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

func (h *Handler) handleCreateFullTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Part model.Part `json:"part"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Part == "" {
		req.Part = model.PartWritingFull
	}
	ft, ok := h.profiles.FullTest(req.Part)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown full test")
		return
	}

	c, err := fulltest.New(fulltest.Config{
		Test:         ft,
		Profiles:     h.profiles,
		Items:        h.bank,
		Evaluator:    h.evaluator,
		TickInterval: h.tickInterval,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := c.Start(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.fullTests[id] = c
	h.mu.Unlock()

	slog.Info("full test started", "id", id, "test", req.Part)
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) fullTest(w http.ResponseWriter, r *http.Request) *fulltest.Coordinator {
	id := chi.URLParam(r, "id")
	h.mu.RLock()
	c, ok := h.fullTests[id]
	h.mu.RUnlock()
	if !ok {
		respondError(w, http.StatusNotFound, "unknown full test")
		return nil
	}
	return c
}

type fullTestSnapshot struct {
	Phase     fulltest.Phase        `json:"phase"`
	Current   model.Part            `json:"current,omitempty"`
	Remaining int                   `json:"remaining_seconds"`
	Expired   bool                  `json:"expired"`
	Parts     []fulltest.PartStatus `json:"parts"`
}

func (h *Handler) handleFullTestSnapshot(w http.ResponseWriter, r *http.Request) {
	c := h.fullTest(w, r)
	if c == nil {
		return
	}
	respondJSON(w, http.StatusOK, fullTestSnapshot{
		Phase:     c.Phase(),
		Current:   c.Current(),
		Remaining: c.Remaining(),
		Expired:   c.Expired(),
		Parts:     c.Parts(),
	})
}

// respondFullTestError distinguishes intents rejected because the
// global timer already expired from plain out-of-phase intents.
func respondFullTestError(w http.ResponseWriter, r *http.Request, c *fulltest.Coordinator, err error) {
	if errors.Is(err, fulltest.ErrNotInProgress) && c.Expired() {
		respondError(w, http.StatusConflict, i18n.T(r.Context(), "fulltest.time_expired"))
		return
	}
	respondDomainError(w, r, err)
}

func (h *Handler) handleFullTestGoto(w http.ResponseWriter, r *http.Request) {
	c := h.fullTest(w, r)
	if c == nil {
		return
	}
	var req struct {
		Part model.Part `json:"part"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := c.Goto(req.Part); err != nil {
		respondFullTestError(w, r, c, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"current": c.Current()})
}

// handleFullTestSave stores one part's answers and marks it done. No
// evaluation happens until the whole test is submitted.
func (h *Handler) handleFullTestSave(w http.ResponseWriter, r *http.Request) {
	c := h.fullTest(w, r)
	if c == nil {
		return
	}
	var req struct {
		Part  model.Part `json:"part"`
		Slots []string   `json:"slots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for i, text := range req.Slots {
		if err := c.SetSlot(req.Part, i, text); err != nil {
			respondFullTestError(w, r, c, err)
			return
		}
	}
	if err := c.Save(req.Part); err != nil {
		respondFullTestError(w, r, c, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"phase":   c.Phase(),
		"current": c.Current(),
	})
}

func (h *Handler) handleFullTestComplete(w http.ResponseWriter, r *http.Request) {
	c := h.fullTest(w, r)
	if c == nil {
		return
	}
	if err := c.Complete(); err != nil {
		respondFullTestError(w, r, c, err)
		return
	}
	// Completion waits for the evaluation fan-out to settle, so the
	// response already reflects the finished phase.
	<-c.Done()
	respondJSON(w, http.StatusOK, map[string]any{"phase": c.Phase()})
}

func (h *Handler) handleFullTestResults(w http.ResponseWriter, r *http.Request) {
	c := h.fullTest(w, r)
	if c == nil {
		return
	}
	if c.Phase() != fulltest.PhaseFinished {
		respondError(w, http.StatusConflict, "test not finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"expired": c.Expired(),
		"results": c.Results(),
	})
}

func (h *Handler) handleCloseFullTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	c, ok := h.fullTests[id]
	delete(h.fullTests, id)
	h.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "unknown full test")
		return
	}
	c.Close()
	w.WriteHeader(http.StatusNoContent)
}
