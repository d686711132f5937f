package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/haiminh-dev/aptis-trainer/internal/bank"
	"github.com/haiminh-dev/aptis-trainer/internal/fulltest"
	"github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/model"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
)

type fakeEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEvaluator) Evaluate(_ context.Context, p profile.PartProfile, _ model.PracticeItem, _ []model.Artifact) []model.EvaluationResult {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	n := 1
	if len(p.Split) == 2 {
		n = 2
	}
	out := make([]model.EvaluationResult, n)
	for i := range out {
		out[i] = model.EvaluationResult{Score: 2, Level: "A2", Feedback: model.Feedback{Summary: "solid work"}}
		if len(p.Split) == 2 {
			out[i].Label = p.Split[i]
		}
	}
	return out
}

func newTestHandler(t *testing.T) (*Handler, *chi.Mux) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init() error: %v", err)
	}
	reg, err := profile.Load()
	if err != nil {
		t.Fatalf("profile.Load() error: %v", err)
	}
	b, err := bank.Open()
	if err != nil {
		t.Fatalf("bank.Open() error: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	h := New(reg, b, &fakeEvaluator{}, nil, nil, "en")
	r := chi.NewRouter()
	h.Routes(r)
	return h, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	} else {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestListParts(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/parts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	parts := decode[[]map[string]any](t, rec)
	if len(parts) != 7 {
		t.Errorf("got %d parts, want 7", len(parts))
	}
}

func TestListItems(t *testing.T) {
	_, r := newTestHandler(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/parts/writing1/items", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	items := decode[[]model.PracticeItem](t, rec)
	if len(items) == 0 {
		t.Error("writing1 bank is empty")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/parts/nope/items", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown part status = %d, want 404", rec.Code)
	}
}

func createSession(t *testing.T, r http.Handler, part model.Part) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions", map[string]any{"part": part})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", rec.Code, rec.Body.String())
	}
	return decode[map[string]string](t, rec)["id"]
}

func waitForState(t *testing.T, r http.Handler, id string, want model.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+id+"/", nil)
		snap := decode[map[string]any](t, rec)
		if snap["state"] == string(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, want)
}

func TestWritingSessionFlow(t *testing.T) {
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartWriting1)

	// Starting with nothing selected is a validation failure.
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty start status = %d, want 400", rec.Code)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/selection", map[string]any{"ids": []int64{1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("selection status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}

	answers := map[string]any{"slots": []string{"one", "two", "three", "four", "five"}}
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/answers", answers); rec.Code != http.StatusOK {
		t.Fatalf("answers status = %d: %s", rec.Code, rec.Body.String())
	}
	waitForState(t, r, id, model.StateReviewing)

	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/advance", nil); rec.Code != http.StatusOK {
		t.Fatalf("advance status = %d: %s", rec.Code, rec.Body.String())
	}
	waitForState(t, r, id, model.StateFinished)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+id+"/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("results status = %d", rec.Code)
	}
	export := decode[model.SessionExport](t, rec)
	if export.Summary.Items != 1 {
		t.Errorf("export items = %d, want 1", export.Summary.Items)
	}
	if len(export.Results) != 1 || len(export.Results[0].Answers) != 5 {
		t.Errorf("export results = %+v", export.Results)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+id+"/results?format=csv", nil)
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Errorf("csv content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Question,Sub-part,Score") {
		t.Errorf("csv missing header: %s", rec.Body.String())
	}

	// Restart keeps the session usable.
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/restart", nil); rec.Code != http.StatusOK {
		t.Fatalf("restart status = %d", rec.Code)
	}
	waitForState(t, r, id, model.StateSelecting)
}

func TestRetryFlow(t *testing.T) {
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartWriting1)

	doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/selection", map[string]any{"ids": []int64{2}})
	doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil)
	doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/answers", map[string]any{"slots": []string{"a"}})
	waitForState(t, r, id, model.StateReviewing)

	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/retry", nil); rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d: %s", rec.Code, rec.Body.String())
	}
	waitForState(t, r, id, model.StatePracticing)

	// Nothing was committed by the discarded attempt.
	rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+id+"/results", nil)
	export := decode[model.SessionExport](t, rec)
	if export.Summary.Items != 0 {
		t.Errorf("items after retry = %d, want 0", export.Summary.Items)
	}
}

func TestInvalidIntentStatuses(t *testing.T) {
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartWriting1)

	tests := []struct {
		path string
		want int
	}{
		{"/advance", http.StatusConflict},
		{"/retry", http.StatusConflict},
		{"/restart", http.StatusConflict},
		{"/capture/end", http.StatusConflict},
	}
	for _, tt := range tests {
		if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+tt.path, nil); rec.Code != tt.want {
			t.Errorf("POST %s status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	if rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/missing/", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions", map[string]any{"part": "nope"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown part status = %d, want 404", rec.Code)
	}
}

func TestDomainErrorsUseMessageCatalog(t *testing.T) {
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartWriting1)

	errBody := func(rec *httptest.ResponseRecorder) string {
		return decode[map[string]string](t, rec)["error"]
	}

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty start status = %d, want 400", rec.Code)
	}
	if got := errBody(rec); got != "Please select at least one question to practice." {
		t.Errorf("empty selection message = %q, want catalog entry", got)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/capture/end", nil)
	if got := errBody(rec); got != "No recording is in progress." {
		t.Errorf("no-capture message = %q, want catalog entry", got)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/advance", nil)
	if got := errBody(rec); got != "That action is not available right now." {
		t.Errorf("invalid intent message = %q, want catalog entry", got)
	}
}

func TestDeviceFailureIsLocalized(t *testing.T) {
	// The test handler has no capture device, so arming an audio part
	// must surface the localized microphone message.
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartSpeaking1)

	doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/selection", map[string]any{"ids": []int64{1}})
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}

	rec := doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/capture/begin", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("capture begin status = %d, want 503", rec.Code)
	}
	got := decode[map[string]string](t, rec)["error"]
	if got != "Could not access the microphone. Please check your permissions and try again." {
		t.Errorf("device message = %q, want catalog entry", got)
	}
}

func TestExpiredFullTestMessage(t *testing.T) {
	h, _ := newTestHandler(t)

	reg := h.profiles
	ft, ok := reg.FullTest(model.PartWritingFull)
	if !ok {
		t.Fatal("writingfull plan missing")
	}
	ft.TotalSeconds = 1

	c, err := fulltest.New(fulltest.Config{
		Test:         ft,
		Profiles:     reg,
		Items:        h.bank,
		Evaluator:    h.evaluator,
		TickInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fulltest.New() error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("test never expired")
	}
	if !c.Expired() {
		t.Fatal("coordinator should report expiry")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fulltests/x/save", nil)
	respondFullTestError(rec, req, c, c.Save(model.PartWriting1))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	got := decode[map[string]string](t, rec)["error"]
	if got != "Time is up. Your current answers have been submitted for evaluation." {
		t.Errorf("expired message = %q, want catalog entry", got)
	}
}

func TestCloseSession(t *testing.T) {
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartWriting1)

	rec := doJSON(t, r, http.MethodDelete, "/api/v1/sessions/"+id+"/", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodGet, "/api/v1/sessions/"+id+"/", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", rec.Code)
	}
}

func TestFullTestFlow(t *testing.T) {
	_, r := newTestHandler(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/fulltests", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create full test status = %d: %s", rec.Code, rec.Body.String())
	}
	id := decode[map[string]string](t, rec)["id"]

	rec = doJSON(t, r, http.MethodGet, "/api/v1/fulltests/"+id+"/", nil)
	snap := decode[fullTestSnapshot](t, rec)
	if snap.Phase != "in_progress" {
		t.Fatalf("phase = %s, want in_progress", snap.Phase)
	}
	if len(snap.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(snap.Parts))
	}

	// Results are locked until the test is done.
	if rec := doJSON(t, r, http.MethodGet, "/api/v1/fulltests/"+id+"/results", nil); rec.Code != http.StatusConflict {
		t.Errorf("early results status = %d, want 409", rec.Code)
	}

	// Answer out of order.
	if rec := doJSON(t, r, http.MethodPost, "/api/v1/fulltests/"+id+"/goto", map[string]any{"part": "writing4"}); rec.Code != http.StatusOK {
		t.Fatalf("goto status = %d: %s", rec.Code, rec.Body.String())
	}

	saves := []struct {
		part  model.Part
		slots []string
	}{
		{model.PartWriting4, []string{"hi sam", "dear sir"}},
		{model.PartWriting1, []string{"a", "b", "c", "d", "e"}},
		{model.PartWriting2And3, []string{"form", "r1", "r2", "r3"}},
	}
	for _, s := range saves {
		body := map[string]any{"part": s.part, "slots": s.slots}
		if rec := doJSON(t, r, http.MethodPost, "/api/v1/fulltests/"+id+"/save", body); rec.Code != http.StatusOK {
			t.Fatalf("save %s status = %d: %s", s.part, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/fulltests/"+id+"/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("results status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[map[string]json.RawMessage](t, rec)
	var results []map[string]any
	if err := json.Unmarshal(out["results"], &results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d part results, want 3", len(results))
	}

	if rec := doJSON(t, r, http.MethodDelete, "/api/v1/fulltests/"+id+"/", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestSessionEventStream(t *testing.T) {
	_, r := newTestHandler(t)
	id := createSession(t, r, model.PartWriting1)

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type  string `json:"type"`
		State string `json:"state"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading initial event: %v", err)
	}
	if ev.Type != "state" || ev.State != string(model.StateSelecting) {
		t.Errorf("initial event = %+v, want selecting state", ev)
	}

	// A user intent must surface as a broadcast state event.
	doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/selection", map[string]any{"all": true})
	doJSON(t, r, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil)

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading state event: %v", err)
	}
	if ev.State != string(model.StatePracticing) {
		t.Errorf("event state = %s, want practicing", ev.State)
	}
}

func TestTickEventCarriesZeroRemaining(t *testing.T) {
	// The terminal tick reports remaining 0; clients rely on seeing it.
	data, err := json.Marshal(event{Type: "tick", Remaining: 0})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"remaining":0`) {
		t.Errorf("tick event %s drops the zero remaining field", data)
	}
}

func TestSaveLastPartFinalizes(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/fulltests", map[string]any{"part": "writingfull"})
	id := decode[map[string]string](t, rec)["id"]

	parts := []model.Part{model.PartWriting1, model.PartWriting2And3, model.PartWriting4}
	for i, p := range parts {
		body := map[string]any{"part": p, "slots": []string{fmt.Sprintf("answer %d", i)}}
		rec := doJSON(t, r, http.MethodPost, "/api/v1/fulltests/"+id+"/save", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("save %s status = %d: %s", p, rec.Code, rec.Body.String())
		}
	}

	// The last save triggers the evaluation fan-out; poll until the
	// coordinator settles.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, r, http.MethodGet, "/api/v1/fulltests/"+id+"/", nil)
		if decode[fullTestSnapshot](t, rec).Phase == "finished" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("full test never finished after last save")
}
