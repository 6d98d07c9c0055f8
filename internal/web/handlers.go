package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/moondial/internal/debug"
	"github.com/cjeanneret/moondial/internal/hw/illuminator"
	"github.com/cjeanneret/moondial/internal/hw/stepper"
	"github.com/cjeanneret/moondial/internal/logic/motion"
	"github.com/cjeanneret/moondial/internal/logic/runner"
)

// MaxBodyBytes bounds the size of a JSON request body.
const MaxBodyBytes = 4 << 10

// heartbeatInterval is how often an idle status stream is pinged.
const heartbeatInterval = 30 * time.Second

// Display is the part of the runner the HTTP API drives.
type Display interface {
	Status() runner.Status
	ShowPhase(phase int) error
	Assume(phase int) error
	Stop()
	SetTesting(testing bool)
	SetBrightness(pct int) error
	TurnPivot(steps int64)
	TurnLeadscrew(steps int64)
	Anomalies() []stepper.Anomaly
}

// PhaseRequest is the body of POST /show and POST /assume.
type PhaseRequest struct {
	Phase *int `json:"phase"`
}

// TestingRequest is the body of POST /testing.
type TestingRequest struct {
	Testing bool `json:"testing"`
}

// BrightnessRequest is the body of POST /brightness.
type BrightnessRequest struct {
	Brightness *int `json:"brightness"`
}

// TurnRequest is the body of POST /motors/{motor}/turn.
type TurnRequest struct {
	Steps int64 `json:"steps"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Display     Display
	Broadcaster *StatusBroadcaster
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(display Display, broadcaster *StatusBroadcaster) *Handlers {
	return &Handlers{Display: display, Broadcaster: broadcaster}
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Display.Status())
}

// HandleShow handles POST /show to start a move to another phase.
func (h *Handlers) HandleShow(w http.ResponseWriter, r *http.Request) {
	phase, ok := decodePhase(w, r)
	if !ok {
		return
	}
	if err := h.Display.ShowPhase(phase); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Display.Status())
}

// HandleAssume handles POST /assume, declaring what the display shows.
func (h *Handlers) HandleAssume(w http.ResponseWriter, r *http.Request) {
	phase, ok := decodePhase(w, r)
	if !ok {
		return
	}
	if err := h.Display.Assume(phase); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Display.Status())
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.Display.Stop()
	writeJSON(w, http.StatusOK, h.Display.Status())
}

// HandleTesting handles POST /testing to switch testing mode.
func (h *Handlers) HandleTesting(w http.ResponseWriter, r *http.Request) {
	var req TestingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.Display.SetTesting(req.Testing)
	writeJSON(w, http.StatusOK, h.Display.Status())
}

// HandleBrightness handles POST /brightness.
func (h *Handlers) HandleBrightness(w http.ResponseWriter, r *http.Request) {
	var req BrightnessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Brightness == nil {
		http.Error(w, "brightness is required", http.StatusBadRequest)
		return
	}
	if err := h.Display.SetBrightness(*req.Brightness); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Display.Status())
}

// HandleTurn handles POST /motors/{motor}/turn, trimming one motor in place.
func (h *Handlers) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch mux.Vars(r)["motor"] {
	case "pivot":
		h.Display.TurnPivot(req.Steps)
	case "leadscrew":
		h.Display.TurnLeadscrew(req.Steps)
	default:
		http.Error(w, "unknown motor", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Display.Status())
}

// HandleAnomalies handles GET /anomalies.
func (h *Handlers) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	list := h.Display.Anomalies()
	if list == nil {
		list = []stepper.Anomaly{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// The client starts from the current snapshot.
	first, err := json.Marshal(StatusEvent{
		Time:   time.Now().Format(time.RFC3339),
		Level:  "status",
		Status: ptr(h.Display.Status()),
	})
	if err == nil {
		w.Write([]byte("data: " + string(first) + "\n\n"))
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func decodePhase(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req PhaseRequest
	if !decodeBody(w, r, &req) {
		return 0, false
	}
	if req.Phase == nil {
		http.Error(w, "phase is required", http.StatusBadRequest)
		return 0, false
	}
	return *req.Phase, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps display errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, motion.ErrInvalidPhase), errors.Is(err, illuminator.ErrOutOfRange):
		code = http.StatusBadRequest
	case errors.Is(err, motion.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, runner.ErrNoLamps):
		code = http.StatusServiceUnavailable
	default:
		debug.Error(err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func ptr[T any](v T) *T { return &v }
