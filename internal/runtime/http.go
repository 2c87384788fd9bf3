package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
)

// Handler returns the HTTP control surface. Setup must have run.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	mux.HandleFunc("GET /v1/devices", r.handleDevices)
	mux.HandleFunc("POST /v1/session/start", r.handleSessionStart)
	mux.HandleFunc("POST /v1/session/stop", r.handleSessionStop)
	mux.HandleFunc("GET /v1/session", r.handleSession)
	mux.HandleFunc("GET /v1/transcript", r.handleTranscript)
	mux.HandleFunc("DELETE /v1/transcript", r.handleTranscriptClear)
	mux.HandleFunc("GET /v1/events", r.handleEvents)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := r.listDevices()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type startRequest struct {
	Device string `json:"device"`
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	id, err := r.controller.Start(req.Context(), body.Device)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
	case errors.Is(err, pipeline.ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, pipeline.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, audio.ErrDevice):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleSessionStop ends capture. With ?wait=true it also waits for queued
// refinements, bounded by the request context.
func (r *Runtime) handleSessionStop(w http.ResponseWriter, req *http.Request) {
	_ = r.controller.Stop()
	if req.URL.Query().Get("wait") == "true" {
		if err := r.controller.Wait(req.Context()); err != nil {
			writeError(w, http.StatusGatewayTimeout, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, r.controller.Session())
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Session())
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, r.transcript.Text())
		return
	}
	writeJSON(w, http.StatusOK, r.transcript.Snapshot())
}

// handleTranscriptClear empties the displayed transcript. The running
// session, if any, keeps going and the event store keeps its history.
func (r *Runtime) handleTranscriptClear(w http.ResponseWriter, _ *http.Request) {
	r.transcript.Clear()
	r.logger.Info("transcript cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams reconciled events as server-sent events until the
// client goes away or the runtime shuts down.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	ch, cancel := r.fanout.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-r.base.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleNodes lists scribe instances heard on the bus. It is empty when the
// bus is disabled.
func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.registry != nil {
		nodes = r.registry.Nodes()
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
