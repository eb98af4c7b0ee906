// Package mock provides a deterministic stand-in for the external LLM
// backend the Orchestrator invokes at spec.md §4.8 step 4.
package mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
)

// Server is a deterministic /generate backend. By default it returns a
// well-formed two-section response; SetOmitSections makes it return a
// response missing the labeled Insights/Recommendations structure until a
// prompt carries the structural amendment block's text, simulating a
// response that needs the Quality Improvement Engine's retry hint to pass
// validation.
type Server struct {
	*httptest.Server

	failing      atomic.Bool
	omitSections atomic.Bool
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// structuralMarker is the distinctive phrase from the quality package's
// structural amendment block; its presence in a prompt signals that a
// regeneration retry asked for explicit section markers.
const structuralMarker = "explicit section markers"

// New starts a Server.
func New() *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", s.handleGenerate)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetFailing toggles whether /generate returns 503.
func (s *Server) SetFailing(failing bool) { s.failing.Store(failing) }

// SetOmitSections toggles whether /generate omits labeled sections until
// the prompt includes the structural amendment's marker text.
func (s *Server) SetOmitSections(omit bool) { s.omitSections.Store(omit) }

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.failing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var response string
	if s.omitSections.Load() && !strings.Contains(req.Prompt, structuralMarker) {
		response = "the record shows typical activity with no material anomalies"
	} else {
		response = "Insights: the record shows typical activity with no material anomalies.\n\n" +
			"Recommendations: no action required at this time."
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(generateResponse{Response: response})
}
