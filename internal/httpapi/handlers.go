package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/tradegate/internal/logging"
	"github.com/rendis/tradegate/internal/validation"
)

// handleStart opens a session and runs it up to the gate or to completion.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body validation.StartRequest
	if !s.decode(w, r, &body) {
		return
	}

	out, err := s.executor.Start(r.Context(), body.Subject)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out, err := s.executor.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResume injects a decision into a suspended session.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body validation.ResumeRequest
	if !s.decode(w, r, &body) {
		return
	}

	sessionID := chi.URLParam(r, "id")
	ctx := logging.WithSessionID(r.Context(), sessionID)
	out, err := s.executor.Resume(ctx, sessionID, body.Decision())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	replay, err := s.executor.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

// handlePending lists open approval requests as cards.
func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	pending := s.executor.Pending()
	cards := make([]map[string]any, 0, len(pending))
	for _, req := range pending {
		cards = append(cards, req.Card())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": cards,
		"count":     len(cards),
	})
}

// handleRespond answers an approval request. A late or duplicate answer
// gets 409 with ok=false.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body validation.ApprovalResponseRequest
	if !s.decode(w, r, &body) {
		return
	}

	requestID := chi.URLParam(r, "id")
	ctx := logging.WithRequestID(r.Context(), requestID)
	decision := body.Decision()
	ok := s.executor.SubmitApprovalResponse(ctx, requestID, decision.Approved, decision.Notes)
	s.logger.InfoContext(ctx, "approval response via http",
		slog.Bool("approved", decision.Approved),
		slog.Bool("accepted", ok))

	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"ok":         ok,
		"request_id": requestID,
		"approved":   decision.Approved,
	})
}

func (s *Server) handleWatchlist(w http.ResponseWriter, _ *http.Request) {
	var watches any = []any{}
	if s.watchlist != nil {
		watches = s.watchlist.Watches()
	}
	writeJSON(w, http.StatusOK, map[string]any{"watchlist": watches})
}

// handleHealth reports engine counters, pending approvals and hub stats.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"stats":   s.executor.Stats(),
		"pool":    s.executor.PoolMetrics(),
		"pending": len(s.executor.Pending()),
	}
	if s.fanout != nil {
		body["fanout"] = s.fanout.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// decode reads a JSON body into dst and validates it. On failure the
// problem response has already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		badRequest(w, r, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	if err := s.validator.Struct(dst); err != nil {
		writeProblem(w, r, err)
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
