// Package web serves the session-scoped review API. Every session lives in
// an explicit session object keyed by its token; handlers carry no global
// mutable state.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/AM-Campbell/sr/internal/adapter"
	"github.com/AM-Campbell/sr/internal/scheduler"
	"github.com/AM-Campbell/sr/internal/session"
	"github.com/AM-Campbell/sr/internal/storage"
)

const tokenHeader = "X-Session-Token"

// Server holds the dependencies for the review HTTP server.
type Server struct {
	db     *storage.DB
	sched  scheduler.Scheduler
	filter storage.SelectionFilter
	router *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewServer creates and configures a new review server.
func NewServer(db *storage.DB, sched scheduler.Scheduler, filter storage.SelectionFilter) *Server {
	s := &Server{
		db:       db,
		sched:    sched,
		filter:   filter,
		router:   http.NewServeMux(),
		sessions: map[string]*session.Session{},
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/session", s.handleNewSession)
	s.router.HandleFunc("GET /api/next", s.withSession(s.handleNext))
	s.router.HandleFunc("GET /api/status", s.withSession(s.handleStatus))
	s.router.HandleFunc("POST /api/flip", s.withSession(s.handleFlip))
	s.router.HandleFunc("POST /api/grade", s.withSession(s.handleGrade))
	s.router.HandleFunc("POST /api/skip", s.withSession(s.handleSkip))
	s.router.HandleFunc("POST /api/undo", s.withSession(s.handleUndo))
	s.router.HandleFunc("POST /api/suspend", s.withSession(s.handleSuspend))
	s.router.HandleFunc("POST /api/flag", s.withSession(s.handleFlag))
	s.router.HandleFunc("POST /api/unflag", s.withSession(s.handleUnflag))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type sessionHandler func(sess *session.Session, w http.ResponseWriter, r *http.Request)

// withSession resolves the session token. An unknown token is a rejected
// operation: nothing in any session changes.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(tokenHeader)
		s.mu.Lock()
		sess, ok := s.sessions[token]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusForbidden, "invalid session token")
			return
		}
		h(sess, w, r)
	}
}

// handleNewSession starts a fresh review session and hands out its token.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	sess := session.New(s.db, s.sched, s.filter)
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"session_token": sess.Token})
}

func (s *Server) sessionStats(sess *session.Session) map[string]any {
	remaining, err := sess.Remaining()
	if err != nil {
		slog.Warn("Failed to count remaining cards", "error", err)
	}
	return map[string]any{"reviewed": sess.Reviewed(), "remaining": remaining}
}

func (s *Server) handleNext(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	card, err := sess.Next()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if card == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"done":          true,
			"session_stats": map[string]any{"reviewed": sess.Reviewed(), "remaining": 0},
		})
		return
	}
	flags, err := s.db.Flags(card.ID)
	if err != nil {
		slog.Warn("Failed to load flags", "card", card.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"done":          false,
		"id":            card.ID,
		"gradable":      card.Gradable,
		"front_html":    s.renderFront(card.ID, card.Adapter, card.Content),
		"flags":         flags,
		"session_stats": s.sessionStats(sess),
	})
}

func (s *Server) handleStatus(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	remaining, err := sess.Remaining()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewed": sess.Reviewed(), "remaining": remaining})
}

func (s *Server) handleFlip(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	card, err := sess.Flip()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"back_html": s.renderBack(card.ID, card.Adapter, card.Content),
	})
}

type gradeRequest struct {
	Grade    *int           `json:"grade"`
	Feedback string         `json:"feedback"`
	Response map[string]any `json:"response"`
}

func (s *Server) handleGrade(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Grade == nil || (*req.Grade != 0 && *req.Grade != 1) {
		writeError(w, http.StatusBadRequest, "grade must be 0 or 1")
		return
	}
	if err := sess.Grade(*req.Grade, req.Feedback, req.Response); err != nil {
		switch {
		case errors.Is(err, session.ErrNoCurrentCard), errors.Is(err, session.ErrNotFlipped):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSkip(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	if err := sess.Skip(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUndo(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	card, err := sess.Undo()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"front_html": s.renderFront(card.ID, card.Adapter, card.Content),
		"back_html":  s.renderBack(card.ID, card.Adapter, card.Content),
	})
}

func (s *Server) handleSuspend(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	if err := sess.Suspend(); err != nil {
		if errors.Is(err, session.ErrNoCurrentCard) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "suspended": true})
}

type flagRequest struct {
	Flag string `json:"flag"`
	Note string `json:"note"`
}

func (s *Server) handleFlag(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	s.handleFlagChange(sess, w, r, true)
}

func (s *Server) handleUnflag(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	s.handleFlagChange(sess, w, r, false)
}

func (s *Server) handleFlagChange(sess *session.Session, w http.ResponseWriter, r *http.Request, add bool) {
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Flag == "" {
		writeError(w, http.StatusBadRequest, "flag is required")
		return
	}
	card := sess.Current()
	if card == nil {
		writeError(w, http.StatusBadRequest, session.ErrNoCurrentCard.Error())
		return
	}
	err := s.db.WithTx(func(tx *storage.Tx) error {
		if add {
			return tx.AddFlag(card.ID, req.Flag, req.Note)
		}
		return tx.RemoveFlag(card.ID, req.Flag)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flags, err := s.db.Flags(card.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "flags": flags})
}

// renderFront renders the front of a card through its adapter. Render
// failures degrade to an inline error fragment; the session keeps going.
func (s *Server) renderFront(cardID int64, adapterName, content string) string {
	return s.render(cardID, adapterName, content, func(a adapter.Adapter, c map[string]any) (string, error) {
		return a.RenderFront(c)
	})
}

func (s *Server) renderBack(cardID int64, adapterName, content string) string {
	return s.render(cardID, adapterName, content, func(a adapter.Adapter, c map[string]any) (string, error) {
		return a.RenderBack(c)
	})
}

func (s *Server) render(cardID int64, adapterName, content string,
	fn func(adapter.Adapter, map[string]any) (string, error)) string {
	a, err := adapter.Get(adapterName)
	if err != nil {
		return renderErrorHTML(cardID, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return renderErrorHTML(cardID, err)
	}
	html, err := fn(a, decoded)
	if err != nil {
		return renderErrorHTML(cardID, err)
	}
	return html
}

func renderErrorHTML(cardID int64, err error) string {
	return fmt.Sprintf(`<div class="render-error">Render error (card %d): %s</div>`, cardID, err)
}
