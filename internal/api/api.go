// Package api exposes the engine over a small REST surface for local
// tooling. It is a thin shim: every handler maps one route onto one engine
// call and one JSON shape.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drover-dl/drover/internal/engine"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/store"
)

// Server serves the engine API.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
	router chi.Router
}

func New(eng *engine.Engine, log *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		log:    log.With("component", "api"),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleCancel)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Get("/file", s.handleFile)
		})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// submitBody is the submission payload. Only URL is required.
type submitBody struct {
	URL          string            `json:"url"`
	Hint         string            `json:"hint,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	MimeType     string            `json:"mime_type,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Referer      string            `json:"referer,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	WifiOnly     bool              `json:"wifi_only,omitempty"`
	AllowMetered *bool             `json:"allow_metered,omitempty"`
	AllowRoaming *bool             `json:"allow_roaming,omitempty"`
	Hidden       bool              `json:"hidden,omitempty"`
}

// downloadView is the row shape handed back to clients.
type downloadView struct {
	ID           int64   `json:"id"`
	URL          string  `json:"url"`
	Status       string  `json:"status"`
	StatusCode   int     `json:"status_code"`
	FilePath     string  `json:"file_path,omitempty"`
	MimeType     string  `json:"mime_type,omitempty"`
	CurrentBytes int64   `json:"current_bytes"`
	TotalBytes   int64   `json:"total_bytes"`
	Progress     float64 `json:"progress"`
	NumFailed    int     `json:"num_failed,omitempty"`
	ETag         string  `json:"etag,omitempty"`
	LastModified string  `json:"last_modified,omitempty"`
}

func viewOf(r *request.Request) downloadView {
	v := downloadView{
		ID:           r.ID,
		URL:          r.SourceURI,
		Status:       r.Status.String(),
		StatusCode:   int(r.Status),
		FilePath:     r.FilePath,
		MimeType:     r.MimeType,
		CurrentBytes: r.CurrentBytes,
		TotalBytes:   r.TotalBytes,
		NumFailed:    r.NumFailed,
		ETag:         r.ETag,
	}
	if r.TotalBytes > 0 {
		v.Progress = float64(r.CurrentBytes) / float64(r.TotalBytes)
	}
	if !r.LastModified.IsZero() {
		v.LastModified = r.LastModified.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.URL == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	req := request.New(body.URL)
	req.HintName = body.Hint
	req.Owner = body.Owner
	req.MimeType = body.MimeType
	req.UserAgent = body.UserAgent
	req.Referer = body.Referer
	if body.WifiOnly {
		req.AllowedNetworkTypes = request.NetworkWifi
	}
	if body.AllowMetered != nil {
		req.AllowMetered = *body.AllowMetered
	}
	if body.AllowRoaming != nil {
		req.AllowRoaming = *body.AllowRoaming
	}
	if body.Hidden {
		req.Visibility = request.VisibilityHidden
	}
	pos := 0
	for name, value := range body.Headers {
		req.Headers = append(req.Headers, request.Header{Position: pos, Name: name, Value: value})
		pos++
	}

	id, err := s.engine.Submit(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := engine.Filter{Owner: r.URL.Query().Get("owner")}
	rows, err := s.engine.Query(f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]downloadView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewOf(row))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	row, err := s.engine.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(row))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.engine.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.engine.Cancel)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	row, err := s.engine.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	rc, err := s.engine.Open(id)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	defer rc.Close()
	if row.MimeType != "" {
		w.Header().Set("Content-Type", row.MimeType)
	}
	if row.TotalBytes >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(row.TotalBytes, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("file stream aborted", "id", id, "error", err)
	}
}

func (s *Server) simple(w http.ResponseWriter, r *http.Request, fn func(int64) error) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
