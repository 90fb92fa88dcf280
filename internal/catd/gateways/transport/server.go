// Package transport exposes the lookup service over HTTP/JSON.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/haukened/rr-catd/internal/catd/common/log"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

const maxJSONBody = 1 << 20

// Service is the lookup surface served over HTTP.
type Service interface {
	LookupByHostname(ctx context.Context, hostname, category string) (domain.LookupResult, error)
	LookupByIP(ctx context.Context, ip, category string) (domain.LookupResult, error)
	AddHostEntry(ctx context.Context, hostname, category string) error
	DeleteHostEntry(ctx context.Context, hostname, category string) error
	ListCategories(ctx context.Context, hostname string) ([]string, error)
	DeleteCategory(ctx context.Context, category string) error
	Cleanup(ctx context.Context) error
	InstallFromUpload(r io.Reader) error
	InstallFromURL(urls ...string) error
	GenerateLists() error
	Download() (domain.Artifact, error)
	State() domain.IngestionState
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc    Service
	logger log.Logger
	router chi.Router
}

// New builds the router.
func New(svc Service, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &Server{svc: svc, logger: logger}
	s.buildRouter()
	return s
}

func (s *Server) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/lookuphost", s.handleLookupHost)
	r.Post("/lookupip", s.handleLookupIP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/hosts", s.handleAddHost)
		r.Delete("/hosts", s.handleDeleteHost)
		r.Get("/categories", s.handleListCategories)
		r.Delete("/categories/*", s.handleDeleteCategory)
		r.Post("/cleanup", s.handleCleanup)

		r.Post("/lists", s.handleInstallUpload)
		r.Post("/lists/url", s.handleInstallURL)
		r.Post("/lists/generate", s.handleGenerate)
		r.Get("/lists/download", s.handleDownload)
		r.Get("/lists/status", s.handleStatus)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HostRequest is the body of the hostname lookup and host admin routes.
type HostRequest struct {
	Hostname string `json:"hostname"`
	Category string `json:"category"`
}

// IPRequest is the body of POST /lookupip.
type IPRequest struct {
	IP       string `json:"ip"`
	Category string `json:"category"`
}

// URLRequest is the body of POST /api/lists/url.
type URLRequest struct {
	URLs []string `json:"urls"`
}

// CategoriesResponse is returned by GET /api/categories.
type CategoriesResponse struct {
	Categories []string `json:"categories"`
}

// MessageResponse is returned for accepted or successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleLookupHost(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.LookupByHostname(r.Context(), req.Hostname, req.Category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (s *Server) handleLookupIP(w http.ResponseWriter, r *http.Request) {
	var req IPRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.LookupByIP(r.Context(), req.IP, req.Category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (s *Server) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.AddHostEntry(r.Context(), req.Hostname, req.Category); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, r, http.StatusOK, "OK")
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.DeleteHostEntry(r.Context(), req.Hostname, req.Category); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, r, http.StatusOK, "OK")
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.svc.ListCategories(r.Context(), r.URL.Query().Get("hostname"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	render.JSON(w, r, CategoriesResponse{Categories: cats})
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteCategory(r.Context(), chi.URLParam(r, "*")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, r, http.StatusOK, "OK")
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cleanup(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, r, http.StatusOK, "OK")
}

// handleInstallUpload streams the multipart "archive" field into the
// service without buffering the whole body in memory.
func (s *Server) handleInstallUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
			return
		}
		if part.FormName() != "archive" {
			part.Close()
			continue
		}
		err = s.svc.InstallFromUpload(part)
		part.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeMessage(w, r, http.StatusAccepted, "OK")
		return
	}
	s.writeError(w, r, fmt.Errorf("%w: missing archive field", domain.ErrInvalidInput))
}

func (s *Server) handleInstallURL(w http.ResponseWriter, r *http.Request) {
	var req URLRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.InstallFromURL(req.URLs...); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, r, http.StatusAccepted, "OK")
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.GenerateLists(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMessage(w, r, http.StatusAccepted, "OK")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Download()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: artifact file missing", domain.ErrNotFound)
		}
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(a.Path)))
	http.ServeContent(w, r, filepath.Base(a.Path), a.GeneratedAt, f)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.svc.State())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxJSONBody), v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidInput, err))
		return false
	}
	return true
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, MessageResponse{Message: msg})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(map[string]any{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
			"error":      err,
		}, "Request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrServiceUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}, "HTTP request")
	})
}
