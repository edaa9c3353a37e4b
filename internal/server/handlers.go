// File: internal/server/handlers.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netlogger/api/schemas"
	"github.com/xkilldash9x/netlogger/internal/config"
	"github.com/xkilldash9x/netlogger/internal/session"
)

// StartRequest is the body of POST /api/start. Omitted fields fall back to
// browser.headless and session.default_duration.
type StartRequest struct {
	URL      string `json:"url"`
	Headless *bool  `json:"headless,omitempty"`
	// Duration is a Go duration string such as "90s" or "5m". "0" runs until stopped.
	Duration string `json:"duration,omitempty"`
}

// Response is the envelope of every JSON answer.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// LogsResponse is the payload of GET /api/logs.
type LogsResponse struct {
	Logs  []schemas.LogEntry `json:"logs"`
	Total int                `json:"total"`
}

// Handlers serves the /api routes.
type Handlers struct {
	log  *zap.Logger
	cfg  config.Interface
	ctrl Controller
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg config.Interface, ctrl Controller, logger *zap.Logger) *Handlers {
	return &Handlers{
		log:  logger.Named("handlers"),
		cfg:  cfg,
		ctrl: ctrl,
	}
}

// RegisterRoutes mounts the health check and the /api routes on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Post("/stop", h.HandleStop)
		r.Post("/clear", h.HandleClear)
		r.Get("/status", h.HandleStatus)
		r.Get("/logs", h.HandleLogs)
		r.Get("/export", h.HandleExport)
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleStart begins a logging session and answers once navigation is issued.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	headless := h.cfg.Browser().Headless
	if req.Headless != nil {
		headless = *req.Headless
	}
	duration := h.cfg.Session().DefaultDuration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid duration %q: %v", req.Duration, err))
			return
		}
		duration = d
	}

	if err := h.ctrl.Start(r.Context(), req.URL, headless, duration); err != nil {
		h.log.Warn("Start request failed.", zap.String("url", req.URL), zap.Error(err))
		h.respondWithError(w, statusFor(err), err.Error())
		return
	}
	h.respondWithStatus(w, http.StatusOK, "started", h.ctrl.Status())
}

// HandleStop ends the active session. Stopping while idle is not an error.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Stop(r.Context())
	h.respondWithStatus(w, http.StatusOK, "stopped", h.ctrl.Status())
}

func (h *Handlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Clear()
	h.respondWithStatus(w, http.StatusOK, "cleared", nil)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	logs := h.ctrl.Snapshot()
	if logs == nil {
		logs = []schemas.LogEntry{}
	}
	h.respondWithSuccess(w, http.StatusOK, LogsResponse{Logs: logs, Total: len(logs)})
}

// HandleExport writes a report into export.reports_dir and sends it back as an
// attachment. An empty log still produces a header-only report.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = h.cfg.Export().Prefix
	}
	if strings.ContainsAny(prefix, `/\`) || strings.Contains(prefix, "..") {
		h.respondWithError(w, http.StatusBadRequest, "Invalid prefix")
		return
	}

	path, err := h.ctrl.ExportReport(prefix)
	if err != nil {
		h.log.Error("Export failed.", zap.Error(err))
		h.respondWithError(w, statusFor(err), err.Error())
		return
	}

	h.log.Info("Report exported.", zap.String("path", path))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.Header().Set("X-Report-Path", path)
	http.ServeFile(w, r, path)
}

// statusFor maps controller errors onto HTTP status codes. Export failures
// (netlog.ErrExportIO) and anything unexpected are a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrBrowserLaunch), errors.Is(err, session.ErrNavigation):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// Start aborted by a concurrent stop.
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, Response{Status: "error", Error: message})
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	h.writeJSON(w, statusCode, Response{Status: status, Data: data})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
