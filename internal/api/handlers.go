package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/TheLeoP/wpp/internal/campaign"
	"github.com/TheLeoP/wpp/internal/phone"
	"github.com/TheLeoP/wpp/internal/prefs"
	"github.com/TheLeoP/wpp/internal/scheduler"
	"github.com/TheLeoP/wpp/internal/sheet"
	"github.com/TheLeoP/wpp/internal/template"
)

// Version is stamped at build time
var Version = "dev"

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Session string `json:"session"`
}

// SheetPreviewRequest is the request body for POST /sheet/preview
type SheetPreviewRequest struct {
	Path string `json:"path"`
}

// TemplatePreviewRequest is the request body for POST /template/preview
type TemplatePreviewRequest struct {
	Template string `json:"template"`
	Path     string `json:"path"`
}

// TemplatePreviewResponse is the response for POST /template/preview
type TemplatePreviewResponse struct {
	Text string `json:"text"`
}

// CampaignRequest is the request body for POST /campaigns
type CampaignRequest struct {
	Template  string `json:"template"`
	SheetPath string `json:"sheet_path"`
	MediaPath string `json:"media_path,omitempty"`
}

// CampaignResponse is the response for POST /campaigns
type CampaignResponse struct {
	RunID       int64                 `json:"run_id"`
	Total       int                   `json:"total"`
	SkippedRows []campaign.SkippedRow `json:"skipped_rows,omitempty"`
}

// MessageRequest is the request body for POST /messages
type MessageRequest struct {
	Phone     string `json:"phone"`
	Text      string `json:"text"`
	MediaPath string `json:"media_path,omitempty"`
}

// MessageResponse is the response for POST /messages
type MessageResponse struct {
	RunID int64 `json:"run_id"`
}

// UnresolvedResponse is the response for GET /unresolved
type UnresolvedResponse struct {
	Numbers []string `json:"numbers"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Session: s.deps.Machine.Current().Kind.String(),
	})
}

// handleSession handles GET /api/v1/session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Machine.Current())
}

// handleLogout handles POST /api/v1/session/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.Logout(r.Context()); err != nil {
		s.logger.Error("logout failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to log out")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleGetPreferences handles GET /api/v1/preferences
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Prefs.Current())
}

// handlePutPreferences handles PUT /api/v1/preferences. Preferences are
// replaced wholesale; a validation failure leaves the stored set
// untouched.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var p prefs.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := p.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Prefs.Replace(p); err != nil {
		s.logger.Error("failed to persist preferences", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to persist preferences")
		return
	}
	s.sendJSON(w, http.StatusOK, s.deps.Prefs.Current())
}

// handleSheetPreview handles POST /api/v1/sheet/preview
func (s *Server) handleSheetPreview(w http.ResponseWriter, r *http.Request) {
	var req SheetPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	row, err := sheet.Preview(req.Path)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to read sheet: %v", err))
		return
	}
	s.sendJSON(w, http.StatusOK, row)
}

// handleTemplatePreview handles POST /api/v1/template/preview. The
// template is rendered against the sheet's first row.
func (s *Server) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	var req TemplatePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	row, err := sheet.Preview(req.Path)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to read sheet: %v", err))
		return
	}
	text, err := template.Render(req.Template, row)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to render template: %v", err))
		return
	}
	s.sendJSON(w, http.StatusOK, TemplatePreviewResponse{Text: text})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Template == "" {
		s.sendError(w, http.StatusBadRequest, "template is required")
		return
	}
	if req.SheetPath == "" {
		s.sendError(w, http.StatusBadRequest, "sheet_path is required")
		return
	}
	if !s.deps.Machine.Dispatchable() {
		s.sendError(w, http.StatusConflict, "session is not ready")
		return
	}
	if req.MediaPath != "" {
		if _, err := os.Stat(req.MediaPath); err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("media file: %v", err))
			return
		}
	}

	sh, err := sheet.Read(req.SheetPath)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to read sheet: %v", err))
		return
	}

	p := s.deps.Prefs.Current()
	rules := phone.Rules{
		CountryCode: s.deps.PhoneRules.CountryCode,
		TrunkPrefix: s.deps.PhoneRules.TrunkPrefix,
		Prepend:     p.PrependCountryPrefix,
	}

	jobs, skipped, err := campaign.Build(req.Template, sh, req.MediaPath, p.PhoneColumn, rules, s.deps.Bus)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := scheduler.DelayWindow{
		Min: time.Duration(p.SendDelayMinMS) * time.Millisecond,
		Max: time.Duration(p.SendDelayMaxMS) * time.Millisecond,
	}
	id, err := s.deps.Scheduler.StartRun(s.deps.RunContext, jobs, window)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoJobs) {
			s.sendError(w, http.StatusBadRequest, "no sendable rows in sheet")
			return
		}
		s.logger.Error("failed to start run", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	s.sendJSON(w, http.StatusCreated, CampaignResponse{
		RunID:       id,
		Total:       len(jobs),
		SkippedRows: skipped,
	})
}

// handleSendMessage handles POST /api/v1/messages. A one-off message
// runs as a single-job run with no delay window, so it queues behind
// any in-flight campaign sends instead of interleaving with them.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Phone == "" {
		s.sendError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if req.Text == "" && req.MediaPath == "" {
		s.sendError(w, http.StatusBadRequest, "text or media_path is required")
		return
	}
	if !s.deps.Machine.Dispatchable() {
		s.sendError(w, http.StatusConflict, "session is not ready")
		return
	}
	if req.MediaPath != "" {
		if _, err := os.Stat(req.MediaPath); err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("media file: %v", err))
			return
		}
	}

	p := s.deps.Prefs.Current()
	rules := phone.Rules{
		CountryCode: s.deps.PhoneRules.CountryCode,
		TrunkPrefix: s.deps.PhoneRules.TrunkPrefix,
		Prepend:     p.PrependCountryPrefix,
	}
	job := scheduler.Job{
		RecipientRaw: req.Phone,
		Recipient:    rules.Canonicalize(req.Phone),
		Text:         req.Text,
		MediaPath:    req.MediaPath,
	}

	id, err := s.deps.Scheduler.StartRun(s.deps.RunContext, []scheduler.Job{job}, scheduler.DelayWindow{})
	if err != nil {
		s.logger.Error("failed to start run", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	s.sendJSON(w, http.StatusAccepted, MessageResponse{RunID: id})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Scheduler.Runs())
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	status, ok := s.deps.Scheduler.Snapshot(id)
	if !ok {
		s.sendError(w, http.StatusNotFound, "run not found")
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.sendError(w, http.StatusInternalServerError, "history storage is not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.deps.History.List(limit)
	if err != nil {
		s.logger.Error("failed to list run history", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list run history")
		return
	}
	s.sendJSON(w, http.StatusOK, records)
}

// handleUnresolved handles GET /api/v1/unresolved
func (s *Server) handleUnresolved(w http.ResponseWriter, r *http.Request) {
	numbers := s.deps.Unresolved.All()
	if numbers == nil {
		numbers = []string{}
	}
	s.sendJSON(w, http.StatusOK, UnresolvedResponse{Numbers: numbers})
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError writes a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
