package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/alerts"
	"github.com/BTreeMap/SafeStatus/internal/flow"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
)

// FeedStatus is the result of GET /api/feed.
type FeedStatus struct {
	State       models.ConnectionState `json:"state"`
	Connected   bool                   `json:"connected"`
	Subscribers int                    `json:"subscribers"`
}

// PromptView is the result of GET /api/prompt.
type PromptView struct {
	Prompt      models.PromptState `json:"prompt"`
	ShownAt     *time.Time         `json:"shown_at,omitempty"`
	FollowUpDue *time.Time         `json:"follow_up_due,omitempty"`
	FollowUp    *models.TimerInfo  `json:"follow_up_timer,omitempty"`
	Notices     []Notice           `json:"notices"`
}

// RespondRequest is the body of POST /api/prompt/respond.
type RespondRequest struct {
	Action string `json:"action"`
}

// ProfileUpdate is the body of PUT /api/profile.
type ProfileUpdate struct {
	City string `json:"city"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"feed":   s.conn.State(),
	}))
}

func (s *Server) feedHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	state := s.conn.State()
	writeJSONResponse(w, http.StatusOK, models.Success(FeedStatus{
		State:       state,
		Connected:   state.IsConnected(),
		Subscribers: s.conn.Subscribers(),
	}))
}

// alertsHandler returns the retained history, newest first. ?limit=N trims it.
func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	history := s.bus.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		if limit < len(history) {
			history = history[:limit]
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(history))
}

func (s *Server) currentAlertHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	if r.Method == http.MethodDelete {
		s.bus.ClearCurrent()
		slog.Info("Server.currentAlertHandler: current alert cleared")
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Current alert cleared", nil))
		return
	}
	rec, ok := s.bus.Current()
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No current alert"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// demoAlertHandler publishes a demo alert for the user's city through the bus.
func (s *Server) demoAlertHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	city, err := s.profiles.GetCity(r.Context())
	if err != nil {
		slog.Error("Server.demoAlertHandler: failed to read city", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read profile"))
		return
	}
	rec := s.bus.PublishFrom(models.AlertSourceDemo, alerts.DemoAlert(city))
	slog.Info("Server.demoAlertHandler: demo alert published", "id", rec.ID, "areas", rec.Alert.Areas)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Demo alert published", rec))
}

func (s *Server) promptHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	prompt, shownAt := s.board.Prompt()
	view := PromptView{Prompt: prompt, Notices: s.board.Notices()}
	if !shownAt.IsZero() {
		view.ShownAt = &shownAt
	}
	if due, ok := s.machine.PendingFollowUp(); ok {
		view.FollowUpDue = &due
	}
	if info, ok := s.machine.FollowUpTimer(); ok {
		view.FollowUp = &info
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) respondHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.respondHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	action, err := models.ParseResponseAction(req.Action)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.machine.Respond(r.Context(), action); err != nil {
		if errors.Is(err, flow.ErrNoActivePrompt) {
			writeJSONResponse(w, http.StatusConflict, models.Error("No active prompt"))
			return
		}
		slog.Error("Server.respondHandler: respond failed", "error", err, "action", action)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record response"))
		return
	}
	slog.Info("Server.respondHandler: response recorded", "action", action)
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Response recorded", map[string]interface{}{
		"action": action,
		"prompt": s.machine.Prompt(),
	}))
}

// profileHandler returns the local profile; PUT changes its city.
func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	if r.Method == http.MethodPut {
		var upd ProfileUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.profiles.SetCity(r.Context(), upd.City); err != nil {
			if errors.Is(err, models.ErrEmptyCity) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
				return
			}
			slog.Error("Server.profileHandler: failed to update city", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update profile"))
			return
		}
	}

	p, err := s.st.GetProfile(s.profiles.ProfileID())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Profile not found"))
		return
	}
	if err != nil {
		slog.Error("Server.profileHandler: failed to load profile", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}
