package app

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tribe/api/internal/auth"
	"tribe/api/internal/projection"
	"tribe/api/internal/rbac"
	"tribe/api/internal/session"
	"tribe/api/internal/store"
	"tribe/api/internal/week"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(r.Context()); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			s.service.Logout(r.Context(), token)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        sess.Profile.ID,
			"email":         sess.Profile.Email,
			"role":          string(sess.Role),
		})
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/checkins":
		s.handleSubmitCheckIn(w, r, sess)
	case r.Method == http.MethodPost && r.URL.Path == "/api/debriefs":
		s.handleSubmitDebrief(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/dashboard":
		s.handleDashboard(w, r, sess)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "support-requests" && parts[3] == "resolve":
		s.handleResolveSupport(w, r, sess, parts[2])
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "strategies" && parts[3] == "review":
		s.handleReviewStrategy(w, r, sess, parts[2])
	case r.Method == http.MethodPut && r.URL.Path == "/api/schedule":
		s.handleUpsertSchedule(w, r, sess)
	case r.Method == http.MethodDelete && len(parts) == 3 && parts[0] == "api" && parts[1] == "schedule":
		s.handleDeleteSchedule(w, r, sess, parts[2])
	case r.Method == http.MethodPost && r.URL.Path == "/api/focus/rotate":
		s.handleRotateFocus(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/team/overview":
		s.handleTeamOverview(w, r, sess)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSubmitCheckIn(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body CheckInInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	checkIn, err := s.service.SubmitCheckIn(r.Context(), sess, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, checkIn)
}

func (s *HTTPServer) handleSubmitDebrief(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body DebriefInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	debrief, err := s.service.SubmitDebrief(r.Context(), sess, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, debrief)
}

// dashboardView is the portal landing payload: the role's buckets plus the
// notification badge. Staff payloads simply carry empty manager buckets.
type dashboardView struct {
	PersonalHistory    []store.CheckIn           `json:"personalHistory"`
	TeamHistory        []store.CheckIn           `json:"teamHistory,omitempty"`
	PendingSupport     []store.SupportRequest    `json:"pendingSupport,omitempty"`
	HandledSupport     []store.SupportRequest    `json:"handledSupport,omitempty"`
	PendingStrategies  []store.Strategy          `json:"pendingStrategies,omitempty"`
	ApprovedStrategies []store.Strategy          `json:"approvedStrategies,omitempty"`
	ArchivedStrategies []store.Strategy          `json:"archivedStrategies,omitempty"`
	Schedules          []store.OnCallSchedule    `json:"schedules"`
	CurrentSchedule    *store.OnCallSchedule     `json:"currentSchedule,omitempty"`
	SelectedScheduleID string                    `json:"selectedScheduleId,omitempty"`
	WeekDays           []scheduleDay             `json:"weekDays,omitempty"`
	ActiveFocus        *store.MonthlyFocus       `json:"activeFocus,omitempty"`
	Notifications      *projection.Notifications `json:"notifications,omitempty"`
}

type scheduleDay struct {
	DayName       string `json:"dayName"`
	FormattedDate string `json:"formattedDate"`
}

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	state := sess.Live.State()
	view := dashboardView{
		PersonalHistory:    state.PersonalHistory,
		Schedules:          state.Schedules,
		CurrentSchedule:    state.CurrentSchedule,
		SelectedScheduleID: state.SelectedScheduleID,
		ActiveFocus:        state.ActiveFocus,
	}
	for _, selected := range state.Schedules {
		if selected.ID != state.SelectedScheduleID {
			continue
		}
		for _, day := range week.Days(selected.WeekDates.StartDate) {
			view.WeekDays = append(view.WeekDays, scheduleDay{
				DayName:       day.DayName,
				FormattedDate: day.FormattedDate,
			})
		}
	}
	if sess.Role == rbac.RoleManager {
		view.TeamHistory = state.TeamHistory
		view.PendingSupport = state.PendingSupport
		view.HandledSupport = state.HandledSupport
		view.PendingStrategies = state.PendingStrategies
		view.ApprovedStrategies = state.ApprovedStrategies
		view.ArchivedStrategies = state.ArchivedStrategies
		notifications := state.Notifications
		view.Notifications = &notifications
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleResolveSupport(w http.ResponseWriter, r *http.Request, sess *session.Session, requestID string) {
	if err := s.service.ResolveSupportRequest(r.Context(), sess, requestID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReviewStrategy(w http.ResponseWriter, r *http.Request, sess *session.Session, strategyID string) {
	var body StrategyReviewInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ReviewStrategy(r.Context(), sess, strategyID, body); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUpsertSchedule(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body ScheduleInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	scheduleID, err := s.service.UpsertSchedule(r.Context(), sess, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scheduleId": scheduleID})
}

func (s *HTTPServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request, sess *session.Session, scheduleID string) {
	confirm := r.URL.Query().Get("confirm") == "true"
	if err := s.service.DeleteSchedule(r.Context(), sess, scheduleID, confirm); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRotateFocus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body FocusInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	focusID, err := s.service.RotateMonthlyFocus(r.Context(), sess, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "focusId": focusID})
}

// memberRollup is one row of the team overview table.
type memberRollup struct {
	Email            string    `json:"email"`
	CheckInCount     int       `json:"checkInCount"`
	SupportRequests  int       `json:"supportRequests"`
	AverageIntensity float64   `json:"averageIntensity"`
	LastCheckIn      time.Time `json:"lastCheckIn"`
	LastMood         string    `json:"lastMood"`
}

func (s *HTTPServer) handleTeamOverview(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if !s.service.Can(sess.Role, rbac.ActionViewTeam) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	state := sess.Live.State()
	now := s.service.clock.Now()
	today := now.Format("2006-01-02")

	moodsToday := map[string]int{}
	rollups := map[string]*memberRollup{}
	intensitySums := map[string]int{}
	for _, checkIn := range state.TeamHistory {
		if checkIn.Timestamp.Format("2006-01-02") == today {
			moodsToday[checkIn.Mood]++
		}
		rollup, ok := rollups[checkIn.UserEmail]
		if !ok {
			rollup = &memberRollup{Email: checkIn.UserEmail}
			rollups[checkIn.UserEmail] = rollup
		}
		rollup.CheckInCount++
		intensitySums[checkIn.UserEmail] += checkIn.MoodIntensity
		if checkIn.NeedsSupport {
			rollup.SupportRequests++
		}
		if checkIn.Timestamp.After(rollup.LastCheckIn) {
			rollup.LastCheckIn = checkIn.Timestamp
			rollup.LastMood = checkIn.Mood
		}
	}

	members := make([]memberRollup, 0, len(rollups))
	for email, rollup := range rollups {
		if rollup.CheckInCount > 0 {
			rollup.AverageIntensity = float64(intensitySums[email]) / float64(rollup.CheckInCount)
		}
		members = append(members, *rollup)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Email < members[j].Email })

	handledLastWeek := 0
	weekAgo := now.AddDate(0, 0, -7)
	for _, request := range state.HandledSupport {
		if request.HandledAt.After(weekAgo) {
			handledLastWeek++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":              today,
		"moodsToday":        moodsToday,
		"activeSupport":     len(state.PendingSupport),
		"handledLastWeek":   handledLastWeek,
		"members":           members,
		"totalCheckIns":     len(state.TeamHistory),
		"pendingStrategies": len(state.PendingStrategies),
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return nil, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return nil, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
