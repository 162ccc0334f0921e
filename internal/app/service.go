package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tribe/api/internal/auth"
	"tribe/api/internal/docstore"
	"tribe/api/internal/identity"
	"tribe/api/internal/projection"
	"tribe/api/internal/rbac"
	"tribe/api/internal/session"
	"tribe/api/internal/store"
	"tribe/api/internal/util"
	"tribe/api/internal/week"
)

// Service owns the portal workflows. Every manager-only operation checks the
// role before touching the store; every store failure is logged, rolled back
// optimistically, and surfaced as a generic notice.
type Service struct {
	store      docstore.Store
	gateway    identity.Gateway
	sessions   *session.Resolver
	clock      docstore.Clock
	logger     *zap.Logger
	jwtSecret  []byte
	sessionTTL time.Duration
}

func NewService(st docstore.Store, gateway identity.Gateway, sessions *session.Resolver, clock docstore.Clock, logger *zap.Logger, jwtSecret []byte, sessionTTL time.Duration) *Service {
	if clock == nil {
		clock = docstore.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      st,
		gateway:    gateway,
		sessions:   sessions,
		clock:      clock,
		logger:     logger,
		jwtSecret:  jwtSecret,
		sessionTTL: sessionTTL,
	}
}

// Ping reports store reachability for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.GetAll(ctx, store.CollectionUsers, docstore.Query{Limit: 1})
	return err
}

// Login authenticates a credential and issues a bearer token whose jti is
// the resolver's session id.
type LoginResult struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	sessionID, account, err := s.gateway.Authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}

	sess, ok := s.sessions.Lookup(sessionID)
	if !ok || !sess.Authenticated() {
		// Signed in at the gateway but unknown to the portal. Close the
		// gateway session; the response stays indistinguishable from a bad
		// credential.
		s.logger.Warn("login without portal profile", zap.String("email", account.Email))
		s.gateway.SignOut(ctx, sessionID)
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}

	token, err := auth.IssueToken(s.jwtSecret, sess.Profile.ID, account.Email, string(sess.Role), sessionID, s.sessionTTL)
	if err != nil {
		s.logger.Error("token issue failed", zap.Error(err))
		s.gateway.SignOut(ctx, sessionID)
		return LoginResult{}, serverError("Login failed")
	}

	return LoginResult{
		Token:  token,
		UserID: sess.Profile.ID,
		Email:  account.Email,
		Role:   string(sess.Role),
	}, nil
}

// SessionFromToken resolves a bearer token to its live session.
func (s *Service) SessionFromToken(ctx context.Context, token string) (*session.Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Lookup(claims.JTI)
	if !ok || !sess.Authenticated() {
		return nil, auth.ErrInvalidToken
	}
	return sess, nil
}

// Logout closes the gateway session behind a token. Invalid tokens are
// ignored; logout never fails.
func (s *Service) Logout(ctx context.Context, token string) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return
	}
	s.gateway.SignOut(ctx, claims.JTI)
}

// Can exposes the role matrix to the HTTP layer.
func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

type CheckInInput struct {
	Mood              string `json:"mood"`
	MoodIntensity     int    `json:"moodIntensity"`
	EnergyLevel       string `json:"energyLevel"`
	NeedsSupport      bool   `json:"needsSupport"`
	SupportNote       string `json:"supportNote"`
	ContactPreference string `json:"contactPreference"`
	Urgent            bool   `json:"urgent"`
}

// SubmitCheckIn records a mood/energy check-in. When support is requested
// the dependent support request is written in the same atomic batch, so a
// check-in flagged for support can never exist without its request.
func (s *Service) SubmitCheckIn(ctx context.Context, sess *session.Session, input CheckInInput) (store.CheckIn, error) {
	if !rbac.Can(sess.Role, rbac.ActionCheckIn) {
		return store.CheckIn{}, forbiddenError()
	}
	if err := validateCheckIn(input); err != nil {
		return store.CheckIn{}, err
	}

	checkInID := docstore.NewDocumentID()
	opID := util.NewID("op")
	now := s.clock.Now()

	checkInFields := map[string]any{
		"userId":        sess.Profile.ID,
		"userEmail":     sess.Profile.Email,
		"mood":          input.Mood,
		"moodIntensity": input.MoodIntensity,
		"energyLevel":   input.EnergyLevel,
		"needsSupport":  input.NeedsSupport,
		"urgent":        input.Urgent,
		"timestamp":     docstore.ServerTimestamp,
		"handled":       false,
	}
	if input.NeedsSupport {
		checkInFields["supportNote"] = input.SupportNote
		checkInFields["contactPreference"] = input.ContactPreference
	}

	optimistic := cloneWith(checkInFields, map[string]any{"timestamp": now})
	sess.Live.ApplyPatch(projection.Patch{
		OpID:   opID,
		Source: projection.SourcePersonalCheckIns,
		DocID:  checkInID,
		Fields: optimistic,
		Insert: true,
	})

	batch := s.store.Batch()
	batch.Set(store.CollectionCheckIns, checkInID, checkInFields)
	if input.NeedsSupport {
		batch.Set(store.CollectionSupportRequests, docstore.NewDocumentID(), map[string]any{
			"checkInId":         checkInID,
			"userId":            sess.Profile.ID,
			"userEmail":         sess.Profile.Email,
			"mood":              input.Mood,
			"moodIntensity":     input.MoodIntensity,
			"energyLevel":       input.EnergyLevel,
			"supportNote":       input.SupportNote,
			"contactPreference": input.ContactPreference,
			"urgent":            input.Urgent,
			"status":            "pending",
			"timestamp":         docstore.ServerTimestamp,
			"handled":           false,
		})
	}
	if err := batch.Commit(ctx); err != nil {
		sess.Live.RevertPatch(opID)
		s.logger.Error("check-in write failed", zap.String("user", sess.Profile.ID), zap.Error(err))
		return store.CheckIn{}, serverError("Could not save your check-in")
	}

	checkIn, err := store.DecodeCheckIn(docstore.Document{ID: checkInID, Fields: optimistic})
	if err != nil {
		return store.CheckIn{}, fmt.Errorf("decode submitted check-in: %w", err)
	}
	return checkIn, nil
}

func validateCheckIn(input CheckInInput) error {
	if !store.ValidMood(input.Mood) {
		return validationError("Unknown mood", map[string]any{"mood": input.Mood})
	}
	if input.MoodIntensity < 1 || input.MoodIntensity > 5 {
		return validationError("Mood intensity must be between 1 and 5", nil)
	}
	if !store.ValidEnergyLevel(input.EnergyLevel) {
		return validationError("Unknown energy level", map[string]any{"energyLevel": input.EnergyLevel})
	}
	if input.NeedsSupport {
		if input.SupportNote == "" {
			return validationError("A support note is required when requesting support", nil)
		}
		if !store.ValidContactPreference(input.ContactPreference) {
			return validationError("Unknown contact preference", map[string]any{"contactPreference": input.ContactPreference})
		}
	}
	return nil
}

type DebriefInput struct {
	Summary        string `json:"summary"`
	WhatWorkedWell string `json:"whatWorkedWell"`
	ShareWithTeam  bool   `json:"shareWithTeam"`
	Category       string `json:"category"`
	CustomCategory string `json:"customCategory"`
}

// SubmitDebrief records an end-of-shift debrief. A shared what-worked-well
// note also files a pending strategy in the same batch; choosing the Other
// category substitutes the custom label while keeping the original choice.
func (s *Service) SubmitDebrief(ctx context.Context, sess *session.Session, input DebriefInput) (store.Debrief, error) {
	if !rbac.Can(sess.Role, rbac.ActionDebrief) {
		return store.Debrief{}, forbiddenError()
	}
	if input.Summary == "" {
		return store.Debrief{}, validationError("A shift summary is required", nil)
	}

	sharesStrategy := input.ShareWithTeam && input.WhatWorkedWell != ""
	category := input.Category
	if sharesStrategy {
		if !store.ValidStrategyCategory(input.Category) {
			return store.Debrief{}, validationError("Unknown strategy category", map[string]any{"category": input.Category})
		}
		if input.Category == store.CategoryOther {
			if input.CustomCategory == "" {
				return store.Debrief{}, validationError("A custom category name is required for Other", nil)
			}
			category = input.CustomCategory
		}
	}

	debriefID := docstore.NewDocumentID()
	now := s.clock.Now()
	debriefFields := map[string]any{
		"userId":         sess.Profile.ID,
		"userEmail":      sess.Profile.Email,
		"summary":        input.Summary,
		"whatWorkedWell": input.WhatWorkedWell,
		"shareWithTeam":  input.ShareWithTeam,
		"category":       category,
		"timestamp":      docstore.ServerTimestamp,
	}

	batch := s.store.Batch()
	batch.Set(store.CollectionDebriefs, debriefID, debriefFields)
	if sharesStrategy {
		strategyFields := map[string]any{
			"content":          input.WhatWorkedWell,
			"category":         category,
			"originalCategory": input.Category,
			"debriefId":        debriefID,
			"userId":           sess.Profile.ID,
			"userEmail":        sess.Profile.Email,
			"timestamp":        docstore.ServerTimestamp,
			"approved":         false,
			"archived":         false,
		}
		batch.Set(store.CollectionStrategies, docstore.NewDocumentID(), strategyFields)
	}
	if err := batch.Commit(ctx); err != nil {
		s.logger.Error("debrief write failed", zap.String("user", sess.Profile.ID), zap.Error(err))
		return store.Debrief{}, serverError("Could not save your debrief")
	}

	debrief, err := store.DecodeDebrief(docstore.Document{
		ID:     debriefID,
		Fields: cloneWith(debriefFields, map[string]any{"timestamp": now}),
	})
	if err != nil {
		return store.Debrief{}, fmt.Errorf("decode submitted debrief: %w", err)
	}
	return debrief, nil
}

// ResolveSupportRequest moves a pending request to handled, stamping the
// resolving manager and the server time. A request resolves exactly once;
// a second attempt conflicts and never re-stamps.
func (s *Service) ResolveSupportRequest(ctx context.Context, sess *session.Session, requestID string) error {
	if !rbac.Can(sess.Role, rbac.ActionResolveSupport) {
		return forbiddenError()
	}

	doc, err := s.store.Get(ctx, store.CollectionSupportRequests, requestID)
	if errors.Is(err, docstore.ErrNotFound) {
		return notFoundError("Support request not found")
	}
	if err != nil {
		s.logger.Error("support request read failed", zap.String("id", requestID), zap.Error(err))
		return serverError("Could not load support request")
	}
	request, err := store.DecodeSupportRequest(doc)
	if err != nil {
		return notFoundError("Support request not found")
	}
	if request.Handled {
		return conflictError("Support request already handled")
	}

	handledBy := util.EmailLocalPart(sess.Profile.Email)
	opID := util.NewID("op")
	sess.Live.ApplyPatch(projection.Patch{
		OpID:   opID,
		Source: projection.SourceSupportRequests,
		DocID:  requestID,
		Fields: map[string]any{
			"handled":   true,
			"status":    "handled",
			"handledBy": handledBy,
			"handledAt": s.clock.Now(),
		},
	})

	// Only the support request changes. Check-ins are append-only records
	// and keep their submitted state.
	err = s.store.Update(ctx, store.CollectionSupportRequests, requestID, map[string]any{
		"handled":   true,
		"status":    "handled",
		"handledBy": handledBy,
		"handledAt": docstore.ServerTimestamp,
	})
	if err != nil {
		sess.Live.RevertPatch(opID)
		s.logger.Error("support resolution failed", zap.String("id", requestID), zap.Error(err))
		return serverError("Could not resolve support request")
	}
	return nil
}

type StrategyReviewInput struct {
	Action      string `json:"action"`
	Highlighted bool   `json:"highlighted"`
}

// ReviewStrategy settles a pending strategy: approve publishes it to the
// team (optionally highlighted), archive retires it. Both outcomes are
// terminal; anything already settled conflicts.
func (s *Service) ReviewStrategy(ctx context.Context, sess *session.Session, strategyID string, input StrategyReviewInput) error {
	if !rbac.Can(sess.Role, rbac.ActionReviewStrategy) {
		return forbiddenError()
	}
	if input.Action != "approve" && input.Action != "archive" {
		return validationError("Action must be approve or archive", map[string]any{"action": input.Action})
	}

	doc, err := s.store.Get(ctx, store.CollectionStrategies, strategyID)
	if errors.Is(err, docstore.ErrNotFound) {
		return notFoundError("Strategy not found")
	}
	if err != nil {
		s.logger.Error("strategy read failed", zap.String("id", strategyID), zap.Error(err))
		return serverError("Could not load strategy")
	}
	strategy, err := store.DecodeStrategy(doc)
	if err != nil {
		return notFoundError("Strategy not found")
	}
	if !strategy.Pending() {
		return conflictError("Strategy has already been reviewed")
	}

	reviewer := util.EmailLocalPart(sess.Profile.Email)
	now := s.clock.Now()
	var fields map[string]any
	var optimistic map[string]any
	if input.Action == "approve" {
		fields = map[string]any{
			"approved":    true,
			"archived":    false,
			"highlighted": input.Highlighted,
			"reviewedBy":  reviewer,
			"reviewedAt":  docstore.ServerTimestamp,
		}
		optimistic = cloneWith(fields, map[string]any{"reviewedAt": now})
	} else {
		fields = map[string]any{
			"archived":   true,
			"approved":   false,
			"archivedBy": reviewer,
			"archivedAt": docstore.ServerTimestamp,
		}
		optimistic = cloneWith(fields, map[string]any{"archivedAt": now})
	}

	opID := util.NewID("op")
	sess.Live.ApplyPatch(projection.Patch{
		OpID:   opID,
		Source: projection.SourceStrategies,
		DocID:  strategyID,
		Fields: optimistic,
	})

	if err := s.store.Update(ctx, store.CollectionStrategies, strategyID, fields); err != nil {
		sess.Live.RevertPatch(opID)
		s.logger.Error("strategy review failed", zap.String("id", strategyID), zap.Error(err))
		return serverError("Could not review strategy")
	}
	return nil
}

type ScheduleInput struct {
	ScheduleID string                    `json:"scheduleId"`
	Date       string                    `json:"date"`
	Days       map[string]store.DayEntry `json:"days"`
}

// UpsertSchedule writes a full weekly roster. The date normalizes to its
// containing Sunday-Saturday week; creating a second schedule for a week
// that already has one conflicts, editing an existing one by id does not.
func (s *Service) UpsertSchedule(ctx context.Context, sess *session.Session, input ScheduleInput) (string, error) {
	if !rbac.Can(sess.Role, rbac.ActionManageSchedule) {
		return "", forbiddenError()
	}

	dates, err := week.ContainingDate(input.Date)
	if err != nil {
		return "", validationError("A valid week date is required", map[string]any{"date": input.Date})
	}
	if !dates.Complete() {
		return "", validationError("Week dates are incomplete", nil)
	}

	days := make(map[string]any, len(week.OrderedDays))
	for _, name := range week.OrderedDays {
		entry := input.Days[name]
		days[name] = map[string]any{
			"name":  entry.Name,
			"phone": entry.Phone,
			"hours": entry.Hours,
		}
	}

	actor := util.EmailLocalPart(sess.Profile.Email)
	batch := s.store.Batch()
	scheduleID := input.ScheduleID
	if scheduleID == "" {
		existing, err := s.store.GetAll(ctx, store.CollectionSchedules, docstore.Query{})
		if err != nil {
			s.logger.Error("schedule scan failed", zap.Error(err))
			return "", serverError("Could not save schedule")
		}
		for _, doc := range existing {
			schedule, err := store.DecodeOnCallSchedule(doc)
			if err != nil {
				continue
			}
			if schedule.WeekDates.StartDate == dates.StartDate {
				return "", conflictError("A schedule for this week already exists")
			}
		}
		scheduleID = docstore.NewDocumentID()
		batch.Set(store.CollectionSchedules, scheduleID, map[string]any{
			"weekDates": map[string]any{"startDate": dates.StartDate, "endDate": dates.EndDate},
			"days":      days,
			"createdBy": actor,
			"updatedBy": actor,
			"createdAt": docstore.ServerTimestamp,
			"updatedAt": docstore.ServerTimestamp,
		})
	} else {
		batch.Update(store.CollectionSchedules, scheduleID, map[string]any{
			"weekDates": map[string]any{"startDate": dates.StartDate, "endDate": dates.EndDate},
			"days":      days,
			"updatedBy": actor,
			"updatedAt": docstore.ServerTimestamp,
		})
	}
	if err := batch.Commit(ctx); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", notFoundError("Schedule not found")
		}
		s.logger.Error("schedule write failed", zap.String("id", scheduleID), zap.Error(err))
		return "", serverError("Could not save schedule")
	}

	sess.Live.SelectSchedule(scheduleID)
	return scheduleID, nil
}

// DeleteSchedule removes a roster. The confirm flag guards against
// accidental deletes; afterwards the view falls back to the current week.
func (s *Service) DeleteSchedule(ctx context.Context, sess *session.Session, scheduleID string, confirm bool) error {
	if !rbac.Can(sess.Role, rbac.ActionManageSchedule) {
		return forbiddenError()
	}
	if !confirm {
		return validationError("Deletion must be confirmed", nil)
	}

	if err := s.store.Delete(ctx, store.CollectionSchedules, scheduleID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return notFoundError("Schedule not found")
		}
		s.logger.Error("schedule delete failed", zap.String("id", scheduleID), zap.Error(err))
		return serverError("Could not delete schedule")
	}
	sess.Live.SelectSchedule("")
	return nil
}

type FocusInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Month       string `json:"month"`
}

// RotateMonthlyFocus deactivates every active focus and publishes one new
// active announcement in a single batch, so readers never observe zero or
// two active focuses from a rotation.
func (s *Service) RotateMonthlyFocus(ctx context.Context, sess *session.Session, input FocusInput) (string, error) {
	if !rbac.Can(sess.Role, rbac.ActionRotateFocus) {
		return "", forbiddenError()
	}
	if input.Title == "" || input.Description == "" {
		return "", validationError("Title and description are required", nil)
	}
	month := input.Month
	if month == "" {
		month = s.clock.Now().Format("2006-01")
	} else if _, err := time.Parse("2006-01", month); err != nil {
		return "", validationError("Month must be YYYY-MM", map[string]any{"month": input.Month})
	}

	active, err := s.store.GetAll(ctx, store.CollectionMonthlyFocus, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("active", "==", true)},
	})
	if err != nil {
		s.logger.Error("focus scan failed", zap.Error(err))
		return "", serverError("Could not rotate monthly focus")
	}

	focusID := docstore.NewDocumentID()
	batch := s.store.Batch()
	for _, doc := range active {
		batch.Update(store.CollectionMonthlyFocus, doc.ID, map[string]any{"active": false})
	}
	batch.Set(store.CollectionMonthlyFocus, focusID, map[string]any{
		"title":       input.Title,
		"description": input.Description,
		"month":       month,
		"active":      true,
		"createdBy":   util.EmailLocalPart(sess.Profile.Email),
		"createdAt":   docstore.ServerTimestamp,
	})
	if err := batch.Commit(ctx); err != nil {
		s.logger.Error("focus rotation failed", zap.Error(err))
		return "", serverError("Could not rotate monthly focus")
	}
	return focusID, nil
}

// cloneWith copies fields and applies overrides, leaving the original
// untouched for the store write.
func cloneWith(fields map[string]any, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
