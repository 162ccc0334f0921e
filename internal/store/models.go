// Package store holds the typed records for every portal collection and the
// decoding step that turns untyped document field bags into them. Decoding
// fails explicitly on missing or malformed required fields instead of letting
// undefined values propagate into views.
package store

import (
	"fmt"
	"time"

	"tribe/api/internal/docstore"
	"tribe/api/internal/week"
)

// Collection names in the document store.
const (
	CollectionUsers           = "users"
	CollectionCheckIns        = "checkIns"
	CollectionSupportRequests = "supportRequests"
	CollectionDebriefs        = "debriefs"
	CollectionStrategies      = "strategies"
	CollectionSchedules       = "onCallSchedule"
	CollectionMonthlyFocus    = "monthlyFocus"
)

// Moods a check-in may carry.
var Moods = []string{"calm", "happy", "anxious", "sad", "angry", "overwhelmed", "numb"}

// EnergyLevels a check-in may carry.
var EnergyLevels = []string{"fully-charged", "good", "moderate", "low", "exhausted"}

// ContactPreferences for a support request.
var ContactPreferences = []string{"phone", "email", "in-person"}

// StrategyCategories is the shared coping-strategy catalog. "Other" resolves
// to a custom category at submission time.
var StrategyCategories = []string{
	"Behavioral Management",
	"Communication Techniques",
	"Crisis Intervention",
	"Emotional Support",
	"Daily Routines",
	"Educational Strategies",
	"Therapeutic Approaches",
	"Family Engagement",
	"Social Skills Development",
	"Self-Regulation",
	"Other",
}

// CategoryOther is the catch-all category; it resolves to a caller-supplied
// custom label when a strategy is filed.
const CategoryOther = "Other"

// ValidStrategyCategory reports whether category is in the catalog.
func ValidStrategyCategory(category string) bool { return contains(StrategyCategories, category) }

// ValidMood reports whether mood is one of the seven known moods.
func ValidMood(mood string) bool { return contains(Moods, mood) }

// ValidEnergyLevel reports whether level is a known energy level.
func ValidEnergyLevel(level string) bool { return contains(EnergyLevels, level) }

// ValidContactPreference reports whether pref is a known contact preference.
func ValidContactPreference(pref string) bool { return contains(ContactPreferences, pref) }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// UserProfile is an out-of-band provisioned identity record. Immutable from
// this system's perspective.
type UserProfile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// CheckIn is a staff member's mood/energy self-report. Never updated or
// deleted once written.
type CheckIn struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	UserEmail         string    `json:"userEmail"`
	Mood              string    `json:"mood"`
	MoodIntensity     int       `json:"moodIntensity"`
	EnergyLevel       string    `json:"energyLevel"`
	NeedsSupport      bool      `json:"needsSupport"`
	SupportNote       string    `json:"supportNote,omitempty"`
	ContactPreference string    `json:"contactPreference,omitempty"`
	Urgent            bool      `json:"urgent"`
	Timestamp         time.Time `json:"timestamp"`
	Handled           bool      `json:"handled"`
}

// SupportRequest is a flagged need for manager attention, carrying a copy of
// its originating check-in plus triage state.
type SupportRequest struct {
	ID                string    `json:"id"`
	CheckInID         string    `json:"checkInId"`
	UserID            string    `json:"userId"`
	UserEmail         string    `json:"userEmail"`
	Mood              string    `json:"mood"`
	MoodIntensity     int       `json:"moodIntensity"`
	EnergyLevel       string    `json:"energyLevel"`
	SupportNote       string    `json:"supportNote,omitempty"`
	ContactPreference string    `json:"contactPreference,omitempty"`
	Urgent            bool      `json:"urgent"`
	Status            string    `json:"status,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Handled           bool      `json:"handled"`
	HandledBy         string    `json:"handledBy,omitempty"`
	HandledAt         time.Time `json:"handledAt,omitempty"`
}

// Debrief is an end-of-shift summary, immutable once written.
type Debrief struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	UserEmail      string    `json:"userEmail"`
	Summary        string    `json:"summary"`
	WhatWorkedWell string    `json:"whatWorkedWell,omitempty"`
	ShareWithTeam  bool      `json:"shareWithTeam"`
	Category       string    `json:"category,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Strategy is a shared coping technique under manager review. pending
// (approved=false, archived=false) moves to exactly one of approved or
// archived; the two are mutually exclusive and terminal.
type Strategy struct {
	ID               string    `json:"id"`
	Content          string    `json:"content"`
	Category         string    `json:"category"`
	OriginalCategory string    `json:"originalCategory,omitempty"`
	DebriefID        string    `json:"debriefId"`
	UserID           string    `json:"userId"`
	UserEmail        string    `json:"userEmail"`
	Timestamp        time.Time `json:"timestamp"`
	Approved         bool      `json:"approved"`
	Archived         bool      `json:"archived"`
	Highlighted      bool      `json:"highlighted"`
	ReviewedBy       string    `json:"reviewedBy,omitempty"`
	ReviewedAt       time.Time `json:"reviewedAt,omitempty"`
	ArchivedBy       string    `json:"archivedBy,omitempty"`
	ArchivedAt       time.Time `json:"archivedAt,omitempty"`
}

// Pending reports whether the strategy is still awaiting review.
func (s Strategy) Pending() bool { return !s.Approved && !s.Archived }

// DayEntry is one day's on-call contact in a weekly roster.
type DayEntry struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Hours string `json:"hours"`
}

// OnCallSchedule is a per-calendar-week roster. WeekDates.StartDate is the
// identity key: at most one schedule may exist per distinct start date.
type OnCallSchedule struct {
	ID        string              `json:"id"`
	WeekDates week.Dates          `json:"weekDates"`
	Days      map[string]DayEntry `json:"days"`
	CreatedBy string              `json:"createdBy,omitempty"`
	UpdatedBy string              `json:"updatedBy,omitempty"`
	CreatedAt time.Time           `json:"createdAt,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt,omitempty"`
}

// EmptyWeekDays returns a roster with every ordered weekday blank.
func EmptyWeekDays() map[string]DayEntry {
	days := make(map[string]DayEntry, len(week.OrderedDays))
	for _, day := range week.OrderedDays {
		days[day] = DayEntry{}
	}
	return days
}

// MonthlyFocus is a manager announcement; at most one is active at a time.
type MonthlyFocus struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Month       string    `json:"month"`
	Active      bool      `json:"active"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

type decodeError struct {
	collection string
	id         string
	field      string
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode %s/%s: missing or malformed field %q", e.collection, e.id, e.field)
}

type fieldReader struct {
	doc        docstore.Document
	collection string
	err        error
}

func (r *fieldReader) fail(field string) {
	if r.err == nil {
		r.err = &decodeError{collection: r.collection, id: r.doc.ID, field: field}
	}
}

func (r *fieldReader) str(field string) string {
	v, ok := r.doc.StringField(field)
	if !ok {
		r.fail(field)
	}
	return v
}

func (r *fieldReader) optStr(field string) string {
	v, _ := r.doc.StringField(field)
	return v
}

func (r *fieldReader) boolean(field string) bool {
	v, ok := r.doc.BoolField(field)
	if !ok {
		r.fail(field)
	}
	return v
}

func (r *fieldReader) intval(field string) int {
	v, ok := r.doc.IntField(field)
	if !ok {
		// The original client stored intensities as strings.
		if s, sok := r.doc.StringField(field); sok {
			var parsed int
			if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
				return parsed
			}
		}
		r.fail(field)
	}
	return v
}

func (r *fieldReader) timestamp(field string) time.Time {
	v, ok := r.doc.TimeField(field)
	if !ok {
		r.fail(field)
	}
	return v
}

func (r *fieldReader) optTimestamp(field string) time.Time {
	v, _ := r.doc.TimeField(field)
	return v
}

// DecodeUserProfile decodes a users document.
func DecodeUserProfile(doc docstore.Document) (UserProfile, error) {
	r := &fieldReader{doc: doc, collection: CollectionUsers}
	profile := UserProfile{
		ID:    doc.ID,
		Email: r.str("email"),
		Role:  r.str("role"),
	}
	return profile, r.err
}

// DecodeCheckIn decodes a checkIns document.
func DecodeCheckIn(doc docstore.Document) (CheckIn, error) {
	r := &fieldReader{doc: doc, collection: CollectionCheckIns}
	checkIn := CheckIn{
		ID:                doc.ID,
		UserID:            r.str("userId"),
		UserEmail:         r.str("userEmail"),
		Mood:              r.str("mood"),
		MoodIntensity:     r.intval("moodIntensity"),
		EnergyLevel:       r.str("energyLevel"),
		NeedsSupport:      r.boolean("needsSupport"),
		SupportNote:       r.optStr("supportNote"),
		ContactPreference: r.optStr("contactPreference"),
		Urgent:            r.boolean("urgent"),
		Timestamp:         r.timestamp("timestamp"),
		Handled:           r.boolean("handled"),
	}
	return checkIn, r.err
}

// DecodeSupportRequest decodes a supportRequests document.
func DecodeSupportRequest(doc docstore.Document) (SupportRequest, error) {
	r := &fieldReader{doc: doc, collection: CollectionSupportRequests}
	request := SupportRequest{
		ID:                doc.ID,
		CheckInID:         r.str("checkInId"),
		UserID:            r.str("userId"),
		UserEmail:         r.str("userEmail"),
		Mood:              r.str("mood"),
		MoodIntensity:     r.intval("moodIntensity"),
		EnergyLevel:       r.str("energyLevel"),
		SupportNote:       r.optStr("supportNote"),
		ContactPreference: r.optStr("contactPreference"),
		Urgent:            r.boolean("urgent"),
		Status:            r.optStr("status"),
		Timestamp:         r.timestamp("timestamp"),
		Handled:           r.boolean("handled"),
		HandledBy:         r.optStr("handledBy"),
		HandledAt:         r.optTimestamp("handledAt"),
	}
	return request, r.err
}

// DecodeDebrief decodes a debriefs document.
func DecodeDebrief(doc docstore.Document) (Debrief, error) {
	r := &fieldReader{doc: doc, collection: CollectionDebriefs}
	debrief := Debrief{
		ID:             doc.ID,
		UserID:         r.str("userId"),
		UserEmail:      r.str("userEmail"),
		Summary:        r.str("summary"),
		WhatWorkedWell: r.optStr("whatWorkedWell"),
		ShareWithTeam:  r.boolean("shareWithTeam"),
		Category:       r.optStr("category"),
		Timestamp:      r.timestamp("timestamp"),
	}
	return debrief, r.err
}

// DecodeStrategy decodes a strategies document and enforces the
// approved/archived exclusivity invariant at the boundary.
func DecodeStrategy(doc docstore.Document) (Strategy, error) {
	r := &fieldReader{doc: doc, collection: CollectionStrategies}
	strategy := Strategy{
		ID:               doc.ID,
		Content:          r.str("content"),
		Category:         r.str("category"),
		OriginalCategory: r.optStr("originalCategory"),
		DebriefID:        r.str("debriefId"),
		UserID:           r.str("userId"),
		UserEmail:        r.str("userEmail"),
		Timestamp:        r.timestamp("timestamp"),
		Approved:         r.boolean("approved"),
		Archived:         r.boolean("archived"),
		Highlighted:      r.boolean("highlighted"),
		ReviewedBy:       r.optStr("reviewedBy"),
		ReviewedAt:       r.optTimestamp("reviewedAt"),
		ArchivedBy:       r.optStr("archivedBy"),
		ArchivedAt:       r.optTimestamp("archivedAt"),
	}
	if r.err != nil {
		return strategy, r.err
	}
	if strategy.Approved && strategy.Archived {
		return strategy, fmt.Errorf("decode %s/%s: approved and archived are mutually exclusive", CollectionStrategies, doc.ID)
	}
	return strategy, nil
}

// DecodeOnCallSchedule decodes an onCallSchedule document. A schedule with a
// missing or malformed weekDates.startDate is rejected; the projection layer
// filters such documents out rather than surfacing them.
func DecodeOnCallSchedule(doc docstore.Document) (OnCallSchedule, error) {
	weekDates, ok := doc.MapField("weekDates")
	if !ok {
		return OnCallSchedule{}, &decodeError{collection: CollectionSchedules, id: doc.ID, field: "weekDates"}
	}
	startDate, _ := weekDates["startDate"].(string)
	endDate, _ := weekDates["endDate"].(string)
	if startDate == "" {
		return OnCallSchedule{}, &decodeError{collection: CollectionSchedules, id: doc.ID, field: "weekDates.startDate"}
	}

	schedule := OnCallSchedule{
		ID:        doc.ID,
		WeekDates: week.Dates{StartDate: startDate, EndDate: endDate},
		Days:      EmptyWeekDays(),
	}
	if rawDays, ok := doc.MapField("days"); ok {
		for _, day := range week.OrderedDays {
			entry, ok := rawDays[day].(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			phone, _ := entry["phone"].(string)
			hours, _ := entry["hours"].(string)
			schedule.Days[day] = DayEntry{Name: name, Phone: phone, Hours: hours}
		}
	}
	schedule.CreatedBy, _ = doc.StringField("createdBy")
	schedule.UpdatedBy, _ = doc.StringField("updatedBy")
	schedule.CreatedAt, _ = doc.TimeField("createdAt")
	schedule.UpdatedAt, _ = doc.TimeField("updatedAt")
	return schedule, nil
}

// DecodeMonthlyFocus decodes a monthlyFocus document.
func DecodeMonthlyFocus(doc docstore.Document) (MonthlyFocus, error) {
	r := &fieldReader{doc: doc, collection: CollectionMonthlyFocus}
	focus := MonthlyFocus{
		ID:          doc.ID,
		Title:       r.str("title"),
		Description: r.str("description"),
		Month:       r.str("month"),
		Active:      r.boolean("active"),
		CreatedBy:   r.optStr("createdBy"),
		CreatedAt:   r.optTimestamp("createdAt"),
	}
	return focus, r.err
}
