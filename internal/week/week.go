// Package week provides Sunday-to-Saturday calendar week helpers shared by
// the on-call schedule workflow and its projections.
package week

import (
	"fmt"
	"math"
	"time"
)

// OrderedDays is the fixed weekday ordering used for on-call schedule rosters.
var OrderedDays = []string{
	"Sunday",
	"Monday",
	"Tuesday",
	"Wednesday",
	"Thursday",
	"Friday",
	"Saturday",
}

const dateLayout = "2006-01-02"

// Dates identifies a calendar week by its Sunday and Saturday, both as
// ISO dates (YYYY-MM-DD). StartDate is the identity key for a schedule.
type Dates struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// Complete reports whether both endpoints are present.
func (d Dates) Complete() bool {
	return d.StartDate != "" && d.EndDate != ""
}

// Contains reports whether t falls inside the week, endpoints inclusive.
func (d Dates) Contains(t time.Time) bool {
	start, err := time.ParseInLocation(dateLayout, d.StartDate, t.Location())
	if err != nil {
		return false
	}
	end, err := time.ParseInLocation(dateLayout, d.EndDate, t.Location())
	if err != nil {
		return false
	}
	end = end.Add(24*time.Hour - time.Nanosecond)
	return !t.Before(start) && !t.After(end)
}

// Containing normalizes any instant to its surrounding Sunday-Saturday week.
func Containing(t time.Time) Dates {
	sunday := t.AddDate(0, 0, -int(t.Weekday()))
	saturday := sunday.AddDate(0, 0, 6)
	return Dates{
		StartDate: sunday.Format(dateLayout),
		EndDate:   saturday.Format(dateLayout),
	}
}

// ContainingDate normalizes an ISO date string to its surrounding week.
func ContainingDate(date string) (Dates, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return Dates{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return Containing(t), nil
}

// Day is one dated slot of a week, used when rendering roster forms.
type Day struct {
	Date          time.Time
	DayName       string
	FormattedDate string
}

// Days expands a week start date into its seven dated day slots. An empty or
// malformed start date yields no slots.
func Days(startDate string) []Day {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return nil
	}
	days := make([]Day, 0, 7)
	for i := 0; i < 7; i++ {
		d := start.AddDate(0, 0, i)
		days = append(days, Day{
			Date:          d,
			DayName:       d.Weekday().String(),
			FormattedDate: d.Format("2 Jan"),
		})
	}
	return days
}

// Number returns the 1-based week-of-year number for t, counting weeks from
// January 1st of t's year.
func Number(t time.Time) int {
	firstDay := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
	pastDays := t.Sub(firstDay).Hours() / 24
	return int(math.Ceil((pastDays + float64(firstDay.Weekday()) + 1) / 7))
}
