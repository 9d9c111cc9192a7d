// Package timezone converts between naive local date/time labels and absolute
// UTC instants. All functions are pure; zone data comes from the embedded
// IANA database so resolution does not depend on the host.
package timezone

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/xaenox/karma-bot/internal/models"
)

const (
	DateLayout    = "2006-01-02"
	TimeLayout    = "15:04"
	DisplayLayout = "2006-01-02 15:04"
)

// Unit is the unit of an additive offset.
type Unit int

const (
	Minutes Unit = iota
	Hours
	Days
)

// LoadZone returns the location for an IANA zone name. An empty name is UTC.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if name == "Local" {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidZone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidZone, name)
	}
	return loc, nil
}

// ResolveLocal interprets dateLabel and timeLabel as wall time in zone and
// returns the UTC instant. Wall times skipped by a DST transition are
// rejected rather than shifted.
func ResolveLocal(dateLabel, timeLabel, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.Parse(DateLayout, dateLabel)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", models.ErrInvalidDateTime, dateLabel)
	}
	clock, err := time.Parse(TimeLayout, timeLabel)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q", models.ErrInvalidDateTime, timeLabel)
	}

	local := time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if local.Day() != d.Day() || local.Hour() != clock.Hour() || local.Minute() != clock.Minute() {
		return time.Time{}, fmt.Errorf("%w: %s %s does not exist in %s", models.ErrInvalidDateTime, dateLabel, timeLabel, loc)
	}
	return local.UTC(), nil
}

// Project renders instant as date and time labels in zone.
func Project(instant time.Time, zone string) (string, string, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return "", "", err
	}
	local := instant.In(loc)
	return local.Format(DateLayout), local.Format(TimeLayout), nil
}

// FormatLocal renders instant as "YYYY-MM-DD HH:MM" in zone, falling back to
// UTC when the zone is unknown.
func FormatLocal(instant time.Time, zone string) string {
	loc, err := LoadZone(zone)
	if err != nil {
		loc = time.UTC
	}
	return instant.In(loc).Format(DisplayLayout)
}

// AddOffset adds amount units to instant. Days are fixed 24h spans since
// instants are absolute.
func AddOffset(instant time.Time, amount int, unit Unit) time.Time {
	switch unit {
	case Hours:
		return instant.Add(time.Duration(amount) * time.Hour)
	case Days:
		return instant.Add(time.Duration(amount) * 24 * time.Hour)
	default:
		return instant.Add(time.Duration(amount) * time.Minute)
	}
}

// IsWithinWindow reports whether now falls in [target, target+tolerance).
// Polling is periodic, so a reminder fires on the first tick inside the
// window rather than on an exact match.
func IsWithinWindow(now, target time.Time, tolerance time.Duration) bool {
	return !now.Before(target) && now.Before(target.Add(tolerance))
}

// DateOptions returns the next days calendar dates, starting today in zone.
func DateOptions(now time.Time, zone string, days int) []string {
	loc, err := LoadZone(zone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	out := make([]string, 0, days)
	for i := 0; i < days; i++ {
		d := time.Date(local.Year(), local.Month(), local.Day()+i, 12, 0, 0, 0, loc)
		out = append(out, d.Format(DateLayout))
	}
	return out
}

// TimeOptions returns wall clock labels from start to end inclusive.
func TimeOptions(start, end string, step time.Duration) ([]string, error) {
	from, err := time.Parse(TimeLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q", models.ErrInvalidDateTime, start)
	}
	to, err := time.Parse(TimeLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q", models.ErrInvalidDateTime, end)
	}
	if step <= 0 {
		return nil, fmt.Errorf("non-positive step %s", step)
	}
	var out []string
	for t := from; !t.After(to); t = t.Add(step) {
		out = append(out, t.Format(TimeLayout))
	}
	return out, nil
}
