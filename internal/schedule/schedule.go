// Package schedule resolves the companion's current activity from the
// configured weekly timetable.
package schedule

import (
	"strings"
	"time"

	"github.com/fredamaraljr/whatsapp-agent/internal/config"
	"github.com/fredamaraljr/whatsapp-agent/internal/logging"
)

// Clock abstracts time.Now for tests.
type Clock func() time.Time

// Generator answers "what is the companion doing right now".
type Generator struct {
	entries []config.ScheduleEntry
	now     Clock
}

// NewGenerator builds a generator over the configured entries. A nil
// clock uses wall time.
func NewGenerator(entries []config.ScheduleEntry, now Clock) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{entries: entries, now: now}
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// CurrentActivity returns the activity for the current weekday and hour,
// or "" when no entry covers it. The first matching entry wins.
func (g *Generator) CurrentActivity() string {
	t := g.now()
	day := t.Weekday()
	hour := t.Hour()

	for _, e := range g.entries {
		if !coversDay(e.Days, day) {
			continue
		}
		if hour >= e.StartHour && hour < e.EndHour {
			logging.Get(logging.CategorySchedule).Debug("activity at %s: %s", t.Format("Mon 15:04"), e.Activity)
			return e.Activity
		}
	}
	return ""
}

func coversDay(days []string, day time.Weekday) bool {
	for _, d := range days {
		if wd, ok := dayNames[strings.ToLower(strings.TrimSpace(d))]; ok && wd == day {
			return true
		}
	}
	return false
}
