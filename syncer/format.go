package syncer

import (
	"fmt"
	"strings"
)

// CalendarTitle renders the summary pushed to the remote calendar and
// used in notifications.
func CalendarTitle(e CanonicalEvent) string {
	switch e.Kind {
	case KindWork:
		return "Work: " + e.Label
	case KindActivity:
		return "Activity: " + e.Label
	default:
		return e.Label
	}
}

// CalendarDescription renders the event body. HTML artifacts from the
// source description are cleaned up.
func CalendarDescription(e CanonicalEvent) string {
	var parts []string
	if e.Label != "" {
		parts = append(parts, e.Label)
	}
	if !e.AllDay {
		parts = append(parts, fmt.Sprintf("Time: %s-%s",
			e.StartTime.Format("15:04"), e.EndTime.Format("15:04")))
	}
	if e.Description != "" {
		parts = append(parts, cleanDescription(e.Description))
	}
	return strings.Join(parts, "\n")
}

func cleanDescription(s string) string {
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "&gt;", ">", "&lt;", "<", "&amp;", "&")
	return r.Replace(s)
}

var frenchDays = [...]string{"Dimanche", "Lundi", "Mardi", "Mercredi", "Jeudi", "Vendredi", "Samedi"}

var frenchMonths = [...]string{
	"Jan", "Fév", "Mars", "Avr", "Mai", "Juin",
	"Juil", "Août", "Sep", "Oct", "Nov", "Déc",
}

// FormatEventTime renders an event's date and time range in French,
// e.g. "Lundi 04 Nov 08:00-17:00", or just the date for all-day events.
func FormatEventTime(e CanonicalEvent) string {
	day := frenchDays[int(e.StartTime.Weekday())]
	month := frenchMonths[int(e.StartTime.Month())-1]
	date := fmt.Sprintf("%s %02d %s", day, e.StartTime.Day(), month)
	if e.AllDay {
		return date
	}
	return fmt.Sprintf("%s %s-%s", date, e.StartTime.Format("15:04"), e.EndTime.Format("15:04"))
}
