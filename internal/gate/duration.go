package gate

import (
	"fmt"
	"time"
)

// FormatVisitDuration renders the time between entry and exit as whole hours
// and minutes, flooring to the minute. A visit under one minute renders as
// "Less than a minute" rather than "0 minutes".
func FormatVisitDuration(enteredAt, exitedAt time.Time) string {
	minutes := int(exitedAt.Sub(enteredAt).Minutes())
	if minutes < 1 {
		return "Less than a minute"
	}

	hours := minutes / 60
	minutes = minutes % 60

	if hours == 0 {
		return fmt.Sprintf("%d %s", minutes, pluralize(minutes, "minute"))
	}
	return fmt.Sprintf("%d %s %d %s",
		hours, pluralize(hours, "hour"),
		minutes, pluralize(minutes, "minute"))
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}
