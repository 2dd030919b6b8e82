package gate

import (
	"fmt"
	"time"
)

// Clock supplies the current instant in the site's civil time zone. Every
// decision in this package reads time through a Clock; nothing reads wall
// time directly, which keeps expiry boundaries testable.
type Clock interface {
	Now() time.Time
}

type zoneClock struct {
	loc *time.Location
}

// NewClock returns a Clock pinned to the named IANA time zone (e.g. "Asia/Manila").
func NewClock(timezone string) (Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &zoneClock{loc: loc}, nil
}

func (c *zoneClock) Now() time.Time {
	return time.Now().In(c.loc)
}
