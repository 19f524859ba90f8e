package timing

import (
	"fmt"
	"time"
)

// PlatformDefault is a fixed posting time used when there is not enough history.
type PlatformDefault struct {
	Hour          int
	Minute        int
	AvoidWeekends bool
}

// Hours are UTC.
var platformDefaults = map[string]PlatformDefault{
	"twitter":   {Hour: 9},
	"instagram": {Hour: 11},
	"facebook":  {Hour: 13},
	"linkedin":  {Hour: 8, AvoidWeekends: true},
	"youtube":   {Hour: 14},
	"tiktok":    {Hour: 19},
	"pinterest": {Hour: 21},
}

var fallbackDefault = PlatformDefault{Hour: 10}

// DefaultFor returns the default posting time for platform.
func DefaultFor(platform string) PlatformDefault {
	if d, ok := platformDefaults[platform]; ok {
		return d
	}
	return fallbackDefault
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// nextDefault returns the next instant strictly after now at the platform's
// default time of day, skipping weekends when the platform avoids them.
func nextDefault(platform string, now time.Time) time.Time {
	d := DefaultFor(platform)
	now = now.UTC()
	c := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !c.After(now) {
		c = c.AddDate(0, 0, 1)
	}
	if d.AvoidWeekends {
		for isWeekend(c) {
			c = c.AddDate(0, 0, 1)
		}
	}
	return c
}

func defaultReasoning(platform string) string {
	return fmt.Sprintf("Industry default for %s - insufficient historical data", platform)
}
