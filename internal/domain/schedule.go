package domain

import (
	"fmt"
	"sort"
	"time"
)

type SlotStatus string

const (
	SlotPending SlotStatus = "pending"
	SlotSuccess SlotStatus = "success"
	SlotFailed  SlotStatus = "failed"
	SlotSkipped SlotStatus = "skipped"
)

// PlatformSlot is the schedule and outcome of one platform within an entry.
type PlatformSlot struct {
	Status        SlotStatus `json:"status"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	IsDefaultTime bool       `json:"is_default_time"`
	PostID        string     `json:"post_id,omitempty"`
	PostURL       string     `json:"post_url,omitempty"`
	Error         string     `json:"error,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	AttemptedAt   *time.Time `json:"attempted_at,omitempty"`
}

// PlatformSchedule maps a platform name to its slot.
type PlatformSchedule map[string]PlatformSlot

// CanTransition reports whether a slot may move from one status to another.
// Slots only move forward; a failed slot may be reset to pending for a retry.
func CanTransition(from, to SlotStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case SlotPending:
		return to == SlotSuccess || to == SlotFailed || to == SlotSkipped
	case SlotFailed:
		return to == SlotPending
	}
	return false
}

// Set replaces the slot for platform, rejecting backward transitions.
func (s PlatformSchedule) Set(platform string, next PlatformSlot) error {
	cur, ok := s[platform]
	if ok && !CanTransition(cur.Status, next.Status) {
		return Invalid("platforms."+platform, fmt.Sprintf("cannot move slot from %s to %s", cur.Status, next.Status))
	}
	s[platform] = next
	return nil
}

// Clone returns an independent copy.
func (s PlatformSchedule) Clone() PlatformSchedule {
	if s == nil {
		return nil
	}
	out := make(PlatformSchedule, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Names returns platform names sorted alphabetically.
func (s PlatformSchedule) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Pending returns pending platforms ordered by scheduled time, then name.
func (s PlatformSchedule) Pending() []string {
	out := make([]string, 0, len(s))
	for k, v := range s {
		if v.Status == SlotPending {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := s[out[i]].ScheduledTime, s[out[j]].ScheduledTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i] < out[j]
	})
	return out
}

// Earliest returns the minimum scheduled time, or zero for an empty schedule.
func (s PlatformSchedule) Earliest() time.Time {
	var min time.Time
	for _, v := range s {
		if min.IsZero() || v.ScheduledTime.Before(min) {
			min = v.ScheduledTime
		}
	}
	return min
}

// NextPending returns the earliest scheduled time among pending slots, or
// zero when none is pending.
func (s PlatformSchedule) NextPending() time.Time {
	var next time.Time
	for _, v := range s {
		if v.Status == SlotPending && (next.IsZero() || v.ScheduledTime.Before(next)) {
			next = v.ScheduledTime
		}
	}
	return next
}

// ResetFailed moves failed slots back to pending and returns how many changed.
func (s PlatformSchedule) ResetFailed() int {
	n := 0
	for k, v := range s {
		if v.Status == SlotFailed {
			v.Status = SlotPending
			v.Error = ""
			s[k] = v
			n++
		}
	}
	return n
}

// Count returns how many slots have status st.
func (s PlatformSchedule) Count(st SlotStatus) int {
	n := 0
	for _, v := range s {
		if v.Status == st {
			n++
		}
	}
	return n
}

// Aggregate derives the entry status from the outcomes of one pass.
func Aggregate(succeeded, attempted int) EntryStatus {
	switch {
	case attempted > 0 && succeeded == attempted:
		return StatusPublished
	case succeeded > 0:
		return StatusPartial
	}
	return StatusFailed
}
