package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTransitionsMoveForward(t *testing.T) {
	s := PlatformSchedule{"twitter": {Status: SlotPending}}

	require.NoError(t, s.Set("twitter", PlatformSlot{Status: SlotSuccess, PostID: "1"}))
	err := s.Set("twitter", PlatformSlot{Status: SlotPending})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, SlotSuccess, s["twitter"].Status)

	s["reddit"] = PlatformSlot{Status: SlotSkipped}
	assert.Error(t, s.Set("reddit", PlatformSlot{Status: SlotFailed}))

	s["linkedin"] = PlatformSlot{Status: SlotFailed, Error: "boom"}
	assert.Equal(t, 1, s.ResetFailed())
	assert.Equal(t, SlotPending, s["linkedin"].Status)
	assert.Empty(t, s["linkedin"].Error)
}

func TestPendingOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := PlatformSchedule{
		"youtube":  {Status: SlotPending, ScheduledTime: base.Add(time.Hour)},
		"twitter":  {Status: SlotPending, ScheduledTime: base},
		"facebook": {Status: SlotPending, ScheduledTime: base},
		"reddit":   {Status: SlotSuccess, ScheduledTime: base.Add(-time.Hour)},
	}
	assert.Equal(t, []string{"facebook", "twitter", "youtube"}, s.Pending())
	assert.Equal(t, base.Add(-time.Hour), s.Earliest())
	assert.Equal(t, base, s.NextPending())
	assert.True(t, PlatformSchedule{"reddit": s["reddit"]}.NextPending().IsZero())
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, StatusPublished, Aggregate(2, 2))
	assert.Equal(t, StatusPartial, Aggregate(1, 2))
	assert.Equal(t, StatusFailed, Aggregate(0, 2))
	assert.Equal(t, StatusFailed, Aggregate(0, 0))
}

func TestErrorCodes(t *testing.T) {
	nf := fmt.Errorf("load: %w", NotFound("queue entry", "x"))
	assert.True(t, IsNotFound(nf))
	assert.Equal(t, CodeNotFound, Code(nf))

	assert.Equal(t, CodeValidation, Code(Invalid("platforms", "empty")))
	pe := &PublishError{Platform: "twitter", Err: errors.New("rate limited")}
	assert.Equal(t, CodePublish, Code(pe))
	assert.Contains(t, pe.Error(), "rate limited")
	assert.Equal(t, CodeInternal, Code(errors.New("x")))
	assert.Equal(t, "", Code(nil))

	assert.True(t, IsFallback(&InsufficientDataError{Have: 1, Need: 50}))
	assert.True(t, IsFallback(&ModelFailure{Err: errors.New("nan")}))
	assert.False(t, IsFallback(nf))
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := &QueueEntry{Platforms: PlatformSchedule{"twitter": {Status: SlotPending}}, Content: Content{MediaURLs: []string{"a"}}}
	cp := e.Clone()
	cp.Platforms["twitter"] = PlatformSlot{Status: SlotFailed}
	cp.Content.MediaURLs[0] = "b"
	assert.Equal(t, SlotPending, e.Platforms["twitter"].Status)
	assert.Equal(t, "a", e.Content.MediaURLs[0])
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(NewID()))
	assert.False(t, ValidID("nope"))
}

func TestValidateReportsField(t *testing.T) {
	type req struct {
		Platforms []string `validate:"required,min=1,unique"`
		Priority  *float64 `validate:"omitempty,gte=0,lte=1"`
	}
	err := Validate(req{})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "platforms", ve.Field)

	bad := 1.5
	err = Validate(req{Platforms: []string{"twitter"}, Priority: &bad})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "priority", ve.Field)
	assert.Contains(t, ve.Reason, "lte=1")

	assert.Error(t, Validate(req{Platforms: []string{"a", "a"}}))
	assert.NoError(t, Validate(req{Platforms: []string{"a", "b"}}))
}
