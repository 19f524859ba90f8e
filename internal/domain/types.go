package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusPublished EntryStatus = "published"
	StatusPartial   EntryStatus = "partial"
	StatusFailed    EntryStatus = "failed"
	StatusCancelled EntryStatus = "cancelled"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Well-known platform names.
const (
	PlatformTwitter   = "twitter"
	PlatformInstagram = "instagram"
	PlatformFacebook  = "facebook"
	PlatformLinkedIn  = "linkedin"
	PlatformYouTube   = "youtube"
	PlatformTikTok    = "tiktok"
	PlatformPinterest = "pinterest"
	PlatformReddit    = "reddit"
	PlatformTelegram  = "telegram"
)

// KnownPlatforms is the sweep set for periodic anomaly detection.
var KnownPlatforms = []string{
	PlatformTwitter, PlatformInstagram, PlatformFacebook, PlatformLinkedIn,
	PlatformYouTube, PlatformTikTok, PlatformPinterest, PlatformReddit, PlatformTelegram,
}

// NormalizePlatform lowercases and trims a platform name.
func NormalizePlatform(p string) string { return strings.ToLower(strings.TrimSpace(p)) }

// Content is the generic payload handed to publishers after per-platform formatting.
type Content struct {
	Text        string   `json:"text,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
	Subreddit   string   `json:"subreddit,omitempty"`
}

// QueueEntry is one piece of content awaiting distribution.
type QueueEntry struct {
	ID        string
	ContentID string
	UserID    string

	Status EntryStatus

	PriorityScore float64
	// InitialPriority is the score assigned at creation; decay is computed from it.
	InitialPriority float64
	DecayRate       float64

	Platforms          PlatformSchedule
	OptimalPublishTime time.Time

	RequiresApproval bool
	ApprovedBy       string
	ApprovedAt       *time.Time

	ContentType string
	Content     Content

	RetryCount int
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Approved reports whether the entry may be dispatched.
func (e *QueueEntry) Approved() bool {
	return !e.RequiresApproval || e.ApprovedAt != nil
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Platforms = e.Platforms.Clone()
	cp.Content.MediaURLs = append([]string(nil), e.Content.MediaURLs...)
	cp.Content.Hashtags = append([]string(nil), e.Content.Hashtags...)
	if e.ApprovedAt != nil {
		t := *e.ApprovedAt
		cp.ApprovedAt = &t
	}
	return &cp
}

// AudiencePattern is one historical engagement observation for a time slot.
type AudiencePattern struct {
	UserID          string
	Platform        string
	TimeSlot        time.Time
	EngagementRate  float64
	Reach           int64
	Interactions    int64
	AudienceSegment string
}

// PerformanceRecord is one aggregated metrics sample for published content.
type PerformanceRecord struct {
	ID              string
	UserID          string
	ContentID       string
	QueueID         string
	Platform        string
	EngagementScore float64
	Reach           int64
	Clicks          int64
	Shares          int64
	RecordedAt      time.Time
}

// DistributionLog is an append-only audit row, one per publish attempt.
type DistributionLog struct {
	ID        string
	QueueID   string
	ContentID string
	UserID    string
	Platform  string
	Action    string
	Result    map[string]any
	Timestamp time.Time
}

// AlgorithmChange is a persisted anomaly finding.
type AlgorithmChange struct {
	ID          string
	Platform    string
	DetectedAt  time.Time
	ChangeType  string
	ImpactScore float64
	Description string
	Confirmed   bool
	ConfirmedBy string
}

// EvergreenRecord tracks re-publication of high performing content.
type EvergreenRecord struct {
	ContentID          string
	UserID             string
	EvergreenScore     float64
	LastPublished      *time.Time
	RepublishInterval  time.Duration
	NextPublishDate    time.Time
	Active             bool
	Platforms          []string
	PerformanceHistory map[string]any
}

// PlatformConfig is a user's credential for one platform.
type PlatformConfig struct {
	UserID      string
	Platform    string
	AccessToken string
	Account     string
	IsActive    bool
	ConnectedAt time.Time
}

// Clock returns the current instant. A nil Clock means time.Now in UTC.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// NewID returns a random UUID string.
func NewID() string { return uuid.NewString() }

// ValidID reports whether id parses as a UUID.
func ValidID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}
