package publisher

import (
	"strings"

	"orbit/internal/domain"
)

// Payload is the platform-shaped form of domain.Content.
type Payload struct {
	Platform    string
	Text        string
	Title       string
	Description string
	Subreddit   string
	VideoURL    string
	MediaURLs   []string
	Hashtags    []string
}

const defaultSubreddit = "test"

// Character limits, counted in runes.
const (
	twitterTextLimit     = 280
	redditTitleLimit     = 300
	redditTextLimit      = 40000
	linkedinTextLimit    = 3000
	youtubeTitleLimit    = 100
	youtubeDescLimit     = 5000
	telegramTextLimit    = 4096
	telegramCaptionLimit = 1024
)

// Format shapes c for platform. Unknown platforms get the text unchanged.
func Format(platform string, c domain.Content) Payload {
	platform = domain.NormalizePlatform(platform)
	p := Payload{Platform: platform}
	switch platform {
	case domain.PlatformTwitter:
		p.Text = truncate(c.Text, twitterTextLimit)
	case domain.PlatformReddit:
		p.Title = c.Title
		if strings.TrimSpace(p.Title) == "" {
			p.Title = truncate(c.Text, redditTitleLimit)
		}
		p.Text = truncate(c.Text, redditTextLimit)
		p.Subreddit = c.Subreddit
		if p.Subreddit == "" {
			p.Subreddit = defaultSubreddit
		}
	case domain.PlatformLinkedIn:
		p.Text = truncate(c.Text, linkedinTextLimit)
		if len(c.MediaURLs) > 0 {
			p.MediaURLs = []string{c.MediaURLs[0]}
		}
	case domain.PlatformYouTube:
		p.Title = truncate(c.Title, youtubeTitleLimit)
		p.Description = truncate(c.Description, youtubeDescLimit)
		if len(c.MediaURLs) > 0 {
			p.VideoURL = c.MediaURLs[0]
		}
	case domain.PlatformTelegram:
		p.Text = truncate(c.Text, telegramTextLimit)
		p.MediaURLs = append([]string(nil), c.MediaURLs...)
	default:
		p.Text = c.Text
		p.MediaURLs = append([]string(nil), c.MediaURLs...)
		p.Hashtags = append([]string(nil), c.Hashtags...)
	}
	return p
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
