package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

// WebhookConfig binds a platform name to an HTTP relay that performs the
// actual post. The relay receives the formatted payload as JSON and answers
// {"id": "...", "url": "..."}.
type WebhookConfig struct {
	Platform   string
	URL        string
	Timeout    time.Duration // default 10s
	MaxRetries int           // default 2
	BaseDelay  time.Duration // default 200ms
	MaxDelay   time.Duration // default 5s
}

type webhookRequest struct {
	Platform    string   `json:"platform"`
	Account     string   `json:"account,omitempty"`
	Text        string   `json:"text,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Subreddit   string   `json:"subreddit,omitempty"`
	VideoURL    string   `json:"video_url,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

type webhookResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StatusError is a non-2xx relay answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.StatusCode, e.Body)
}

// Webhook publishes through a relay with retries on transport errors, 5xx
// and 429.
type Webhook struct {
	cfg      WebhookConfig
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	log      logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	cfg.Platform = domain.NormalizePlatform(cfg.Platform)
	if cfg.Platform == "" {
		return nil, domain.Invalid("platform", "webhook platform is empty")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, domain.Invalid("url", err.Error())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		ReturnLastFailure().
		Build()
	return &Webhook{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		executor: failsafe.With(retry),
		log:      log.With(logx.String("comp", "publisher.webhook"), logx.String("platform", cfg.Platform)),
	}, nil
}

func (w *Webhook) Name() string { return w.cfg.Platform }

func (w *Webhook) Publish(ctx context.Context, cred Credential, p Payload) (Post, error) {
	body, err := json.Marshal(webhookRequest{
		Platform:    w.cfg.Platform,
		Account:     cred.Account,
		Text:        p.Text,
		Title:       p.Title,
		Description: p.Description,
		Subreddit:   p.Subreddit,
		VideoURL:    p.VideoURL,
		MediaURLs:   p.MediaURLs,
		Hashtags:    p.Hashtags,
	})
	if err != nil {
		return Post{}, publishErr(w.cfg.Platform, err)
	}
	resp, err := w.do(ctx, cred, http.MethodPost, w.cfg.URL, body)
	if err != nil {
		return Post{}, publishErr(w.cfg.Platform, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Post{}, publishErr(w.cfg.Platform, readStatusError(resp))
	}
	var out webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Post{}, publishErr(w.cfg.Platform, fmt.Errorf("decode relay response: %w", err))
	}
	if out.ID == "" {
		return Post{}, publishErr(w.cfg.Platform, fmt.Errorf("relay response has no post id"))
	}
	return Post{ID: out.ID, URL: out.URL}, nil
}

// VerifyPost issues GET <url>/<postID>: 2xx means live, 404 or 410 gone.
func (w *Webhook) VerifyPost(ctx context.Context, cred Credential, postID string) (bool, error) {
	target := strings.TrimRight(w.cfg.URL, "/") + "/" + url.PathEscape(postID)
	resp, err := w.do(ctx, cred, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return false, nil
	}
	return false, readStatusError(resp)
}

func (w *Webhook) do(ctx context.Context, cred Credential, method, target string, body []byte) (*http.Response, error) {
	return w.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if cred.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		}
		resp, err := w.client.Do(req)
		if shouldRetry(resp, err) && resp != nil && resp.Body != nil {
			// Retried responses are discarded; keep the last one readable.
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(data))
		}
		return resp, err
	})
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func readStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
