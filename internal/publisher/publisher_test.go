package publisher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

type fakePublisher struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context) (Post, error)
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(ctx context.Context, _ Credential, _ Payload) (Post, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

func (f *fakePublisher) VerifyPost(context.Context, Credential, string) (bool, error) {
	return true, nil
}

func TestFormat(t *testing.T) {
	long := strings.Repeat("é", 5000)

	tw := Format("Twitter", domain.Content{Text: long})
	assert.Equal(t, 280, len([]rune(tw.Text)))

	rd := Format("reddit", domain.Content{Text: long})
	assert.Equal(t, 300, len([]rune(rd.Title)))
	assert.Equal(t, long, rd.Text)
	assert.Equal(t, "test", rd.Subreddit)

	rd = Format("reddit", domain.Content{Title: "T", Text: "body", Subreddit: "golang"})
	assert.Equal(t, "T", rd.Title)
	assert.Equal(t, "golang", rd.Subreddit)

	li := Format("linkedin", domain.Content{Text: long, MediaURLs: []string{"a", "b"}})
	assert.Equal(t, 3000, len([]rune(li.Text)))
	assert.Equal(t, []string{"a"}, li.MediaURLs)

	yt := Format("youtube", domain.Content{Title: long, Description: long + long, MediaURLs: []string{"v.mp4"}})
	assert.Equal(t, 100, len([]rune(yt.Title)))
	assert.Equal(t, 5000, len([]rune(yt.Description)))
	assert.Equal(t, "v.mp4", yt.VideoURL)

	tg := Format("telegram", domain.Content{Text: long + long})
	assert.Equal(t, 4096, len([]rune(tg.Text)))

	other := Format("mastodon", domain.Content{Text: long, Hashtags: []string{"go"}})
	assert.Equal(t, long, other.Text)
	assert.Equal(t, []string{"go"}, other.Hashtags)
}

func TestRegistry(t *testing.T) {
	a := &fakePublisher{name: "Twitter"}
	r, err := NewRegistry(a, &fakePublisher{name: "reddit"})
	require.NoError(t, err)

	got, ok := r.Get(" twitter ")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("tiktok")
	assert.False(t, ok)

	err = r.Register(&fakePublisher{name: "twitter"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, []string{"reddit", "twitter"}, r.Names())

	var nilReg *Registry
	_, ok = nilReg.Get("twitter")
	assert.False(t, ok)
}

func fastGateway(cfg GatewayConfig, obs Observer) *Gateway {
	cfg.RatePerSecond = 1000
	cfg.Burst = 100
	return NewGateway(cfg, logx.Nop(), obs)
}

func TestGatewayWrapsErrors(t *testing.T) {
	var observed error
	g := fastGateway(GatewayConfig{}, Observer{Published: func(_ string, _ time.Duration, err error) { observed = err }})
	boom := errors.New("boom")
	pub := &fakePublisher{name: "twitter", fn: func(context.Context) (Post, error) { return Post{}, boom }}

	_, err := g.Publish(context.Background(), pub, Credential{}, Payload{})
	require.Error(t, err)
	var pe *domain.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "twitter", pe.Platform)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.CodePublish, domain.Code(err))
	assert.ErrorIs(t, observed, boom)
}

func TestGatewayBreakerOpens(t *testing.T) {
	var transitions []string
	g := fastGateway(GatewayConfig{FailureThreshold: 2, FailureWindow: 2, OpenDelay: time.Hour},
		Observer{BreakerState: func(_, from, to string) { transitions = append(transitions, from+">"+to) }})
	pub := &fakePublisher{name: "reddit", fn: func(context.Context) (Post, error) { return Post{}, errors.New("down") }}

	for i := 0; i < 2; i++ {
		_, err := g.Publish(context.Background(), pub, Credential{}, Payload{})
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.BreakerState("reddit"))

	_, err := g.Publish(context.Background(), pub, Credential{}, Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.EqualValues(t, 2, pub.calls.Load())
	assert.Equal(t, []string{"closed>open"}, transitions)
	assert.Equal(t, "closed", g.BreakerState("twitter"))
}

func TestGatewayTimeout(t *testing.T) {
	g := fastGateway(GatewayConfig{Timeout: 20 * time.Millisecond}, Observer{})
	pub := &fakePublisher{name: "youtube", fn: func(ctx context.Context) (Post, error) {
		<-ctx.Done()
		return Post{}, ctx.Err()
	}}
	_, err := g.Publish(context.Background(), pub, Credential{}, Payload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatewaySuccess(t *testing.T) {
	g := fastGateway(GatewayConfig{}, Observer{})
	pub := &fakePublisher{name: "twitter", fn: func(context.Context) (Post, error) { return Post{ID: "1", URL: "u"}, nil }}
	post, err := g.Publish(context.Background(), pub, Credential{}, Payload{})
	require.NoError(t, err)
	assert.Equal(t, Post{ID: "1", URL: "u"}, post)

	ok, err := g.Verify(context.Background(), pub, Credential{}, "1")
	require.NoError(t, err)
	assert.True(t, ok)
}
