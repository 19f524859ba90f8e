package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

// TelegramConfig configures the Bot API channel publisher.
type TelegramConfig struct {
	APIURL         string        // empty means the public Bot API
	Timeout        time.Duration // HTTP client timeout; default 15s
	ParseMode      string        // "", "HTML", "MarkdownV2"
	DisablePreview bool
}

// Telegram posts to channels and groups. The credential's AccessToken is
// the bot token and Account is the chat: "@channel" or a numeric id.
type Telegram struct {
	cfg  TelegramConfig
	http *http.Client
	log  logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "publisher.telegram")),
		bots: map[string]*tele.Bot{},
	}
}

func (t *Telegram) Name() string { return domain.PlatformTelegram }

// chatRef addresses a chat by id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func (t *Telegram) Publish(ctx context.Context, cred Credential, p Payload) (Post, error) {
	chat := strings.TrimSpace(cred.Account)
	if chat == "" {
		return Post{}, publishErr(t.Name(), domain.Invalid("account", "telegram chat is empty"))
	}
	b, err := t.bot(cred.AccessToken)
	if err != nil {
		return Post{}, publishErr(t.Name(), err)
	}

	opt := &tele.SendOptions{ParseMode: t.cfg.ParseMode, DisableWebPagePreview: t.cfg.DisablePreview}
	var what any = p.Text
	if len(p.MediaURLs) > 0 {
		what = &tele.Photo{File: tele.FromURL(p.MediaURLs[0]), Caption: truncate(p.Text, telegramCaptionLimit)}
	} else if strings.TrimSpace(p.Text) == "" {
		return Post{}, publishErr(t.Name(), domain.Invalid("text", "telegram message is empty"))
	}

	msg, err := withContext(ctx, func() (*tele.Message, error) {
		return b.Send(chatRef(chat), what, opt)
	})
	if err != nil {
		return Post{}, publishErr(t.Name(), err)
	}
	if msg == nil {
		return Post{}, publishErr(t.Name(), errors.New("empty send response"))
	}
	username := ""
	if msg.Chat != nil {
		username = msg.Chat.Username
	}
	t.log.Debug("telegram message sent", logx.String("chat", chat), logx.Int("message_id", msg.ID))
	return Post{ID: strconv.Itoa(msg.ID), URL: messageURL(chat, username, msg.ID)}, nil
}

// VerifyPost checks the message with an empty reply-markup edit. Telegram
// answers "not found" for deleted messages and "not modified" for live ones.
func (t *Telegram) VerifyPost(ctx context.Context, cred Credential, postID string) (bool, error) {
	b, err := t.bot(cred.AccessToken)
	if err != nil {
		return false, err
	}
	params := map[string]string{
		"chat_id":    strings.TrimSpace(cred.Account),
		"message_id": postID,
	}
	_, err = withContext(ctx, func() ([]byte, error) {
		return b.Raw("editMessageReplyMarkup", params)
	})
	if err == nil {
		return true, nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not modified"):
		return true, nil
	case strings.Contains(msg, "not found"):
		return false, nil
	}
	return false, err
}

func (t *Telegram) bot(token string) (*tele.Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.Invalid("access_token", "telegram bot token is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	// Offline skips getMe; the bot is only used for outbound calls.
	b, err := tele.NewBot(tele.Settings{
		URL:     t.cfg.APIURL,
		Token:   token,
		Client:  t.http,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	t.bots[token] = b
	return b, nil
}

func messageURL(chat, username string, id int) string {
	if username == "" && strings.HasPrefix(chat, "@") {
		username = chat[1:]
	}
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, id)
	}
	if rest, ok := strings.CutPrefix(chat, "-100"); ok && rest != "" {
		return fmt.Sprintf("https://t.me/c/%s/%d", rest, id)
	}
	return ""
}

// withContext runs a blocking client call and stops waiting when ctx ends.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
