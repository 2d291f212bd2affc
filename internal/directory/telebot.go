package directory

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"joinguard/internal/analytics"
	logx "joinguard/pkg/logx"
)

// TelebotClient implements Client on top of one tenant's telebot instance.
//
// A proactive limiter smooths request bursts before Telegram starts answering
// 429; the mandated RetryAfter still reaches the caller when it does.
type TelebotClient struct {
	bot       *tele.Bot
	tenantBot int64
	sink      analytics.Sink
	lim       *rate.Limiter
	log       logx.Logger

	// @username lookups need a chat resolution round-trip; memoize it.
	chatMu    sync.Mutex
	chatByRef map[string]*tele.Chat
}

func NewTelebotClient(bot *tele.Bot, tenantBot int64, sink analytics.Sink, ratePerSec int, log logx.Logger) *TelebotClient {
	if sink == nil {
		sink = analytics.Nop{}
	}
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelebotClient{
		bot:       bot,
		tenantBot: tenantBot,
		sink:      sink,
		lim:       rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:       log,
		chatByRef: map[string]*tele.Chat{},
	}
}

func (c *TelebotClient) GetMembership(ctx context.Context, userID int64, channel string) (Status, error) {
	start := time.Now()
	st, err := c.getMembership(ctx, userID, channel)
	c.record("get_member", userID, 0, channel, start, err)
	return st, err
}

func (c *TelebotClient) getMembership(ctx context.Context, userID int64, channel string) (Status, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return StatusUnknown, err
	}
	chat, err := c.resolveChat(channel)
	if err != nil {
		return StatusUnknown, err
	}
	member, err := c.bot.ChatMemberOf(chat, &tele.User{ID: userID})
	if err != nil {
		return StatusUnknown, classify(err)
	}
	return Status(member.Role), nil
}

func (c *TelebotClient) Restrict(ctx context.Context, groupID, userID int64) error {
	start := time.Now()
	err := c.mutate(ctx, groupID, userID, tele.Rights{})
	c.record("restrict", userID, groupID, "", start, err)
	return err
}

func (c *TelebotClient) Unrestrict(ctx context.Context, groupID, userID int64) error {
	start := time.Now()
	// Telegram's restriction call is all-or-nothing per request, so unmute
	// grants a named permission set rather than a single flag. Admin-grade
	// rights are never granted here.
	err := c.mutate(ctx, groupID, userID, tele.Rights{
		CanSendMessages:   true,
		CanSendAudios:     true,
		CanSendDocuments:  true,
		CanSendPhotos:     true,
		CanSendVideos:     true,
		CanSendVideoNotes: true,
		CanSendVoiceNotes: true,
		CanSendPolls:      true,
		CanSendOther:      true,
		CanAddPreviews:    true,
	})
	c.record("unrestrict", userID, groupID, "", start, err)
	return err
}

func (c *TelebotClient) mutate(ctx context.Context, groupID, userID int64, rights tele.Rights) error {
	if err := c.lim.Wait(ctx); err != nil {
		return err
	}
	member := &tele.ChatMember{
		User:   &tele.User{ID: userID},
		Rights: rights,
	}
	if err := c.bot.Restrict(&tele.Chat{ID: groupID}, member); err != nil {
		return classify(err)
	}
	return nil
}

func (c *TelebotClient) resolveChat(ref string) (*tele.Chat, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return &tele.Chat{ID: id}, nil
	}

	c.chatMu.Lock()
	cached := c.chatByRef[ref]
	c.chatMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	chat, err := c.bot.ChatByUsername(ref)
	if err != nil {
		return nil, classify(err)
	}
	c.chatMu.Lock()
	c.chatByRef[ref] = chat
	c.chatMu.Unlock()
	return chat, nil
}

func (c *TelebotClient) record(method string, userID, groupID int64, channel string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = analytics.ResultError
	}
	c.sink.Record(analytics.Outcome{
		TenantBot: c.tenantBot,
		Kind:      analytics.KindAPICall,
		Method:    method,
		UserID:    userID,
		GroupID:   groupID,
		Channel:   channel,
		Result:    result,
		Latency:   time.Since(start),
		ErrorKind: ErrorKind(err),
	})
}

// classify maps telebot errors into the engine's taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	// telebot returns FloodError by value, so match the value type.
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return ErrInvalidCredential
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == 401 {
		return ErrInvalidCredential
	}
	return err
}
