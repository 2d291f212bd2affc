// Package telegram hosts one long-polling bot per tenant and wires the
// verification, enforcement and leave-handling engine into its handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"joinguard/internal/analytics"
	"joinguard/internal/directory"
	"joinguard/internal/enforce"
	"joinguard/internal/leave"
	"joinguard/internal/membership"
	"joinguard/internal/verify"
	logx "joinguard/pkg/logx"
)

// PolicySource is the store slice the worker reads: which channels a group
// requires, and which groups require a channel.
type PolicySource interface {
	RequiredChannels(ctx context.Context, groupID int64) ([]verify.RequiredChannel, error)
	GroupsRequiringChannel(ctx context.Context, channel string) ([]int64, error)
}

// Config carries per-tenant settings. Token is the opened credential; it is
// handed to telebot and never logged.
type Config struct {
	TenantBot     int64
	Token         string
	PollTimeout   time.Duration // default 10s
	APIRatePerSec int
	Enforcement   enforce.Config
	Verify        []verify.Option
}

// Worker is one tenant bot. Run blocks until the context is canceled or the
// credential turns out to be invalid.
type Worker struct {
	cfg      Config
	cache    membership.Cache
	sink     analytics.Sink
	policies PolicySource
	log      logx.Logger

	bot      *tele.Bot
	verifier *verify.Coordinator
	actuator *enforce.Actuator
	leaves   *leave.Processor

	fatal atomic.Value // stores error
}

func NewWorker(cfg Config, cache membership.Cache, sink analytics.Sink, policies PolicySource, log logx.Logger) (*Worker, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: empty token")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = analytics.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		cfg:      cfg,
		cache:    cache,
		sink:     sink,
		policies: policies,
		log:      log.With(logx.Int64("bot_id", cfg.TenantBot)),
	}, nil
}

// Run builds the bot, registers handlers and polls until ctx is canceled.
//
// The bot is constructed here rather than in NewWorker so a revoked token
// surfaces as directory.ErrInvalidCredential from Run, where the fleet
// manager deactivates the tenant.
func (w *Worker) Run(ctx context.Context) error {
	b, err := tele.NewBot(tele.Settings{
		Token:  w.cfg.Token,
		Poller: &tele.LongPoller{Timeout: w.cfg.PollTimeout},
	})
	if err != nil {
		return classifyStartup(err)
	}
	w.bot = b

	dir := directory.NewTelebotClient(b, w.cfg.TenantBot, w.sink, w.cfg.APIRatePerSec, w.log)
	w.verifier = verify.New(w.cache, dir, w.sink, w.log, w.cfg.Verify...)
	w.actuator = enforce.New(w.cfg.Enforcement, dir, w.log)
	w.leaves = leave.NewProcessor(w.cache, w.policies, w.actuator, w, w.log)

	w.registerHandlers(ctx)

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		<-ctx.Done()
		b.Stop()
	}()

	w.log.Info("polling started")
	b.Start()
	w.log.Info("polling stopped")

	// b.Stop() is asynchronous; give the stopper a moment before returning.
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
	}

	if err, _ := w.fatal.Load().(error); err != nil {
		return err
	}
	return ctx.Err()
}

// reverifyBtn is the "I joined" affordance attached to mute warnings. The
// presser re-verifies themself, so no payload is needed.
var reverifyBtn = tele.Btn{Unique: "jg_reverify", Text: "I joined, re-check"}

func (w *Worker) registerHandlers(ctx context.Context) {
	w.bot.Handle(tele.OnText, func(c tele.Context) error {
		return w.onMessage(ctx, c)
	})
	w.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		return w.onUserJoined(ctx, c)
	})
	w.bot.Handle(&reverifyBtn, func(c tele.Context) error {
		return w.onReverify(ctx, c)
	})
	w.bot.Handle(tele.OnChatMember, func(c tele.Context) error {
		return w.onChatMember(ctx, c)
	})
}

func (w *Worker) onMessage(ctx context.Context, c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Sender.IsBot || !isGroup(m.Chat) {
		return nil
	}
	missing, err := w.missingChannels(ctx, m.Chat.ID, m.Sender.ID)
	if err != nil {
		w.log.Warn("policy lookup failed", logx.Int64("group_id", m.Chat.ID), logx.Err(err))
		return nil
	}
	if len(missing) == 0 {
		return nil
	}

	// Delete first so the non-compliant message never lingers; the mute is
	// what actually stops the next one.
	if derr := c.Delete(); derr != nil {
		w.log.Debug("message delete failed", logx.Int64("group_id", m.Chat.ID), logx.Err(derr))
	}
	w.enforceMute(ctx, m.Chat.ID, m.Sender, missing)
	return nil
}

func (w *Worker) onUserJoined(ctx context.Context, c tele.Context) error {
	m := c.Message()
	if m == nil || !isGroup(m.Chat) {
		return nil
	}
	joined := m.UsersJoined
	if len(joined) == 0 && m.UserJoined != nil {
		joined = []tele.User{*m.UserJoined}
	}
	for i := range joined {
		u := &joined[i]
		if u.IsBot {
			continue
		}
		missing, err := w.missingChannels(ctx, m.Chat.ID, u.ID)
		if err != nil {
			w.log.Warn("policy lookup failed", logx.Int64("group_id", m.Chat.ID), logx.Err(err))
			continue
		}
		if len(missing) == 0 {
			continue
		}
		w.enforceMute(ctx, m.Chat.ID, u, missing)
	}
	return nil
}

func (w *Worker) onReverify(ctx context.Context, c tele.Context) error {
	u := c.Sender()
	chat := c.Chat()
	if u == nil || chat == nil || !isGroup(chat) {
		return nil
	}
	missing, err := w.missingChannels(ctx, chat.ID, u.ID)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Verification is temporarily unavailable, try again shortly."})
	}
	if len(missing) > 0 {
		return c.Respond(&tele.CallbackResponse{
			Text:      fmt.Sprintf("Still missing %d required channel(s).", len(missing)),
			ShowAlert: true,
		})
	}

	res := w.actuator.Unmute(ctx, chat.ID, u.ID)
	w.noteFatal(res)
	if !res.OK {
		w.log.Warn("unmute failed",
			logx.Int64("group_id", chat.ID), logx.Int64("user_id", u.ID),
			logx.String("error_kind", res.ErrorKind), logx.Err(res.Err))
		return c.Respond(&tele.CallbackResponse{Text: "Verified, but restoring permissions failed. Try again."})
	}
	// Clean up the warning message once its job is done.
	if m := c.Message(); m != nil {
		if derr := c.Delete(); derr != nil {
			w.log.Debug("warning cleanup failed", logx.Err(derr))
		}
	}
	return c.Respond(&tele.CallbackResponse{Text: "Verified. You can speak now."})
}

// onChatMember receives membership updates for every chat the bot
// administers; only departures from required channels matter here.
func (w *Worker) onChatMember(ctx context.Context, c tele.Context) error {
	ev, ok := leaveEventFrom(w.cfg.TenantBot, c.ChatMember())
	if !ok {
		return nil
	}
	if err := w.leaves.Handle(ctx, ev); err != nil {
		w.log.Warn("leave handling failed", logx.String("channel", ev.Channel), logx.Err(err))
	}
	return nil
}

// leaveEventFrom maps a channel member update onto a departure event.
// Sender is Telegram's `from`, the performer of the change (an admin when the
// user was banned); the affected member is always NewChatMember.User.
func leaveEventFrom(tenantBot int64, cu *tele.ChatMemberUpdate) (leave.Event, bool) {
	if cu == nil || cu.Chat == nil || cu.Chat.Type != tele.ChatChannel {
		return leave.Event{}, false
	}
	if cu.OldChatMember == nil || cu.NewChatMember == nil || cu.NewChatMember.User == nil {
		return leave.Event{}, false
	}
	return leave.Event{
		TenantBot: tenantBot,
		Channel:   channelRef(cu.Chat),
		UserID:    cu.NewChatMember.User.ID,
		Old:       directory.Status(cu.OldChatMember.Role),
		New:       directory.Status(cu.NewChatMember.Role),
	}, true
}

// NotifyMuted posts the warning with join links and the re-verify button.
// Implements leave.Notifier; also used after message-triggered mutes.
func (w *Worker) NotifyMuted(ctx context.Context, groupID, userID int64, channel string) error {
	missing := []verify.RequiredChannel{{Ref: channel}}
	if chans, err := w.policies.RequiredChannels(ctx, groupID); err == nil {
		for _, rc := range chans {
			if strings.EqualFold(rc.Ref, channel) {
				missing = []verify.RequiredChannel{rc}
				break
			}
		}
	}
	return w.sendWarning(groupID, &tele.User{ID: userID}, missing)
}

func (w *Worker) missingChannels(ctx context.Context, groupID, userID int64) ([]verify.RequiredChannel, error) {
	required, err := w.policies.RequiredChannels(ctx, groupID)
	if err != nil {
		return nil, err
	}
	meta := verify.Meta{TenantBot: w.cfg.TenantBot, GroupID: groupID}
	return w.verifier.CheckAll(ctx, meta, userID, required), nil
}

func (w *Worker) enforceMute(ctx context.Context, groupID int64, u *tele.User, missing []verify.RequiredChannel) {
	res := w.actuator.Mute(ctx, groupID, u.ID)
	w.noteFatal(res)
	if !res.OK {
		w.log.Warn("mute failed",
			logx.Int64("group_id", groupID), logx.Int64("user_id", u.ID),
			logx.Int("attempts", res.Attempts),
			logx.String("error_kind", res.ErrorKind), logx.Err(res.Err))
		return
	}
	if err := w.sendWarning(groupID, u, missing); err != nil {
		w.log.Debug("warning send failed", logx.Int64("group_id", groupID), logx.Err(err))
	}
}

func (w *Worker) sendWarning(groupID int64, u *tele.User, missing []verify.RequiredChannel) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, you need to join the required channel(s) before speaking here:\n", mention(u))
	for _, ch := range missing {
		fmt.Fprintf(&sb, "• %s\n", channelLink(ch))
	}
	sb.WriteString("Then press the button below.")

	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(reverifyBtn))

	_, err := w.bot.Send(&tele.Chat{ID: groupID}, sb.String(), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ReplyMarkup:           markup,
	})
	return err
}

// noteFatal latches an invalid-credential outcome and stops the poller so
// Run can report it.
func (w *Worker) noteFatal(res enforce.Result) {
	if res.OK || res.ErrorKind != directory.KindInvalidCredential {
		return
	}
	if w.fatal.CompareAndSwap(nil, error(fmt.Errorf("enforcement: %w", directory.ErrInvalidCredential))) {
		go w.bot.Stop()
	}
}

func isGroup(chat *tele.Chat) bool {
	return chat != nil && (chat.Type == tele.ChatGroup || chat.Type == tele.ChatSuperGroup)
}

func mention(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName)
	if name == "" {
		name = "You"
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, u.ID, htmlEscape(name))
}

func channelLink(ch verify.RequiredChannel) string {
	title := strings.TrimSpace(ch.Title)
	if title == "" {
		title = ch.Ref
	}
	if link := strings.TrimSpace(ch.InviteLink); link != "" {
		return fmt.Sprintf(`<a href="%s">%s</a>`, link, htmlEscape(title))
	}
	if strings.HasPrefix(ch.Ref, "@") {
		return fmt.Sprintf(`<a href="https://t.me/%s">%s</a>`, strings.TrimPrefix(ch.Ref, "@"), htmlEscape(title))
	}
	return htmlEscape(title)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// channelRef normalizes a chat to the ref format the store uses: @username
// when public, numeric ID otherwise.
func channelRef(chat *tele.Chat) string {
	if u := strings.TrimSpace(chat.Username); u != "" {
		return "@" + strings.ToLower(u)
	}
	return strconv.FormatInt(chat.ID, 10)
}

// classifyStartup maps bot-construction failures onto the credential
// taxonomy; getMe answers 401 for a revoked token.
func classifyStartup(err error) error {
	if errors.Is(err, tele.ErrUnauthorized) {
		return directory.ErrInvalidCredential
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == 401 {
		return directory.ErrInvalidCredential
	}
	return fmt.Errorf("telegram: bot init: %w", err)
}
