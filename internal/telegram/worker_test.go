package telegram

import (
	"errors"
	"testing"

	tele "gopkg.in/telebot.v4"

	"joinguard/internal/directory"
	"joinguard/internal/verify"
	logx "joinguard/pkg/logx"
)

func TestChannelRef(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		chat *tele.Chat
		want string
	}{
		{"public channel", &tele.Chat{ID: -100123, Username: "News"}, "@news"},
		{"private channel", &tele.Chat{ID: -100456}, "-100456"},
		{"whitespace username", &tele.Chat{ID: -1, Username: "  "}, "-1"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := channelRef(tc.chat); got != tc.want {
				t.Fatalf("channelRef = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChannelLinkPrefersInviteLink(t *testing.T) {
	t.Parallel()
	got := channelLink(verify.RequiredChannel{Ref: "@news", Title: "News & Views", InviteLink: "https://t.me/+abc"})
	want := `<a href="https://t.me/+abc">News &amp; Views</a>`
	if got != want {
		t.Fatalf("channelLink = %q, want %q", got, want)
	}
}

func TestChannelLinkFallsBackToUsername(t *testing.T) {
	t.Parallel()
	got := channelLink(verify.RequiredChannel{Ref: "@news"})
	want := `<a href="https://t.me/news">@news</a>`
	if got != want {
		t.Fatalf("channelLink = %q, want %q", got, want)
	}
}

func TestMentionEscapesName(t *testing.T) {
	t.Parallel()
	got := mention(&tele.User{ID: 7, FirstName: "<b>"})
	want := `<a href="tg://user?id=7">&lt;b&gt;</a>`
	if got != want {
		t.Fatalf("mention = %q, want %q", got, want)
	}
}

func TestLeaveEventTargetsAffectedMemberNotPerformer(t *testing.T) {
	t.Parallel()
	// An admin (999) bans a member (111) from the channel. The update's
	// Sender is the admin; the departure must be attributed to the member.
	cu := &tele.ChatMemberUpdate{
		Chat:   &tele.Chat{ID: -100500, Type: tele.ChatChannel, Username: "News"},
		Sender: &tele.User{ID: 999},
		OldChatMember: &tele.ChatMember{
			User: &tele.User{ID: 111},
			Role: tele.Member,
		},
		NewChatMember: &tele.ChatMember{
			User: &tele.User{ID: 111},
			Role: tele.Kicked,
		},
	}
	ev, ok := leaveEventFrom(7, cu)
	if !ok {
		t.Fatal("expected a leave event for a ban update")
	}
	if ev.UserID != 111 {
		t.Fatalf("UserID = %d, want 111 (the banned member, not the acting admin)", ev.UserID)
	}
	if ev.TenantBot != 7 || ev.Channel != "@news" {
		t.Fatalf("event = %+v, want tenant 7 on @news", ev)
	}
	if ev.Old != directory.StatusMember || ev.New != directory.StatusBanned {
		t.Fatalf("transition = %s -> %s, want member -> kicked", ev.Old, ev.New)
	}
	if !ev.Qualifies() {
		t.Fatal("ban of a member must qualify as a departure")
	}
}

func TestLeaveEventSkipsNonChannelAndPartialUpdates(t *testing.T) {
	t.Parallel()
	group := &tele.ChatMemberUpdate{
		Chat:          &tele.Chat{ID: -1, Type: tele.ChatSuperGroup},
		OldChatMember: &tele.ChatMember{User: &tele.User{ID: 1}, Role: tele.Member},
		NewChatMember: &tele.ChatMember{User: &tele.User{ID: 1}, Role: tele.Left},
	}
	if _, ok := leaveEventFrom(7, group); ok {
		t.Fatal("group updates are not channel departures")
	}
	if _, ok := leaveEventFrom(7, nil); ok {
		t.Fatal("nil update produced an event")
	}
	partial := &tele.ChatMemberUpdate{Chat: &tele.Chat{ID: -2, Type: tele.ChatChannel}}
	if _, ok := leaveEventFrom(7, partial); ok {
		t.Fatal("update without member states produced an event")
	}
}

func TestClassifyStartup(t *testing.T) {
	t.Parallel()
	if err := classifyStartup(tele.ErrUnauthorized); !errors.Is(err, directory.ErrInvalidCredential) {
		t.Fatalf("unauthorized not mapped: %v", err)
	}
	if err := classifyStartup(&tele.Error{Code: 401}); !errors.Is(err, directory.ErrInvalidCredential) {
		t.Fatalf("401 not mapped: %v", err)
	}
	plain := errors.New("dial tcp: timeout")
	if err := classifyStartup(plain); errors.Is(err, directory.ErrInvalidCredential) {
		t.Fatal("transient error mapped to invalid credential")
	} else if !errors.Is(err, plain) {
		t.Fatal("transient error not wrapped")
	}
}

func TestNewWorkerRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := NewWorker(Config{TenantBot: 1}, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
