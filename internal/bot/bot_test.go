package bot_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/itai-weiss/WA-bot/internal/bot"
	"github.com/itai-weiss/WA-bot/internal/core"
	database "github.com/itai-weiss/WA-bot/internal/db"
	"github.com/itai-weiss/WA-bot/internal/provider"
	"github.com/itai-weiss/WA-bot/internal/when"
)

const (
	ownerWAID   = "972500000001"
	botPhoneID  = "155500011111"
	teamGroupID = "123@g.us"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Submit(ctx context.Context, jobID int64, fireAt time.Time) (string, error) {
	return uuid.NewString(), nil
}
func (fakeDispatcher) Revoke(ctx context.Context, taskRef string) error { return nil }

// fakeWA records outbound traffic per kind; interactive sends can be
// scripted to fail to exercise the template fallback.
type fakeWA struct {
	mu             sync.Mutex
	texts          []string
	interactives   []string
	templates      []string
	interactiveErr error
}

func (f *fakeWA) SendText(ctx context.Context, to, text string) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return provider.SendResult{MessageID: "wamid.out-" + uuid.NewString()}, nil
}

func (f *fakeWA) SendInteractive(ctx context.Context, to, body string, buttons []provider.Button) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interactiveErr != nil {
		return provider.SendResult{}, f.interactiveErr
	}
	f.interactives = append(f.interactives, body)
	return provider.SendResult{MessageID: "wamid.out-" + uuid.NewString()}, nil
}

func (f *fakeWA) SendTemplate(ctx context.Context, to, name, lang string, components []map[string]any) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, name)
	return provider.SendResult{MessageID: "wamid.out-" + uuid.NewString()}, nil
}

func (f *fakeWA) MarkRead(ctx context.Context, messageID string) error { return nil }

func (f *fakeWA) lastText(t *testing.T) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.texts, "expected a reply to the owner")
	return f.texts[len(f.texts)-1]
}

func newBot(t *testing.T) (*bot.Bot, *core.Store, *fakeWA) {
	pg := database.StartTestPostgres(t)
	store := &core.Store{DB: pg, Tasks: fakeDispatcher{}}
	client := &fakeWA{}
	b := &bot.Bot{
		Store:         store,
		Client:        client,
		When:          when.NewParser(time.UTC),
		OwnerWAID:     ownerWAID,
		PhoneNumberID: botPhoneID,
		Timezone:      time.UTC,
		Log:           zerolog.Nop(),
	}
	return b, store, client
}

func ownerSays(b *bot.Bot, text string) {
	b.ProcessOwnerMessage(context.Background(), bot.IncomingMessage{
		SenderWAID:  ownerWAID,
		MessageID:   "wamid.in-" + uuid.NewString(),
		MessageType: "text",
		Text:        text,
	})
}

func TestUnauthorizedSenderGetsNoReply(t *testing.T) {
	b, _, client := newBot(t)
	b.ProcessOwnerMessage(context.Background(), bot.IncomingMessage{
		SenderWAID: "31600000000", Text: "list",
	})
	require.Empty(t, client.texts)
}

func TestUnknownCommandShowsHelp(t *testing.T) {
	b, _, client := newBot(t)
	ownerSays(b, "what can you do?")
	require.Contains(t, client.lastText(t), "Commands:")
}

func TestRegisterListAndUnregisterGroups(t *testing.T) {
	b, _, client := newBot(t)

	ownerSays(b, "groups")
	require.Contains(t, client.lastText(t), "No groups registered")

	ownerSays(b, "register group Team "+teamGroupID+" Team Chat")
	require.Contains(t, client.lastText(t), "Registered group 'team'")

	ownerSays(b, "groups")
	reply := client.lastText(t)
	require.Contains(t, reply, "team -> "+teamGroupID)
	require.Contains(t, reply, "(Team Chat)")

	ownerSays(b, "unregister group team")
	require.Contains(t, client.lastText(t), "Unregistered group 'team'")

	ownerSays(b, "unregister group team")
	require.Contains(t, client.lastText(t), "not found")
}

func TestOneShotScheduleAndCancel(t *testing.T) {
	b, store, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)

	ownerSays(b, `schedule "Standup reminder" to team at 2030-06-01 09:00`)
	require.Contains(t, client.lastText(t), "Scheduled job #")

	jobs, err := store.ListScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "Standup reminder", jobs[0].Body)

	ownerSays(b, "list")
	require.Contains(t, client.lastText(t), "Standup reminder")

	ownerSays(b, "cancel "+int64str(jobs[0].ID))
	require.Contains(t, client.lastText(t), "Cancelled job #")

	ownerSays(b, "list")
	require.Contains(t, client.lastText(t), "No jobs scheduled")
}

func TestCancelUnknownJob(t *testing.T) {
	b, _, client := newBot(t)
	ownerSays(b, "cancel 999999")
	require.Contains(t, client.lastText(t), "not found")
}

func TestScheduleUnknownAliasReply(t *testing.T) {
	b, _, client := newBot(t)
	ownerSays(b, `schedule "hi" to ghost at 2030-06-01 09:00`)
	require.Contains(t, client.lastText(t), "Unknown group alias 'ghost'")
}

func TestScheduleUnparseableTimeReply(t *testing.T) {
	b, _, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, `schedule "hi" to team at the heat death of the universe`)
	require.Contains(t, client.lastText(t), "Could not parse the schedule time")
}

func TestTwoPhaseScheduleFlow(t *testing.T) {
	b, store, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)

	ownerSays(b, "schedule to team at 2030-06-01 09:00")
	require.Contains(t, client.lastText(t), "Configuration stored")

	pending, err := store.GetPending(context.Background(), ownerWAID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, "team", pending.GroupAlias)

	// The next non-command text is the content.
	ownerSays(b, "Reminder: bring the projector")
	require.Contains(t, client.lastText(t), "using forwarded content")

	pending, err = store.GetPending(context.Background(), ownerWAID)
	require.NoError(t, err)
	require.Nil(t, pending)

	jobs, err := store.ListScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "Reminder: bring the projector", jobs[0].Body)
}

func TestTwoPhasePastTimeRejectedAtConfigure(t *testing.T) {
	b, _, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, "schedule to team at 2020-06-01 09:00")
	require.Contains(t, client.lastText(t), "in the past")
}

func TestTwoPhaseNonTextWhileArmed(t *testing.T) {
	b, _, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, "schedule to team at 2030-06-01 09:00")

	b.ProcessOwnerMessage(context.Background(), bot.IncomingMessage{
		SenderWAID: ownerWAID, MessageID: "wamid.img", MessageType: "image",
	})
	require.Contains(t, client.lastText(t), "waiting for content")
}

func TestOneShotSupersedesArmedSlot(t *testing.T) {
	b, store, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, "schedule to team at 2030-06-01 09:00")

	ownerSays(b, `schedule "direct" to team at 2030-06-02 09:00`)
	require.Contains(t, client.lastText(t), "Scheduled job #")

	pending, err := store.GetPending(context.Background(), ownerWAID)
	require.NoError(t, err)
	require.Nil(t, pending, "a one-shot schedule clears the armed slot")
}

func TestGroupReplyForwardedToOwner(t *testing.T) {
	b, store, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, `schedule "hi all" to team at 2030-06-01 09:00`)

	jobs, err := store.ListScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = store.RecordCorrelation(context.Background(), jobs[0].ID, teamGroupID, "wamid.bot1", nil)
	require.NoError(t, err)

	b.ProcessGroupMessage(context.Background(), bot.IncomingMessage{
		SenderWAID:       "972500000002",
		SenderName:       "Dana",
		MessageID:        "wamid.reply1",
		MessageType:      "text",
		Text:             "sounds good!",
		ContextMessageID: "wamid.bot1",
		GroupID:          teamGroupID,
		GroupName:        "Team Chat",
		IsGroup:          true,
	})

	require.Len(t, client.interactives, 1)
	forwarded := client.interactives[0]
	require.Contains(t, forwarded, "[Group: Team Chat]")
	require.Contains(t, forwarded, "Dana: sounds good!")
}

func TestGroupReplySnippetTruncatesOnRuneBoundary(t *testing.T) {
	b, store, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, `schedule "hi all" to team at 2030-06-01 09:00`)

	jobs, err := store.ListScheduled(context.Background())
	require.NoError(t, err)
	_, err = store.RecordCorrelation(context.Background(), jobs[0].ID, teamGroupID, "wamid.bot1", nil)
	require.NoError(t, err)

	long := strings.Repeat("ש", 300)
	b.ProcessGroupMessage(context.Background(), bot.IncomingMessage{
		SenderWAID: "972500000002", SenderName: "Dana",
		Text: long, GroupID: teamGroupID, IsGroup: true,
	})

	require.Len(t, client.interactives, 1)
	forwarded := client.interactives[0]
	require.True(t, utf8.ValidString(forwarded))
	require.Contains(t, forwarded, "Dana: "+strings.Repeat("ש", 180))
	require.NotContains(t, forwarded, strings.Repeat("ש", 181))
}

func TestGroupReplyTemplateFallback(t *testing.T) {
	b, store, client := newBot(t)
	ownerSays(b, "register group team "+teamGroupID)
	ownerSays(b, `schedule "hi all" to team at 2030-06-01 09:00`)

	jobs, err := store.ListScheduled(context.Background())
	require.NoError(t, err)
	_, err = store.RecordCorrelation(context.Background(), jobs[0].ID, teamGroupID, "wamid.bot1", nil)
	require.NoError(t, err)

	// Owner is outside the messaging window: the direct interactive send is
	// rejected and the approved template goes out instead.
	client.interactiveErr = &provider.Error{StatusCode: 400, Code: 470}
	b.ProcessGroupMessage(context.Background(), bot.IncomingMessage{
		SenderWAID: "972500000002", Text: "ok", GroupID: teamGroupID, IsGroup: true,
	})

	require.Empty(t, client.interactives)
	require.Equal(t, []string{"owner_notify"}, client.templates)
}

func TestGroupMessageFromBotItselfIgnored(t *testing.T) {
	b, _, client := newBot(t)
	b.ProcessGroupMessage(context.Background(), bot.IncomingMessage{
		SenderWAID: botPhoneID, Text: "echo", GroupID: teamGroupID, IsGroup: true,
	})
	require.Empty(t, client.interactives)
	require.Empty(t, client.texts)
}

func TestUncorrelatedGroupChatterIgnored(t *testing.T) {
	b, _, client := newBot(t)
	b.ProcessGroupMessage(context.Background(), bot.IncomingMessage{
		SenderWAID: "972500000002", Text: "random chatter", GroupID: teamGroupID, IsGroup: true,
	})
	require.Empty(t, client.interactives)
}

func int64str(v int64) string {
	return strconv.FormatInt(v, 10)
}
