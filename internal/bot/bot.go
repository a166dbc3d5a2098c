// Package bot glues webhook traffic to the scheduling core: owner commands
// on the direct chat, correlated reply forwarding on group chats.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/itai-weiss/WA-bot/internal/command"
	"github.com/itai-weiss/WA-bot/internal/core"
	"github.com/itai-weiss/WA-bot/internal/metrics"
	"github.com/itai-weiss/WA-bot/internal/provider"
	"github.com/itai-weiss/WA-bot/internal/when"
)

const snippetLimit = 180

type Bot struct {
	Store  *core.Store
	Client provider.Client
	When   *when.Parser

	OwnerWAID     string
	PhoneNumberID string
	Timezone      *time.Location

	Log zerolog.Logger
}

// HandleIncoming routes one extracted message to the owner or group path.
func (b *Bot) HandleIncoming(ctx context.Context, msg IncomingMessage) {
	if msg.SenderWAID == "" {
		return
	}
	if msg.IsGroup {
		b.ProcessGroupMessage(ctx, msg)
		return
	}
	b.ProcessOwnerMessage(ctx, msg)
}

// ProcessOwnerMessage handles direct traffic: only the configured owner is
// allowed, everything else is dropped with a log line.
func (b *Bot) ProcessOwnerMessage(ctx context.Context, msg IncomingMessage) {
	if msg.SenderWAID != b.OwnerWAID {
		b.Log.Warn().Str("sender", msg.SenderWAID).Msg("unauthorized sender ignored")
		return
	}
	if msg.MessageID != "" {
		_ = b.Client.MarkRead(ctx, msg.MessageID)
	}

	pending, err := b.Store.GetPending(ctx, b.OwnerWAID)
	if err != nil {
		b.Log.Error().Err(err).Msg("load pending schedule")
		return
	}

	if msg.ButtonPayload != "" {
		b.reply(ctx, "Interactive actions are not supported.")
		return
	}

	if msg.Text == "" {
		if pending != nil {
			b.reply(ctx, "Pending schedule is waiting for content, but the message type is unsupported. Please forward or send text content.")
		} else {
			b.reply(ctx, "Unsupported message type. Send text commands.")
		}
		return
	}

	cmd, err := command.Parse(msg.Text)
	if err != nil {
		if pending != nil {
			b.completePending(ctx, pending, msg.Text)
			return
		}
		b.reply(ctx, "Could not parse command.\n"+usageHelp())
		return
	}
	b.handleCommand(ctx, cmd)
}

// handleCommand is the single dispatch point over the command sum type.
func (b *Bot) handleCommand(ctx context.Context, cmd command.Command) {
	switch c := cmd.(type) {
	case command.Schedule:
		b.handleSchedule(ctx, c)
	case command.ScheduleConfig:
		b.handleScheduleConfig(ctx, c)
	case command.List:
		b.handleList(ctx)
	case command.Cancel:
		b.handleCancel(ctx, c)
	case command.RegisterGroup:
		b.handleRegisterGroup(ctx, c)
	case command.UnregisterGroup:
		b.handleUnregisterGroup(ctx, c)
	case command.Groups:
		b.handleGroups(ctx)
	default:
		b.reply(ctx, usageHelp())
	}
}

func (b *Bot) handleSchedule(ctx context.Context, c command.Schedule) {
	runAt, ok := b.When.Parse(c.When, time.Now())
	if !ok {
		b.reply(ctx, "Could not parse the schedule time. Please try again.\n"+usageHelp())
		return
	}

	// A one-shot schedule supersedes any armed two-phase flow; the job and
	// the slot clear commit together.
	job, err := b.Store.ScheduleAndClearPending(ctx, core.ScheduleRequest{
		GroupAlias: c.GroupAlias,
		Body:       c.Text,
		RunAt:      runAt,
		CreatedBy:  b.OwnerWAID,
	}, b.OwnerWAID)
	if err != nil {
		b.replyScheduleError(ctx, err, c.GroupAlias)
		return
	}
	metrics.ScheduleTotal.WithLabelValues("ok").Inc()

	b.reply(ctx, fmt.Sprintf("Scheduled job #%d to '%s' at %s.",
		job.ID, c.GroupAlias, b.local(job.RunAt)))
}

func (b *Bot) handleScheduleConfig(ctx context.Context, c command.ScheduleConfig) {
	runAt, ok := b.When.Parse(c.When, time.Now())
	if !ok {
		b.reply(ctx, "Could not parse the schedule time. Please try again.\n"+usageHelp())
		return
	}

	grp, err := b.Store.GroupByAlias(ctx, c.GroupAlias)
	if err != nil {
		b.Log.Error().Err(err).Msg("resolve group alias")
		return
	}
	if grp == nil {
		b.reply(ctx, fmt.Sprintf("Unknown group alias '%s'. Use register group first.", c.GroupAlias))
		return
	}
	if !runAt.After(time.Now().UTC()) {
		b.reply(ctx, "Scheduled time is in the past. Please choose a future time.")
		return
	}

	if _, err := b.Store.SavePending(ctx, b.OwnerWAID, grp.Alias, runAt); err != nil {
		b.Log.Error().Err(err).Msg("save pending schedule")
		return
	}

	b.reply(ctx, fmt.Sprintf(
		"Configuration stored. Forward or send the message content to schedule it to '%s' at %s.",
		grp.Alias, b.local(runAt)))
}

// completePending consumes forwarded content for the armed slot.
func (b *Bot) completePending(ctx context.Context, pending *core.PendingSchedule, content string) {
	job, err := b.Store.CompletePending(ctx, b.OwnerWAID, content)
	switch {
	case errors.Is(err, core.ErrEmptyContent):
		b.reply(ctx, "Cannot schedule an empty message. Please send the content text.")
		return
	case errors.Is(err, core.ErrUnknownGroupAlias):
		b.reply(ctx, fmt.Sprintf("Unknown group alias '%s'. Use register group first.", pending.GroupAlias))
		return
	case errors.Is(err, core.ErrPastSchedule):
		b.reply(ctx, "Scheduled time is in the past. Please choose a future time.")
		return
	case err != nil:
		b.Log.Error().Err(err).Msg("complete pending schedule")
		return
	}
	metrics.ScheduleTotal.WithLabelValues("ok").Inc()

	if job.RunAt.After(pending.RunAt) && !pending.RunAt.After(time.Now().UTC()) {
		b.reply(ctx, fmt.Sprintf(
			"Original time had just passed; scheduled job #%d to '%s' at %s using forwarded content.",
			job.ID, pending.GroupAlias, b.local(job.RunAt)))
		return
	}
	b.reply(ctx, fmt.Sprintf("Scheduled job #%d to '%s' at %s using forwarded content.",
		job.ID, pending.GroupAlias, b.local(job.RunAt)))
}

func (b *Bot) handleList(ctx context.Context) {
	jobs, err := b.Store.ListScheduled(ctx)
	if err != nil {
		b.Log.Error().Err(err).Msg("list jobs")
		return
	}
	if len(jobs) == 0 {
		b.reply(ctx, "No jobs scheduled.")
		return
	}
	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		lines = append(lines, fmt.Sprintf("#%d %s at %s %q",
			job.ID, job.GroupAlias, b.local(job.RunAt), job.Body))
	}
	b.reply(ctx, strings.Join(lines, "\n"))
}

func (b *Bot) handleCancel(ctx context.Context, c command.Cancel) {
	ok, err := b.Store.Cancel(ctx, c.JobID)
	if err != nil {
		metrics.CancelTotal.WithLabelValues("error").Inc()
		b.Log.Error().Err(err).Int64("job_id", c.JobID).Msg("cancel job")
		return
	}
	if ok {
		metrics.CancelTotal.WithLabelValues("ok").Inc()
		b.reply(ctx, fmt.Sprintf("Cancelled job #%d.", c.JobID))
	} else {
		metrics.CancelTotal.WithLabelValues("missing").Inc()
		b.reply(ctx, fmt.Sprintf("Job #%d not found.", c.JobID))
	}
}

func (b *Bot) handleRegisterGroup(ctx context.Context, c command.RegisterGroup) {
	grp, err := b.Store.RegisterGroup(ctx, c.Alias, c.GroupID, c.GroupName)
	if err != nil {
		b.Log.Error().Err(err).Msg("register group")
		return
	}
	b.reply(ctx, fmt.Sprintf("Registered group '%s' with ID %s.", grp.Alias, grp.GroupID))
}

func (b *Bot) handleUnregisterGroup(ctx context.Context, c command.UnregisterGroup) {
	ok, err := b.Store.UnregisterGroup(ctx, c.Alias)
	if err != nil {
		b.Log.Error().Err(err).Msg("unregister group")
		return
	}
	if ok {
		b.reply(ctx, fmt.Sprintf("Unregistered group '%s'.", c.Alias))
	} else {
		b.reply(ctx, fmt.Sprintf("Group '%s' not found.", c.Alias))
	}
}

func (b *Bot) handleGroups(ctx context.Context) {
	groups, err := b.Store.ListGroups(ctx)
	if err != nil {
		b.Log.Error().Err(err).Msg("list groups")
		return
	}
	if len(groups) == 0 {
		b.reply(ctx, "No groups registered. Use 'register group <alias> <group_id>'.")
		return
	}
	lines := make([]string, 0, len(groups))
	for _, g := range groups {
		line := g.Alias + " -> " + g.GroupID
		if g.GroupName != nil {
			line += " (" + *g.GroupName + ")"
		}
		lines = append(lines, line)
	}
	b.reply(ctx, strings.Join(lines, "\n"))
}

// ProcessGroupMessage forwards a correlated group reply to the owner. The
// bot's own messages and uncorrelated chatter are ignored.
func (b *Bot) ProcessGroupMessage(ctx context.Context, msg IncomingMessage) {
	if msg.GroupID == "" || msg.SenderWAID == b.PhoneNumberID {
		return
	}

	var contextID *string
	if msg.ContextMessageID != "" {
		contextID = &msg.ContextMessageID
	}
	corr, err := b.Store.ResolveCorrelation(ctx, msg.GroupID, contextID)
	if err != nil {
		b.Log.Error().Err(err).Str("group_id", msg.GroupID).Msg("resolve correlation")
		return
	}
	if corr == nil {
		return
	}

	snippet := msg.Text
	if snippet == "" {
		snippet = msg.MessageType + " message"
	}
	snippet = truncateRunes(snippet, snippetLimit)

	sender := msg.SenderName
	if sender == "" {
		sender = msg.SenderWAID
	}
	groupLabel := msg.GroupName
	if groupLabel == "" {
		groupLabel = msg.GroupID
	}

	body := fmt.Sprintf("[Group: %s] %s: %s", groupLabel, sender, snippet)
	ctaURL := "https://wa.me/" + msg.SenderWAID
	buttons := []provider.Button{{URL: ctaURL, DisplayText: "Open chat with " + sender}}

	_, err = b.Client.SendInteractive(ctx, b.OwnerWAID, body, buttons)
	if err != nil {
		if provider.NeedsTemplateFallback(err) {
			if _, err := provider.SendOwnerNotify(ctx, b.Client, b.OwnerWAID, groupLabel, sender, snippet, ctaURL); err != nil {
				b.Log.Error().Err(err).Msg("owner notify template send")
			}
			return
		}
		b.Log.Error().Err(err).Msg("forward group reply")
		return
	}
	b.Log.Info().Int64("job_id", corr.JobID).Str("group_id", msg.GroupID).Msg("group reply forwarded")
}

func (b *Bot) reply(ctx context.Context, text string) {
	if _, err := b.Client.SendText(ctx, b.OwnerWAID, text); err != nil {
		b.Log.Error().Err(err).Msg("reply to owner")
	}
}

func (b *Bot) replyScheduleError(ctx context.Context, err error, alias string) {
	switch {
	case errors.Is(err, core.ErrUnknownGroupAlias):
		metrics.ScheduleTotal.WithLabelValues("unknown_alias").Inc()
		b.reply(ctx, fmt.Sprintf("Unknown group alias '%s'. Use register group first.", alias))
	case errors.Is(err, core.ErrPastSchedule):
		metrics.ScheduleTotal.WithLabelValues("past").Inc()
		b.reply(ctx, "Scheduled time is in the past. Please choose a future time.")
	default:
		metrics.ScheduleTotal.WithLabelValues("error").Inc()
		b.Log.Error().Err(err).Msg("schedule job")
	}
}

// truncateRunes cuts on a rune boundary so multi-byte text stays valid.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func (b *Bot) local(t time.Time) string {
	loc := b.Timezone
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func usageHelp() string {
	return strings.Join([]string{
		"Commands:",
		"- register group <alias> <group_id> [optional name]",
		"- unregister group <alias>",
		"- groups",
		`- schedule "<text>" to <alias> [at] <natural datetime>`,
		`- schedule to <alias> [at] <natural datetime> (send content next)`,
		"- list",
		"- cancel <job_id>",
		"Examples:",
		`schedule "Standup at 09:00" to team at today 08:55`,
		`schedule "Demo tomorrow" to sales Sun 9am`,
		`schedule to team at tomorrow 09:00`,
		`schedule to team in 1 minute`,
	}, "\n")
}
