package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

const (
	staffHelp = `Available commands:
/token - Get your API token
/help - Show this message`

	adminHelp = `Available commands:
/token - Get your API token
/pending - List pending edit and publish requests
/approve <id> [ttl] - Approve a request, ttl like 2h or 30m
/reject <id> - Reject a request
/global open|close|off - Global publish override
/due <assessment> <subject> <YYYY-MM-DD HH:MM>|none - Set or clear a due date
/staff <tg_username> <staff_id> - Link a telegram user to a staff id
/approver_token <staff_id> - Issue an approver token
/chat register <department> - Send notifications to this chat
/chat remove - Stop sending notifications to this chat
/stats - Published sheet summary
/help - Show this message

Examples:
/approve 6f1c7a52-0f5e-4d8e-9c49-8f0b1f3c2a11 90m
/due CIA1 CS3401 2024-12-01 17:00
/staff john_doe STF042`

	dueLayout = "2006-01-02 15:04"
)

type commandHandler func(context.Context, *tgbotapi.Message) error

func (b *Bot) routeStaffCommands(cmd string) (commandHandler, bool) {
	commands := map[string]commandHandler{
		"start": b.handleStart,
		"token": b.handleToken,
		"help":  b.handleHelp,
	}
	handler, found := commands[cmd]
	return handler, found
}

func (b *Bot) routeAdminCommands(cmd string) (commandHandler, bool) {
	commands := map[string]commandHandler{
		"pending":        b.handlePending,
		"approve":        b.handleApprove,
		"reject":         b.handleReject,
		"global":         b.handleGlobal,
		"due":            b.handleDue,
		"staff":          b.handleStaff,
		"approver_token": b.handleApproverToken,
		"chat":           b.handleChat,
		"stats":          b.handleStats,
	}
	handler, found := commands[cmd]
	return handler, found
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		b.sendHelp(msg.Chat.ID)
		return
	}

	cmd := msg.Command()

	if handler, ok := b.routeStaffCommands(cmd); ok {
		b.run(ctx, handler, msg)
		return
	}

	if b.admins[msg.From.ID] {
		if handler, ok := b.routeAdminCommands(cmd); ok {
			b.run(ctx, handler, msg)
			return
		}
	}

	b.sendHelp(msg.Chat.ID)
}

func (b *Bot) run(ctx context.Context, handler commandHandler, msg *tgbotapi.Message) {
	if err := handler(ctx, msg); err != nil {
		logger.Error.Printf("Command %s error: %v", msg.Command(), err)
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
	}
}

func (b *Bot) handleHelp(_ context.Context, msg *tgbotapi.Message) error {
	text := staffHelp
	if b.admins[msg.From.ID] {
		text = adminHelp
	}
	return b.sendMessage(msg.Chat.ID, text)
}

func (b *Bot) sendHelp(chatID int64) error {
	return b.sendMessage(chatID, "Use commands to talk to the bot. Send /help for the list.")
}

func (b *Bot) handleStart(_ context.Context, msg *tgbotapi.Message) error {
	text := "Hi! I keep track of mark entry approvals.\n\n"
	if b.admins[msg.From.ID] {
		text += "You are an approver. Use /help for the list of commands."
	} else {
		text += "Use /token to get your API token."
	}
	return b.sendMessage(msg.Chat.ID, text)
}

func (b *Bot) handleToken(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From.UserName == "" {
		return fmt.Errorf("set a telegram username first")
	}

	staff, err := b.tokens.FetchStaffByTelegram(ctx, msg.From.UserName)
	if err != nil {
		return fmt.Errorf("ask an approver to link your account: %w", err)
	}

	role := app.RoleStaff
	if b.admins[msg.From.ID] {
		role = app.RoleApprover
	}

	info, isNew, err := b.tokens.FetchOrCreateStaffToken(ctx, staff, role)
	if err != nil {
		return err
	}

	prefix := "Your token"
	if isNew {
		prefix = "New token issued"
	}
	return b.sendMessage(msg.Chat.ID, fmt.Sprintf("%s for %s (%s):\n%s\n\nRequests made: %d", prefix, staff, info.Role, info.Token, info.RequestCount))
}

func (b *Bot) handlePending(_ context.Context, msg *tgbotapi.Message) error {
	edits, err := b.service.PendingEditRequests()
	if err != nil {
		return fmt.Errorf("failed to list edit requests: %w", err)
	}
	publishes, err := b.service.PendingPublishRequests()
	if err != nil {
		return fmt.Errorf("failed to list publish requests: %w", err)
	}
	return b.sendMessage(msg.Chat.ID, FormatPending(edits, publishes))
}

func (b *Bot) reviewer(msg *tgbotapi.Message) string {
	if msg.From.UserName != "" {
		return "tg:" + msg.From.UserName
	}
	if b.service.Config.Bot.Staff != "" {
		return b.service.Config.Bot.Staff
	}
	return fmt.Sprintf("tg:%d", msg.From.ID)
}

// review resolves id against edit requests first, then publish requests.
func (b *Bot) review(ctx context.Context, msg *tgbotapi.Message, approve bool) error {
	id, ttl, err := ParseReviewArgs(strings.Fields(msg.CommandArguments()))
	if err != nil {
		return err
	}
	reviewer := b.reviewer(msg)

	verb := "rejected"
	if approve {
		verb = "approved"
	}

	edit, err := b.service.ReviewEditRequest(ctx, id, approve, reviewer, ttl)
	if err == nil {
		return b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ %s edit request %s for %s/%s %s%s",
			edit.Scope, id, edit.Assessment, edit.Subject, verb, untilSuffix(edit.ApprovalUntil)))
	}
	if !errors.Is(err, app.ErrNotFound) {
		return err
	}

	pub, err := b.service.ReviewPublishRequest(ctx, id, approve, reviewer, ttl)
	if err != nil {
		return err
	}
	return b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ Publish request %s for %s/%s %s%s",
		id, pub.Assessment, pub.Subject, verb, untilSuffix(pub.ApprovalUntil)))
}

func (b *Bot) handleApprove(ctx context.Context, msg *tgbotapi.Message) error {
	return b.review(ctx, msg, true)
}

func (b *Bot) handleReject(ctx context.Context, msg *tgbotapi.Message) error {
	return b.review(ctx, msg, false)
}

func (b *Bot) handleGlobal(_ context.Context, msg *tgbotapi.Message) error {
	active, open, err := ParseGlobal(msg.CommandArguments())
	if err != nil {
		return err
	}
	if err := b.service.SetPublishControl(active, open, b.reviewer(msg)); err != nil {
		return fmt.Errorf("failed to save publish control: %w", err)
	}

	text := "Global override is off, due dates apply"
	if active && open {
		text = "Publishing is open for every sheet"
	} else if active {
		text = "Publishing is closed for every sheet"
	}
	return b.sendMessage(msg.Chat.ID, "✅ "+text)
}

func (b *Bot) handleDue(_ context.Context, msg *tgbotapi.Message) error {
	key, due, err := ParseDue(strings.Fields(msg.CommandArguments()), time.Local)
	if err != nil {
		return err
	}
	if err := b.service.SetDueAt(key, due); err != nil {
		return fmt.Errorf("failed to save due date: %w", err)
	}

	if due == nil {
		return b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ Due date cleared for %s", key))
	}
	return b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ %s is due %s", key, due.Format(dueLayout)))
}

func (b *Bot) handleStaff(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		return fmt.Errorf("usage: /staff <tg_username> <staff_id>")
	}
	username := strings.TrimPrefix(args[0], "@")
	if err := b.tokens.SaveStaffTelegramMapping(ctx, username, args[1]); err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ @%s is now %s", username, args[1]))
}

func (b *Bot) handleApproverToken(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 1 {
		return fmt.Errorf("usage: /approver_token <staff_id>")
	}
	info, _, err := b.tokens.FetchOrCreateStaffToken(ctx, args[0], app.RoleApprover)
	if err != nil {
		return err
	}
	return b.sendMessage(msg.Chat.ID, fmt.Sprintf("Token for %s:\n%s", info.Staff, info.Token))
}

func (b *Bot) handleChat(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 1 {
		return fmt.Errorf("usage: /chat register <department> or /chat remove")
	}

	switch args[0] {
	case "register":
		if len(args) < 2 {
			return fmt.Errorf("specify a department: /chat register CSE")
		}
		chat := &models.ApproverChat{
			ChatID:          msg.Chat.ID,
			Department:      args[1],
			Name:            msg.Chat.Title,
			AssociationTime: time.Now().UTC(),
			RegisteredBy:    msg.From.ID,
		}
		if err := b.tokens.AssociateApproverChat(ctx, chat); err != nil {
			return fmt.Errorf("failed to register chat: %w", err)
		}
		return b.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ This chat now receives %s requests", args[1]))
	case "remove":
		if err := b.tokens.RemoveApproverChat(ctx, msg.Chat.ID); err != nil {
			return fmt.Errorf("failed to remove chat: %w", err)
		}
		return b.sendMessage(msg.Chat.ID, "✅ This chat no longer receives requests")
	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

func (b *Bot) handleStats(_ context.Context, msg *tgbotapi.Message) error {
	stats, err := b.service.Stats(true)
	if err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}
	if len(stats) == 0 {
		return b.sendMessage(msg.Chat.ID, "Nothing published yet")
	}

	var sb strings.Builder
	for _, st := range stats {
		last := ""
		if st.HumanLastPublished != nil {
			last = *st.HumanLastPublished
		}
		sb.WriteString(fmt.Sprintf("📊 %s/%s: %d students, avg %.2f (%.2f..%.2f), last %s\n",
			st.Assessment, st.Subject, st.Students, st.Average, st.Lowest, st.Highest, last))
	}
	return b.sendMessage(msg.Chat.ID, sb.String())
}

// ParseReviewArgs reads "<id> [ttl]". A zero ttl means the configured default.
func ParseReviewArgs(args []string) (string, time.Duration, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", 0, fmt.Errorf("usage: <id> [ttl]")
	}
	if len(args) == 1 {
		return args[0], 0, nil
	}
	ttl, err := time.ParseDuration(args[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid ttl %q: %w", args[1], err)
	}
	if ttl <= 0 {
		return "", 0, fmt.Errorf("ttl must be positive")
	}
	return args[0], ttl, nil
}

func ParseGlobal(arg string) (active, open bool, err error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "open":
		return true, true, nil
	case "close", "closed":
		return true, false, nil
	case "off":
		return false, true, nil
	}
	return false, false, fmt.Errorf("usage: /global open|close|off")
}

// ParseDue reads "<assessment> <subject> <date> [time]" or "<assessment> <subject> none".
// A date without a time is due at the end of that day.
func ParseDue(args []string, loc *time.Location) (models.SheetKey, *time.Time, error) {
	if len(args) < 3 {
		return models.SheetKey{}, nil, fmt.Errorf("usage: /due <assessment> <subject> <YYYY-MM-DD HH:MM>|none")
	}
	kind, err := models.ParseAssessmentKind(args[0])
	if err != nil {
		return models.SheetKey{}, nil, err
	}
	key := models.SheetKey{Assessment: kind, Subject: args[1]}

	if len(args) == 3 && strings.EqualFold(args[2], "none") {
		return key, nil, nil
	}

	var due time.Time
	if len(args) == 3 {
		due, err = time.ParseInLocation("2006-01-02", args[2], loc)
		if err != nil {
			return key, nil, fmt.Errorf("invalid date (use YYYY-MM-DD): %w", err)
		}
		due = time.Date(due.Year(), due.Month(), due.Day(), 23, 59, 59, 0, loc)
	} else {
		due, err = time.ParseInLocation(dueLayout, args[2]+" "+args[3], loc)
		if err != nil {
			return key, nil, fmt.Errorf("invalid date (use YYYY-MM-DD HH:MM): %w", err)
		}
	}
	return key, &due, nil
}

func untilSuffix(until *time.Time) string {
	if until == nil {
		return ""
	}
	return fmt.Sprintf(" until %s", until.Format(dueLayout))
}

func FormatPending(edits []models.EditRequest, publishes []models.PublishRequest) string {
	if len(edits) == 0 && len(publishes) == 0 {
		return "No pending requests"
	}

	var sb strings.Builder
	if len(edits) > 0 {
		sb.WriteString("Edit requests:\n\n")
		for _, r := range edits {
			sb.WriteString(fmt.Sprintf("✏️ %s %s/%s by %s\n%s\n❓(%s)\n\n",
				r.Scope, r.Assessment, r.Subject, r.RequestedBy, r.ID, r.Reason))
		}
	}
	if len(publishes) > 0 {
		sb.WriteString("Publish requests:\n\n")
		for _, r := range publishes {
			sb.WriteString(fmt.Sprintf("📤 %s/%s by %s\n%s\n❓(%s)\n\n",
				r.Assessment, r.Subject, r.RequestedBy, r.ID, r.Reason))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func FormatNotification(n app.Notification) string {
	switch n.Kind {
	case app.NotifyEditRequested:
		return fmt.Sprintf("✏️ %s asks for %s access on %s\n❓(%s)\n/approve %s\n/reject %s",
			n.RequestedBy, n.Scope, n.Key, n.Reason, n.RequestID, n.RequestID)
	case app.NotifyPublishRequested:
		return fmt.Sprintf("📤 %s asks to publish %s after the due date\n❓(%s)\n/approve %s\n/reject %s",
			n.RequestedBy, n.Key, n.Reason, n.RequestID, n.RequestID)
	case app.NotifyRequestReviewed:
		return fmt.Sprintf("☑️ Request %s of %s on %s is %s", n.RequestID, n.RequestedBy, n.Key, n.Status)
	case app.NotifyApprovalExpired:
		return fmt.Sprintf("⌛ %s approval of %s on %s expired", n.Scope, n.RequestedBy, n.Key)
	case app.NotifyPublished:
		return fmt.Sprintf("✅ %s published by %s", n.Key, n.RequestedBy)
	}
	return fmt.Sprintf("%s: %s", n.Kind, n.Key)
}
