package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/threadkeeper/internal/models"
	"github.com/xaenox/threadkeeper/internal/resolver"
)

// Resolver is the part of resolver.Manager the bot needs.
type Resolver interface {
	Resolve(ctx context.Context, msg models.IncomingMessage) (models.ThreadResolution, error)
	RecordCorrection(ctx context.Context, userID string, c models.Correction) (models.UserBehaviorProfile, error)
	ListThreads(ctx context.Context, userID string) ([]*models.Thread, error)
	SetWeights(ctx context.Context, userID string, w models.Weights) (models.UserBehaviorProfile, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// lastResolution is the most recent automatic decision for a user, used to
// turn /new and /switch into learning signals.
type lastResolution struct {
	threadID string
	action   models.Action
}

type Bot struct {
	api      *tgbotapi.BotAPI
	out      sender
	resolver Resolver
	timeout  time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]lastResolution
}

func New(token string, r Resolver, timeout time.Duration, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, r, timeout, logger)
	b.api = api
	return b, nil
}

func newBot(out sender, r Resolver, timeout time.Duration, logger *zap.Logger) *Bot {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bot{
		out:      out,
		resolver: r,
		timeout:  timeout,
		logger:   logger,
		last:     make(map[string]lastResolution),
	}
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	res, err := b.resolve(ctx, message, content, nil)
	if err != nil {
		return
	}
	b.remember(userID(message), res)
	b.sendResolution(message.Chat.ID, message.MessageID, res)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "threads":
		b.handleThreads(ctx, message)
	case "switch":
		b.handleSwitch(ctx, message)
	case "new":
		b.handleNew(ctx, message)
	case "weights":
		b.handleWeights(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to ThreadKeeper! 🧵
I keep track of which conversation each of your messages belongs to.

Just write to me. I'll continue the current topic, pick an old one back up, or start a new thread.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/threads - Show your threads
/switch <thread> <text> - Post text to a specific thread
/new <text> - Start a new thread with text
/weights <semantic> <time> <intent> <entities> - Tune how I match threads (/weights reset for defaults)

I learn from /switch and /new: if I keep guessing wrong, I adjust.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleThreads(ctx context.Context, message *tgbotapi.Message) {
	threads, err := b.resolver.ListThreads(ctx, userID(message))
	if err != nil {
		b.logger.Error("Failed to list threads",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your threads. Please try again later.")
		return
	}

	if len(threads) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any threads yet.")
		return
	}

	now := message.Time()
	response := "*Your threads:*\n"
	for _, t := range threads {
		response += fmt.Sprintf("`%s` %s, %d messages, last %s\n",
			shortID(t.ID),
			escapeMarkdown(string(t.Status)),
			t.MessageCount,
			escapeMarkdown(ago(now, t.LastActivityAt)))
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, response)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send threads message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

// handleSwitch posts the message to the named thread. Short ids from /threads
// are expanded against the user's thread list.
func (b *Bot) handleSwitch(ctx context.Context, message *tgbotapi.Message) {
	ref, text, _ := strings.Cut(strings.TrimSpace(message.CommandArguments()), " ")
	text = strings.TrimSpace(text)
	if ref == "" || text == "" {
		b.sendMessage(message.Chat.ID, "Usage: /switch <thread> <text>")
		return
	}

	uid := userID(message)
	target := b.findThread(ctx, uid, ref)
	threadID := ref
	if target != nil {
		threadID = target.ID
	}

	res, err := b.resolve(ctx, message, text, map[string]string{models.ContextThreadID: threadID})
	if err != nil {
		return
	}

	prev, hadPrev := b.previous(uid)
	if hadPrev && prev.action == models.ActionCreated && prev.threadID != res.ThreadID {
		b.correct(ctx, uid, models.Correction{Kind: models.CorrectionMergeRequested, ThreadID: res.ThreadID, At: message.Time()})
	}
	if res.Action == models.ActionReactivated && target != nil {
		if gap := message.Time().Sub(target.LastActivityAt); gap > 0 {
			b.correct(ctx, uid, models.Correction{Kind: models.CorrectionReactivatedGap, ThreadID: res.ThreadID, Gap: gap, At: message.Time()})
		}
	}
	b.remember(uid, res)
	b.sendResolution(message.Chat.ID, message.MessageID, res)
}

func (b *Bot) handleNew(ctx context.Context, message *tgbotapi.Message) {
	text := strings.TrimSpace(message.CommandArguments())
	if text == "" {
		b.sendMessage(message.Chat.ID, "Usage: /new <text>")
		return
	}

	uid := userID(message)
	res, err := b.resolve(ctx, message, text, map[string]string{models.ContextForceNew: "true"})
	if err != nil {
		return
	}
	if prev, ok := b.previous(uid); ok && prev.action != models.ActionCreated {
		b.correct(ctx, uid, models.Correction{Kind: models.CorrectionSplitRequested, ThreadID: prev.threadID, At: message.Time()})
	}
	b.remember(uid, res)
	b.sendResolution(message.Chat.ID, message.MessageID, res)
}

func (b *Bot) handleWeights(ctx context.Context, message *tgbotapi.Message) {
	const usage = "Usage: /weights <semantic> <time> <intent> <entities>, e.g. /weights 0.4 0.25 0.2 0.15, or /weights reset"

	args := strings.Fields(message.CommandArguments())
	var w models.Weights
	switch {
	case len(args) == 1 && strings.EqualFold(args[0], "reset"):
	case len(args) == 4:
		values := make([]float64, len(args))
		for i, arg := range args {
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil || v < 0 {
				b.sendMessage(message.Chat.ID, usage)
				return
			}
			values[i] = v
		}
		w = models.Weights{Semantic: values[0], Temporal: values[1], Intent: values[2], Entity: values[3]}
	default:
		b.sendMessage(message.Chat.ID, usage)
		return
	}

	if _, err := b.resolver.SetWeights(ctx, userID(message), w); err != nil {
		b.logger.Error("Failed to set weights",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't update your settings. Please try again.")
		return
	}
	if w.IsZero() {
		b.sendMessage(message.Chat.ID, "Back to the default weights.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Weights updated: semantic %.2f, time %.2f, intent %.2f, entities %.2f",
		w.Semantic, w.Temporal, w.Intent, w.Entity))
}

func (b *Bot) resolve(ctx context.Context, message *tgbotapi.Message, text string, hints map[string]string) (models.ThreadResolution, error) {
	msgCtx := map[string]string{
		models.ContextMessageID: fmt.Sprintf("%d:%d", message.Chat.ID, message.MessageID),
	}
	for k, v := range hints {
		msgCtx[k] = v
	}

	res, err := b.resolver.Resolve(ctx, models.IncomingMessage{
		UserID:    userID(message),
		Text:      text,
		Timestamp: message.Time(),
		Context:   msgCtx,
	})
	switch {
	case errors.Is(err, resolver.ErrAccessDenied):
		b.sendErrorMessage(message.Chat.ID, "That thread doesn't exist or isn't yours. Use /threads to see your threads.")
	case err != nil:
		b.logger.Error("Failed to resolve thread",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't place your message. Please try again.")
	}
	return res, err
}

func (b *Bot) findThread(ctx context.Context, uid, ref string) *models.Thread {
	threads, err := b.resolver.ListThreads(ctx, uid)
	if err != nil {
		b.logger.Warn("Failed to list threads for switch",
			zap.Error(err),
			zap.String("user_id", uid))
		return nil
	}
	var match *models.Thread
	for _, t := range threads {
		if t.ID == ref {
			return t
		}
		if strings.HasPrefix(t.ID, ref) {
			if match != nil {
				return nil
			}
			match = t
		}
	}
	return match
}

func (b *Bot) correct(ctx context.Context, uid string, c models.Correction) {
	if _, err := b.resolver.RecordCorrection(ctx, uid, c); err != nil {
		b.logger.Error("Failed to record correction",
			zap.Error(err),
			zap.String("user_id", uid),
			zap.String("kind", string(c.Kind)))
	}
}

func (b *Bot) previous(uid string) (lastResolution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.last[uid]
	return last, ok
}

func (b *Bot) remember(uid string, res models.ThreadResolution) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[uid] = lastResolution{threadID: res.ThreadID, action: res.Action}
}

func (b *Bot) sendResolution(chatID int64, replyToID int, res models.ThreadResolution) {
	var verb string
	switch res.Action {
	case models.ActionContinued:
		verb = "Continued"
	case models.ActionReactivated:
		verb = "Back to"
	default:
		verb = "New"
	}

	text := fmt.Sprintf("🧵 %s thread `%s` \\(%s\\)", verb, shortID(res.ThreadID),
		escapeMarkdown(strconv.FormatFloat(res.Confidence, 'f', 2, 64)))
	if res.Reasoning.Fallback {
		text += "\n_" + escapeMarkdown("Guessed from timing only, some services were unavailable.") + "_"
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.ReplyToMessageID = replyToID

	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send resolution",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func userID(message *tgbotapi.Message) string {
	return strconv.FormatInt(message.From.ID, 10)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(now, then time.Time) string {
	d := now.Sub(then)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
