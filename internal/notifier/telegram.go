package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/observability"
)

// Operator is the slice of the engine the Telegram channel drives. The
// engine satisfies it directly.
type Operator interface {
	Approve(ctx context.Context, id string) (*experiments.Experiment, error)
	Reject(ctx context.Context, id string) (*experiments.Experiment, error)
	Complete(ctx context.Context, id string, acceptedVerdict experiments.Verdict) (*experiments.Experiment, error)
	Rollback(ctx context.Context, id string, manual json.RawMessage) (*experiments.Experiment, error)
	Get(ctx context.Context, id string) (*experiments.Experiment, error)
	List(ctx context.Context, opts experiments.ListOptions) ([]*experiments.Experiment, error)
}

// TelegramConfig configures the operator Telegram channel.
type TelegramConfig struct {
	// Token is the bot token from @BotFather. Empty disables the channel.
	Token string `yaml:"token"`

	// ChatID is the operator chat that receives events.
	ChatID int64 `yaml:"chat_id"`

	// AllowedUserIDs restricts who may issue commands. Empty allows only
	// messages from ChatID itself.
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

// Configured reports whether the channel can start.
func (c TelegramConfig) Configured() bool {
	return c.Token != "" && c.ChatID != 0
}

// Telegram delivers events to the operator chat and handles the decision
// commands: /approve, /reject, /complete, /rollback, /status, /list.
type Telegram struct {
	config   TelegramConfig
	bot      *bot.Bot
	operator Operator
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewTelegram creates the Telegram channel. It does not start polling;
// call Start.
func NewTelegram(config TelegramConfig, operator Operator, logger *slog.Logger, metrics *observability.Metrics) (*Telegram, error) {
	if !config.Configured() {
		return nil, fmt.Errorf("telegram: token and chat_id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Telegram{
		config:   config,
		operator: operator,
		logger:   logger.With("component", "telegram"),
		metrics:  metrics,
	}

	b, err := bot.New(config.Token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	t.bot = b
	return t, nil
}

// Start begins long polling for operator commands. It blocks until the
// context is cancelled.
func (t *Telegram) Start(ctx context.Context) {
	t.logger.Info("telegram channel started", "chat_id", t.config.ChatID)
	t.bot.Start(ctx)
}

// Notify implements experiments.Notifier.
func (t *Telegram) Notify(ctx context.Context, event experiments.Event) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.config.ChatID,
		Text:   FormatEvent(event),
	})
	if t.metrics != nil {
		t.metrics.NotificationSent("telegram", err)
	}
	if err != nil {
		return fmt.Errorf("telegram: send event for %s: %w", event.ExperimentID, err)
	}
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	if !t.authorized(msg) {
		t.logger.Warn("ignoring command from unauthorized chat",
			"chat_id", msg.Chat.ID)
		return
	}

	reply := t.dispatch(ctx, msg.Text)
	if reply == "" {
		return
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text:   reply,
	}); err != nil {
		t.logger.Error("send reply failed", "error", err)
	}
}

func (t *Telegram) authorized(msg *models.Message) bool {
	if msg.Chat.ID == t.config.ChatID {
		return true
	}
	if msg.From == nil {
		return false
	}
	for _, id := range t.config.AllowedUserIDs {
		if msg.From.ID == id {
			return true
		}
	}
	return false
}

// dispatch parses a command message and runs the matching operator action,
// returning the reply text. Non-commands return "".
func (t *Telegram) dispatch(ctx context.Context, text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	// Strip the @botname suffix so "/approve@sellerlab_bot" parses in
	// group chats.
	command, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch command {
	case "/help", "/start":
		return helpText
	case "/list":
		return t.listReply(ctx)
	case "/status":
		return t.statusReply(ctx, args)
	case "/approve":
		return t.decide(ctx, args, "approved", func(id string) (*experiments.Experiment, error) {
			return t.operator.Approve(ctx, id)
		})
	case "/reject":
		return t.decide(ctx, args, "rejected", func(id string) (*experiments.Experiment, error) {
			return t.operator.Reject(ctx, id)
		})
	case "/complete":
		verdict := experiments.Verdict("")
		if len(args) > 1 {
			verdict = experiments.Verdict(strings.ToUpper(args[1]))
		}
		return t.decide(ctx, args, "completed", func(id string) (*experiments.Experiment, error) {
			return t.operator.Complete(ctx, id, verdict)
		})
	case "/rollback":
		return t.decide(ctx, args, "rolled back", func(id string) (*experiments.Experiment, error) {
			return t.operator.Rollback(ctx, id, nil)
		})
	default:
		return "Unknown command. " + helpText
	}
}

const helpText = `Commands:
/list — active experiments
/status <id> — experiment details
/approve <id> — execute action and start
/reject <id> — cancel a proposal
/complete <id> [verdict] — close a reviewed experiment
/rollback <id> — reverse the action`

func (t *Telegram) decide(ctx context.Context, args []string, verb string, action func(id string) (*experiments.Experiment, error)) string {
	if len(args) == 0 {
		return "Usage: provide an experiment id."
	}
	id, err := t.resolveID(ctx, args[0])
	if err != nil {
		return err.Error()
	}
	exp, err := action(id)
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}
	return fmt.Sprintf("Experiment %s %s (status %s).", shortID(exp.ID), verb, exp.Status)
}

func (t *Telegram) listReply(ctx context.Context) string {
	active, err := t.operator.List(ctx, experiments.ListOptions{ActiveOnly: true, Limit: 50})
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}
	if len(active) == 0 {
		return "No active experiments."
	}

	var b strings.Builder
	b.WriteString("Active experiments:\n")
	for _, exp := range active {
		fmt.Fprintf(&b, "%s %s %s/%s %s\n",
			statusEmoji[exp.Status], shortID(exp.ID), exp.Kind, exp.SubjectRef, exp.Status)
	}
	return b.String()
}

func (t *Telegram) statusReply(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /status <id>"
	}
	id, err := t.resolveID(ctx, args[0])
	if err != nil {
		return err.Error()
	}
	exp, err := t.operator.Get(ctx, id)
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s Experiment %s\n", statusEmoji[exp.Status], shortID(exp.ID))
	fmt.Fprintf(&b, "Kind: %s\nSubject: %s\nStatus: %s\n", exp.Kind, exp.SubjectRef, exp.Status)
	if exp.ReviewDueAt != nil {
		fmt.Fprintf(&b, "Review due: %s\n", exp.ReviewDueAt.Format("2006-01-02 15:04"))
	}
	if exp.Verdict != "" {
		fmt.Fprintf(&b, "Verdict: %s %s\n", verdictEmoji[exp.Verdict], exp.Verdict)
	}
	for _, advisory := range exp.Advisories {
		fmt.Fprintf(&b, "⚠️ %s\n", advisory)
	}
	return b.String()
}

// resolveID accepts a full experiment id or a unique short prefix.
func (t *Telegram) resolveID(ctx context.Context, ref string) (string, error) {
	if _, err := t.operator.Get(ctx, ref); err == nil {
		return ref, nil
	}

	all, err := t.operator.List(ctx, experiments.ListOptions{Limit: 200})
	if err != nil {
		return "", fmt.Errorf("Failed: %v", err)
	}
	var match string
	for _, exp := range all {
		if strings.HasPrefix(exp.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("Ambiguous id %q, use more characters.", ref)
			}
			match = exp.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("No experiment matching %q.", ref)
	}
	return match, nil
}
