package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/resumechat/internal/conversation"
	"github.com/user/resumechat/internal/dispatch"
	"github.com/user/resumechat/internal/reconcile"
	"github.com/user/resumechat/internal/render"
	"github.com/user/resumechat/internal/report"
	"github.com/user/resumechat/internal/retry"
	"github.com/user/resumechat/internal/types"
)

const maxTelegramMessage = 4096

// historyBudget bounds /show output in tokens.
const historyBudget = 800

// sender is the part of the bot API the adapter writes through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter lets a Telegram chat drive a conversation. Each chat is bound to
// one conversation at a time.
type Adapter struct {
	api        *tgbotapi.BotAPI
	bot        sender
	store      *conversation.Store
	dispatcher *dispatch.Dispatcher
	reports    types.ReportStore
	counter    *render.Counter
	retry      *retry.Policy
	useAgent   bool

	mu    sync.Mutex
	chats map[int64]types.ConversationID
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithReports keeps a copy of every report sent.
func WithReports(reports types.ReportStore) Option {
	return func(a *Adapter) { a.reports = reports }
}

// WithAgentDefault sets the agent mode for messages sent from Telegram.
func WithAgentDefault(useAgent bool) Option {
	return func(a *Adapter) { a.useAgent = useAgent }
}

// New creates a Telegram adapter.
func New(token string, store *conversation.Store, d *dispatch.Dispatcher, opts ...Option) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, store, d, opts...)
	a.api = bot
	return a, nil
}

func newAdapter(bot sender, store *conversation.Store, d *dispatch.Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		bot:        bot,
		store:      store,
		dispatcher: d,
		counter:    render.NewCounter("gpt-4"),
		retry:      retry.ExponentialPolicy(),
		chats:      make(map[int64]types.ConversationID),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.api.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends message to the chat named by target. It serves the
// "telegram" delivery scheme.
func (a *Adapter) Deliver(target, message string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", target, err)
	}
	return a.send(context.Background(), chatID, message)
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	id, err := a.boundOrCreate(ctx, chatID)
	if err != nil {
		slog.Error("telegram create conversation", "chat_id", chatID, "error", err)
		a.reply(ctx, chatID, "Sorry, I could not start a conversation.")
		return
	}

	a.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	_, err = a.dispatcher.Submit(id, msg.Text, a.useAgent,
		dispatch.WithSource("telegram"),
		dispatch.WithOnComplete(func(job *dispatch.Job) {
			a.reply(ctx, chatID, replyText(job))
		}),
	)
	if err != nil {
		slog.Error("telegram submit", "chat_id", chatID, "conversation_id", id, "error", err)
		a.reply(ctx, chatID, "Sorry, I encountered an error processing your message.")
	}
}

// replyText is what the chat sees once a send has finished.
func replyText(job *dispatch.Job) string {
	switch {
	case errors.Is(job.Err, conversation.ErrEmptyMessage):
		return "Please type a message."
	case job.Err != nil:
		return "Sorry, the message could not be sent: " + job.Err.Error()
	case job.Outcome.Status == reconcile.Cancelled:
		return "Cancelled."
	default:
		return job.Outcome.Reply.Content
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	arg := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		a.reply(ctx, chatID, conversation.Greeting+"\n\nCommands: /new, /list, /use, /show, /star, /report, /cancel, /delete")

	case "new":
		conv, err := a.store.CreateConversation(ctx, "", arg)
		if err != nil {
			a.reply(ctx, chatID, "Could not create a conversation: "+err.Error())
			return
		}
		a.bind(chatID, conv.ID)
		a.reply(ctx, chatID, conv.Messages[0].Content)

	case "list":
		convs, err := a.store.ListConversations(ctx)
		if err != nil && len(convs) == 0 {
			a.reply(ctx, chatID, "Could not load conversations: "+err.Error())
			return
		}
		a.reply(ctx, chatID, formatList(convs, a.bound(chatID), time.Now()))

	case "use":
		if arg == "" {
			a.reply(ctx, chatID, "Usage: /use <conversation id>")
			return
		}
		id := types.ConversationID(arg)
		if err := a.store.SelectConversation(ctx, id); err != nil {
			a.reply(ctx, chatID, "Unknown conversation.")
			return
		}
		a.bind(chatID, id)
		a.reply(ctx, chatID, "Switched to "+arg)

	case "show":
		a.withConversation(ctx, chatID, func(conv types.Conversation) {
			var buf bytes.Buffer
			if err := render.Transcript(&buf, conv, render.Options{Counter: a.counter, Budget: historyBudget}); err != nil {
				a.reply(ctx, chatID, "Could not render the conversation.")
				return
			}
			a.reply(ctx, chatID, buf.String())
		})

	case "star":
		a.withConversation(ctx, chatID, func(conv types.Conversation) {
			starred, err := a.store.ToggleStar(conv.ID)
			if err != nil {
				a.reply(ctx, chatID, "Could not star the conversation.")
				return
			}
			if starred {
				a.reply(ctx, chatID, "Starred.")
			} else {
				a.reply(ctx, chatID, "Unstarred.")
			}
		})

	case "report":
		a.withConversation(ctx, chatID, func(conv types.Conversation) {
			if a.store.IsGeneratingReport(conv.ID) {
				a.reply(ctx, chatID, "The report is still being generated.")
				return
			}
			body, _, err := report.Export(ctx, a.reports, conv, report.FormatMarkdown, time.Now())
			if errors.Is(err, report.ErrNoAnalysis) {
				a.reply(ctx, chatID, "No analysis in this conversation yet.")
				return
			}
			if body == nil {
				a.reply(ctx, chatID, "Could not build the report.")
				return
			}
			a.reply(ctx, chatID, string(body))
		})

	case "cancel":
		if id := a.bound(chatID); id == "" || !a.store.CancelSend(id) {
			a.reply(ctx, chatID, "Nothing to cancel.")
		}

	case "delete":
		a.withConversation(ctx, chatID, func(conv types.Conversation) {
			if err := a.store.DeleteConversation(ctx, conv.ID); err != nil {
				a.reply(ctx, chatID, "Delete failed: "+err.Error())
				return
			}
			a.unbind(chatID)
			a.reply(ctx, chatID, "Deleted.")
		})

	default:
		a.reply(ctx, chatID, "Unknown command. Available: /start, /new, /list, /use, /show, /star, /report, /cancel, /delete")
	}
}

func (a *Adapter) withConversation(ctx context.Context, chatID int64, fn func(types.Conversation)) {
	id := a.bound(chatID)
	if id == "" {
		a.reply(ctx, chatID, "No conversation yet. Send a message or use /new.")
		return
	}
	conv, err := a.store.Conversation(ctx, id)
	if err != nil {
		a.unbind(chatID)
		a.reply(ctx, chatID, "That conversation no longer exists. Send a message or use /new.")
		return
	}
	fn(conv)
}

func (a *Adapter) bound(chatID int64) types.ConversationID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats[chatID]
}

func (a *Adapter) bind(chatID int64, id types.ConversationID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats[chatID] = id
}

func (a *Adapter) unbind(chatID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.chats, chatID)
}

func (a *Adapter) boundOrCreate(ctx context.Context, chatID int64) (types.ConversationID, error) {
	if id := a.bound(chatID); id != "" {
		if _, err := a.store.Conversation(ctx, id); err == nil {
			return id, nil
		}
	}
	conv, err := a.store.CreateConversation(ctx, "Telegram "+strconv.FormatInt(chatID, 10), "")
	if err != nil {
		return "", err
	}
	a.bind(chatID, conv.ID)
	return conv.ID, nil
}

func formatList(convs []types.Conversation, current types.ConversationID, now time.Time) string {
	if len(convs) == 0 {
		return "No conversations."
	}
	var b strings.Builder
	for _, c := range convs {
		marker := "  "
		if c.ID == current {
			marker = "> "
		}
		star := ""
		if c.IsStarred {
			star = " *"
		}
		fmt.Fprintf(&b, "%s%s%s (%s)\n  /use %s\n", marker, c.Title, star, render.Ago(c.Timestamp, now), c.ID)
	}
	return b.String()
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	if err := a.send(ctx, chatID, text); err != nil {
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) send(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		err := a.retry.Execute(ctx, func(ctx context.Context) error {
			msg := tgbotapi.NewMessage(chatID, part)
			msg.ParseMode = tgbotapi.ModeMarkdown
			if _, err := a.bot.Send(msg); err != nil {
				// Retry without markdown if it fails
				msg.ParseMode = ""
				_, err = a.bot.Send(msg)
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
