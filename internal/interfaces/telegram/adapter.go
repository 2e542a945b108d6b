package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/config"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
	"github.com/stocksage/stocksage/gateway/pkg/safego"
)

// typingRefresh keeps the "typing…" indicator alive; Telegram expires the
// chat action after about five seconds.
const typingRefresh = 4 * time.Second

// TurnRunner runs one chat turn to completion and returns the final answer.
type TurnRunner interface {
	Chat(ctx context.Context, req *service.TurnRequest) (*service.TurnResult, error)
}

// ConversationClearer resets a conversation. The store implements it.
type ConversationClearer interface {
	Clear(conversationID string) error
}

// Adapter is the Telegram chat surface: a long-polling bot where each
// incoming message runs one turn and the chat id doubles as the
// conversation id, so history follows the Telegram chat naturally.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	turns  TurnRunner
	convos ConversationClearer
	allow  map[int64]struct{}
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewAdapter(cfg config.TelegramConfig, turns TurnRunner, convos ConversationClearer, logger *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "telegram authorization failed", err)
	}

	var allow map[int64]struct{}
	if len(cfg.AllowIDs) > 0 {
		allow = make(map[int64]struct{}, len(cfg.AllowIDs))
		for _, id := range cfg.AllowIDs {
			allow[id] = struct{}{}
		}
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &Adapter{
		bot:    bot,
		turns:  turns,
		convos: convos,
		allow:  allow,
		logger: logger.With(zap.String("adapter", "telegram")),
	}, nil
}

// Start begins long polling. It returns immediately; updates are handled on
// background goroutines until Stop or ctx cancellation.
func (a *Adapter) Start(ctx context.Context) error {
	innerCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.setupCommands(); err != nil {
		a.logger.Warn("Failed to register bot commands", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.bot.GetUpdatesChan(u)

	a.logger.Info("Starting Telegram polling")

	safego.Go(a.logger, "telegram-poll", func() {
		for {
			select {
			case <-innerCtx.Done():
				a.bot.StopReceivingUpdates()
				a.logger.Info("Telegram adapter stopped")
				return
			case update := <-updates:
				upd := update
				safego.Go(a.logger, "telegram-update", func() {
					a.handleUpdate(innerCtx, upd)
				})
			}
		}
	})

	return nil
}

func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Adapter) setupCommands() error {
	cmds := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "clear", Description: "Reset the conversation"},
		tgbotapi.BotCommand{Command: "help", Description: "What this bot can do"},
	)
	_, err := a.bot.Request(cmds)
	return err
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	if !a.allowed(msg.From.ID) {
		a.logger.Warn("Unauthorized Telegram user",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int64("user_id", msg.From.ID),
			zap.String("username", msg.From.UserName),
		)
		return
	}

	if msg.IsCommand() {
		a.handleCommand(msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	a.runTurn(ctx, msg.Chat.ID, msg.From.ID, text)
}

func (a *Adapter) allowed(userID int64) bool {
	if a.allow == nil {
		return true
	}
	_, ok := a.allow[userID]
	return ok
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendPlain(chatID, "Hi! Ask me about stocks: quotes, history, news, or where a price might be headed. Use /clear to start over.")
	case "help":
		a.sendPlain(chatID, "Send a question in plain language, for example:\n"+
			"\"How is NVDA doing today?\"\n"+
			"\"Compare AAPL and MSFT over the last month\"\n"+
			"\"Any news moving TSLA?\"\n\n"+
			"/clear resets the conversation.")
	case "clear":
		if err := a.convos.Clear(conversationID(chatID)); err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				a.sendPlain(chatID, "Nothing to clear yet.")
				return
			}
			a.logger.Error("Failed to clear conversation", zap.Int64("chat_id", chatID), zap.Error(err))
			a.sendPlain(chatID, "Could not clear the conversation, try again.")
			return
		}
		a.sendPlain(chatID, "Conversation cleared.")
	default:
		a.sendPlain(chatID, "Unknown command. Try /help.")
	}
}

// conversationID maps a Telegram chat onto the gateway's conversation space.
func conversationID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (a *Adapter) runTurn(ctx context.Context, chatID, userID int64, prompt string) {
	stopTyping := a.typeWhileRunning(chatID)
	defer stopTyping()

	result, err := a.turns.Chat(ctx, &service.TurnRequest{
		ConversationID: conversationID(chatID),
		UserID:         strconv.FormatInt(userID, 10),
		Prompt:         prompt,
	})
	if err != nil {
		a.logger.Warn("Telegram turn failed",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
		a.sendPlain(chatID, apperrors.SafeMessage(err))
		return
	}

	a.sendAnswer(chatID, result.Answer)
}

// typeWhileRunning shows the typing indicator until the returned stop
// function is called.
func (a *Adapter) typeWhileRunning(chatID int64) func() {
	stop := make(chan struct{})
	safego.Go(a.logger, "telegram-typing", func() {
		a.sendTyping(chatID)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.sendTyping(chatID)
			}
		}
	})
	return func() { close(stop) }
}

func (a *Adapter) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := a.bot.Request(action); err != nil {
		a.logger.Debug("Typing action failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// sendAnswer renders the markdown answer to Telegram HTML and delivers it,
// split into messages that respect the 4096-character limit. Chunking happens
// on the markdown, before rendering, so every message carries well-formed
// tags.
func (a *Adapter) sendAnswer(chatID int64, markdown string) {
	for _, chunk := range chunkMarkdown(markdown, chunkBudget) {
		rendered := MarkdownToHTML(chunk)
		if rendered == "" {
			continue
		}
		if len(rendered) > messageLimit {
			// Escaping pushed it past the limit; the raw chunk still fits.
			a.sendPlain(chatID, chunk)
			continue
		}
		a.sendHTML(chatID, rendered, chunk)
	}
}

// sendHTML sends one HTML-formatted message, falling back to the plain
// markdown source if Telegram rejects the entities.
func (a *Adapter) sendHTML(chatID int64, html, fallback string) {
	msg := tgbotapi.NewMessage(chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := a.bot.Send(msg); err != nil {
		if strings.Contains(err.Error(), "can't parse entities") {
			a.logger.Warn("HTML rendering rejected, sending plain text",
				zap.Int64("chat_id", chatID),
				zap.Error(err),
			)
			a.sendPlain(chatID, fallback)
			return
		}
		a.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (a *Adapter) sendPlain(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := a.bot.Send(msg); err != nil {
		a.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
