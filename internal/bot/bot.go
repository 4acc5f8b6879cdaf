package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/zette-dev/kurocha/internal/config"
	"github.com/zette-dev/kurocha/internal/logger"
	"github.com/zette-dev/kurocha/internal/session"
	"github.com/zette-dev/kurocha/internal/workspace"
)

const (
	maxMessageLen = 4096

	continuePrefix = "continue:"
	continuePrompt = "OK, continue."
	busyReply      = "Still working on the previous request. Please wait until it finishes."
)

// messenger is the subset of the Telegram API the bot uses. *bot.Bot
// implements it.
type messenger interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	EditMessageReplyMarkup(ctx context.Context, params *bot.EditMessageReplyMarkupParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Orchestrator runs conversation turns. *session.Manager implements it.
type Orchestrator interface {
	HandleTurn(ctx context.Context, sess session.ChatSession, prompt string, turn session.TurnOptions) (string, error)
	State() session.State
	SessionID() string
}

// Workspaces is the workspace manager as seen by chat commands.
type Workspaces interface {
	Current() workspace.Workspace
	List() ([]workspace.Workspace, error)
	Create(name string) (workspace.Workspace, error)
	Switch(name string) (workspace.Workspace, error)
	Has(name string) bool
}

// pendingApproval remembers which user message an approval request answers,
// so Continue can reply in the same thread.
type pendingApproval struct {
	chatID    int64
	messageID int // message carrying the Continue button
	originID  int // user message that started the turn
}

// Bot wraps the Telegram bot and routes messages to the orchestrator.
type Bot struct {
	bot     *bot.Bot
	api     messenger
	orch    Orchestrator
	ws      Workspaces
	editIvl time.Duration
	allowed map[int64]bool
	users   []int64
	log     *logger.Logger

	mu      sync.Mutex
	pending map[string]pendingApproval

	turns sync.WaitGroup
}

// New creates a Telegram bot wired to the given orchestrator.
func New(cfg config.TelegramConfig, editInterval time.Duration, orch Orchestrator, ws Workspaces, log *logger.Logger) (*Bot, error) {
	b := newBot(nil, cfg.AllowedUserIDs, editInterval, orch, ws, log)

	opts := []bot.Option{
		bot.WithMiddlewares(b.authMiddleware),
		bot.WithDefaultHandler(b.handleMessage),
	}

	tgBot, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	tgBot.RegisterHandlerMatchFunc(matchCommand("workspace"), b.handleWorkspace)
	tgBot.RegisterHandlerMatchFunc(matchCommand("new"), b.handleNew)
	tgBot.RegisterHandlerMatchFunc(matchCommand("status"), b.handleStatus)
	tgBot.RegisterHandler(bot.HandlerTypeCallbackQueryData, continuePrefix, bot.MatchTypePrefix, b.handleContinue)

	b.bot = tgBot
	b.api = tgBot
	return b, nil
}

func newBot(api messenger, allowedUsers []int64, editInterval time.Duration, orch Orchestrator, ws Workspaces, log *logger.Logger) *Bot {
	allowed := make(map[int64]bool, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = true
	}
	return &Bot{
		api:     api,
		orch:    orch,
		ws:      ws,
		editIvl: editInterval,
		allowed: allowed,
		users:   allowedUsers,
		log:     log.WithFields(zap.String("component", "telegram")),
		pending: make(map[string]pendingApproval),
	}
}

// Start begins long polling. Blocks until ctx is cancelled and every
// running turn has returned.
func (b *Bot) Start(ctx context.Context) {
	b.log.Info("telegram bot starting long poll")
	b.bot.Start(ctx)
	b.turns.Wait()
}

// Notify sends text to every allowed user.
func (b *Bot) Notify(ctx context.Context, text string) {
	for _, id := range b.users {
		b.send(ctx, id, text)
	}
}

// ClearPendingApprovals forgets every outstanding Continue button.
func (b *Bot) ClearPendingApprovals() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.pending)
}

// authMiddleware silently drops updates from unauthorized users.
func (b *Bot) authMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		var userID int64
		switch {
		case update.Message != nil && update.Message.From != nil:
			userID = update.Message.From.ID
		case update.CallbackQuery != nil:
			userID = update.CallbackQuery.From.ID
		default:
			return
		}
		if !b.allowed[userID] {
			b.log.Warn("unauthorized update", zap.Int64("user_id", userID))
			return
		}
		next(ctx, tg, update)
	}
}

// handleMessage treats any non-command text as a prompt.
func (b *Bot) handleMessage(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message

	// A reply while awaiting approval supersedes the outstanding Continue buttons.
	if b.orch.State() == session.StateAwaitingApproval {
		b.ClearPendingApprovals()
	}

	b.startTurn(ctx, msg.Chat.ID, msg.ID, msg.Text, session.TurnOptions{})
}

func (b *Bot) handleNew(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message

	prompt := strings.TrimSpace(commandArgs(msg.Text))
	if prompt == "" {
		b.reply(ctx, msg.Chat.ID, msg.ID, "Usage: /new <prompt>")
		return
	}
	b.ClearPendingApprovals()
	b.startTurn(ctx, msg.Chat.ID, msg.ID, prompt, session.TurnOptions{NewSession: true})
}

func (b *Bot) handleStatus(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	sessionID := b.orch.SessionID()
	if sessionID == "" {
		sessionID = "(none)"
	}
	current := b.ws.Current()
	text := fmt.Sprintf("State: %s\nSession: %s\nWorkspace: %s\nPath: %s",
		b.orch.State(), sessionID, current.Name, current.Path)
	b.reply(ctx, update.Message.Chat.ID, update.Message.ID, text)
}

// handleContinue resumes the conversation after the user pressed Continue.
func (b *Bot) handleContinue(ctx context.Context, _ *bot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	if cq == nil {
		return
	}
	handle := strings.TrimPrefix(cq.Data, continuePrefix)

	b.mu.Lock()
	approval, ok := b.pending[handle]
	delete(b.pending, handle)
	b.mu.Unlock()

	if !ok {
		b.answer(ctx, cq.ID, "This request is no longer pending.")
		return
	}
	b.answer(ctx, cq.ID, "")

	if _, err := b.api.EditMessageReplyMarkup(ctx, &bot.EditMessageReplyMarkupParams{
		ChatID:      approval.chatID,
		MessageID:   approval.messageID,
		ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{}},
	}); err != nil {
		b.log.Debug("remove continue button failed", zap.Error(err))
	}

	b.startTurn(ctx, approval.chatID, approval.originID, continuePrompt, session.TurnOptions{})
}

// startTurn runs one turn in the background so the update loop stays free
// to reject concurrent messages as busy.
func (b *Bot) startTurn(ctx context.Context, chatID int64, replyTo int, prompt string, turn session.TurnOptions) {
	b.turns.Add(1)
	go func() {
		defer b.turns.Done()
		b.runTurn(ctx, chatID, replyTo, prompt, turn)
	}()
}

func (b *Bot) runTurn(ctx context.Context, chatID int64, replyTo int, prompt string, turn session.TurnOptions) {
	if _, err := b.api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	}); err != nil {
		b.log.Debug("send chat action failed", zap.Error(err))
	}

	sess := b.newChatSession(chatID, replyTo)
	sessionID, err := b.orch.HandleTurn(ctx, sess, prompt, turn)
	if errors.Is(err, session.ErrBusy) {
		b.reply(ctx, chatID, replyTo, busyReply)
		return
	}
	if err != nil {
		// Already reported to the chat by the session handler.
		b.log.Error("turn failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	b.log.Info("turn finished", zap.Int64("chat_id", chatID), zap.String("session_id", sessionID))
}

// addPending records an approval request under its callback handle.
func (b *Bot) addPending(handle string, p pendingApproval) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[handle] = p
}

func (b *Bot) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   truncateRunes(text, maxMessageLen),
	}); err != nil {
		b.log.Error("send message failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, replyTo int, text string) {
	if _, err := b.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          chatID,
		Text:            truncateRunes(text, maxMessageLen),
		ReplyParameters: replyParams(replyTo),
	}); err != nil {
		b.log.Error("send reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if _, err := b.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	}); err != nil {
		b.log.Debug("answer callback failed", zap.Error(err))
	}
}

func replyParams(messageID int) *models.ReplyParameters {
	if messageID == 0 {
		return nil
	}
	return &models.ReplyParameters{MessageID: messageID}
}

// commandArgs strips the leading /command (and any @botname) from text.
// matchCommand matches messages whose first word is /name, optionally
// addressed as /name@botname.
func matchCommand(name string) bot.MatchFunc {
	return func(update *models.Update) bool {
		return update.Message != nil && isCommand(update.Message.Text, name)
	}
}

func isCommand(text, name string) bool {
	word := strings.TrimSpace(text)
	if i := strings.IndexAny(word, " \n\t"); i >= 0 {
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return word == "/"+name
}

func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	if i := strings.IndexAny(text, " \n\t"); i >= 0 {
		return text[i+1:]
	}
	return ""
}

// truncateRunes caps s at n runes, ending with "..." when cut.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for j := range s {
		if i == n-3 {
			return s[:j] + "..."
		}
		i++
	}
	return s
}

// splitRunes breaks s into chunks of at most n runes.
func splitRunes(s string, n int) []string {
	var chunks []string
	for s != "" {
		count := 0
		cut := len(s)
		for j := range s {
			if count == n {
				cut = j
				break
			}
			count++
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return chunks
}
