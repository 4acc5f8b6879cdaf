package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zette-dev/kurocha/internal/session"
)

// chatSession renders one turn into a Telegram chat. Progress is shown in a
// single message edited in place; the final text replaces it.
type chatSession struct {
	b       *Bot
	chatID  int64
	replyTo int
	limiter *rate.Limiter

	mu         sync.Mutex
	progressID int
	lastText   string
	// pending is the newest update held back by the limiter; flush shows it
	// once the limiter allows.
	pending    string
	pendingCtx context.Context
	flush      *time.Timer
	done       bool
}

var _ session.ChatSession = (*chatSession)(nil)

func (b *Bot) newChatSession(chatID int64, replyTo int) *chatSession {
	limit := rate.Inf
	if b.editIvl > 0 {
		limit = rate.Every(b.editIvl)
	}
	return &chatSession{
		b:       b,
		chatID:  chatID,
		replyTo: replyTo,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// UpdateProgress shows text, holding back updates that arrive faster than
// the edit interval. Telegram rate limits message edits per chat. The newest
// held-back update is shown when the interval ends unless a final response
// arrives first.
func (s *chatSession) UpdateProgress(ctx context.Context, text, title string) error {
	if title != "" {
		text = title + "\n\n" + text
	}
	text = truncateRunes(text, maxMessageLen)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	if s.flush != nil {
		s.pending, s.pendingCtx = text, ctx
		return nil
	}
	if text == s.lastText {
		return nil
	}

	r := s.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		s.pending, s.pendingCtx = text, ctx
		s.flush = time.AfterFunc(delay, s.flushPending)
		return nil
	}
	return s.showProgress(ctx, text)
}

func (s *chatSession) flushPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flush = nil
	text, ctx := s.pending, s.pendingCtx
	s.pending, s.pendingCtx = "", nil
	if s.done || ctx == nil || text == s.lastText {
		return
	}
	if err := s.showProgress(ctx, text); err != nil {
		s.b.log.Warn("progress update failed", zap.Error(err))
	}
}

// showProgress must be called with mu held.
func (s *chatSession) showProgress(ctx context.Context, text string) error {
	if s.progressID == 0 {
		msg, err := s.b.api.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:          s.chatID,
			Text:            text,
			ReplyParameters: replyParams(s.replyTo),
		})
		if err != nil {
			return fmt.Errorf("send progress: %w", err)
		}
		s.progressID = msg.ID
	} else {
		if _, err := s.b.api.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    s.chatID,
			MessageID: s.progressID,
			Text:      text,
		}); err != nil {
			return fmt.Errorf("edit progress: %w", err)
		}
	}
	s.lastText = text
	return nil
}

func (s *chatSession) Complete(ctx context.Context, text string) error {
	if text == "" {
		text = "Done."
	}
	_, err := s.deliver(ctx, text, nil)
	return err
}

func (s *chatSession) Fail(ctx context.Context, err error) error {
	_, sendErr := s.deliver(ctx, "❌ Error: "+err.Error(), nil)
	return sendErr
}

// AwaitingInput shows the agent's plan with a Continue button. The user may
// press it or reply with new instructions.
func (s *chatSession) AwaitingInput(ctx context.Context, text string) error {
	if text == "" {
		text = "Waiting for your approval."
	}
	handle := uuid.NewString()
	markup := &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Continue", CallbackData: continuePrefix + handle},
		}},
	}

	msgID, err := s.deliver(ctx, text, markup)
	if err != nil {
		return err
	}

	s.b.addPending(handle, pendingApproval{
		chatID:    s.chatID,
		messageID: msgID,
		originID:  s.replyTo,
	})
	s.b.log.Debug("awaiting approval", zap.String("handle", handle), zap.Int("message_id", msgID))
	return nil
}

// deliver replaces the progress message with text, continuing in new
// messages when text exceeds Telegram's limit. markup goes on the last
// message, whose ID is returned.
func (s *chatSession) deliver(ctx context.Context, text string, markup models.ReplyMarkup) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = true
	if s.flush != nil {
		s.flush.Stop()
		s.flush = nil
	}
	s.pending, s.pendingCtx = "", nil

	chunks := splitRunes(text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{text}
	}

	var lastID int
	for i, chunk := range chunks {
		var rm models.ReplyMarkup
		if i == len(chunks)-1 {
			rm = markup
		}

		if i == 0 && s.progressID != 0 {
			if _, err := s.b.api.EditMessageText(ctx, &bot.EditMessageTextParams{
				ChatID:      s.chatID,
				MessageID:   s.progressID,
				Text:        chunk,
				ReplyMarkup: rm,
			}); err != nil {
				return 0, fmt.Errorf("edit message: %w", err)
			}
			lastID = s.progressID
			continue
		}

		params := &bot.SendMessageParams{
			ChatID:      s.chatID,
			Text:        chunk,
			ReplyMarkup: rm,
		}
		if i == 0 {
			params.ReplyParameters = replyParams(s.replyTo)
		}
		msg, err := s.b.api.SendMessage(ctx, params)
		if err != nil {
			return 0, fmt.Errorf("send message: %w", err)
		}
		lastID = msg.ID
	}

	s.lastText = text
	return lastID, nil
}
