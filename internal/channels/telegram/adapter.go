// Package telegram implements the Telegram channel adapter on top of the
// go-telegram/bot long-polling client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/haasonsaas/banter/internal/turns"
	"github.com/haasonsaas/banter/pkg/models"
)

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from BotFather (required).
	Token string

	// ReconnectDelay is the pause between reconnection attempts.
	// Default: 5s
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds reconnection before giving up.
	// Default: 10
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults in place.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram: token is required")
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// noticeTexts is the adapter's wording for each notice category.
var noticeTexts = map[turns.NoticeKind]string{
	turns.NoticeBusy:     "hang on, one thing at a time. I'll get to that",
	turns.NoticeTimeout:  "that one took too long, sorry. try again?",
	turns.NoticeError:    "something went wrong on my end, try again in a bit",
	turns.NoticeStuck:    "I went around in circles on that one and gave up",
	turns.NoticeDegraded: "I keep drawing blanks right now, try me again later",
}

// Adapter implements channels.Adapter for Telegram and turns.Output for
// delivering responses.
type Adapter struct {
	config   Config
	bot      *bot.Bot
	messages chan *models.Message
	logger   *slog.Logger

	botID       int64
	botUsername string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	connected bool
}

// NewAdapter creates a Telegram adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:   config,
		messages: make(chan *models.Message, 100),
		logger:   config.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	a.bot = b

	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: getMe failed: %w", err)
	}
	a.botID = me.ID
	a.botUsername = me.Username

	a.wg.Add(1)
	go a.runWithReconnection(ctx)

	a.logger.Info("telegram adapter started", "username", a.botUsername)
	return nil
}

// runWithReconnection drives the long-polling loop, reconnecting with a
// fixed delay until the attempt budget runs out.
func (a *Adapter) runWithReconnection(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.messages)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			a.setConnected(false)
			a.logger.Info("telegram adapter stopped")
			return
		default:
		}

		a.setConnected(true)
		a.bot.Start(ctx)
		a.setConnected(false)

		if ctx.Err() != nil {
			return
		}

		attempts++
		if attempts >= a.config.MaxReconnectAttempts {
			a.logger.Error("max reconnection attempts reached, stopping adapter")
			return
		}
		a.logger.Warn("polling ended unexpectedly, reconnecting",
			"attempt", attempts, "delay", a.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.config.ReconnectDelay):
		}
	}
}

// Stop shuts the adapter down and waits for the polling loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop timeout: %w", ctx.Err())
	}
}

// Messages implements channels.Adapter.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelTelegram
}

// Connected reports whether the polling loop is running.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) setConnected(connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = connected
}

// handleUpdate converts inbound updates to the unified format. The send never
// blocks the polling loop; a full buffer drops the update.
func (a *Adapter) handleUpdate(_ context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	if update.Message.From.ID == a.botID {
		return
	}

	msg := a.convertMessage(update.Message)
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping message", "chat_id", msg.ChatID)
	}
}

// convertMessage maps a Telegram message into the unified message format.
func (a *Adapter) convertMessage(m *tgmodels.Message) *models.Message {
	content := m.Text
	if content == "" {
		content = m.Caption
	}

	msg := &models.Message{
		ID:         strconv.Itoa(m.ID),
		Channel:    models.ChannelTelegram,
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		SenderName: senderName(m.From),
		Role:       models.RoleUser,
		Content:    content,
		CreatedAt:  time.Unix(int64(m.Date), 0),
	}

	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		msg.ReplyToBot = m.ReplyToMessage.From.ID == a.botID
	}

	if len(m.Photo) > 0 {
		// Telegram sends every resolution; the last entry is the largest.
		photo := m.Photo[len(m.Photo)-1]
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:     photo.FileUniqueID,
			Type:   "image",
			FileID: photo.FileID,
		})
	}
	if m.Voice != nil {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:       m.Voice.FileUniqueID,
			Type:     "audio",
			FileID:   m.Voice.FileID,
			MimeType: m.Voice.MimeType,
		})
	}
	if m.Document != nil {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:       m.Document.FileUniqueID,
			Type:     "document",
			FileID:   m.Document.FileID,
			MimeType: m.Document.MimeType,
		})
	}
	if m.Sticker != nil {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:     m.Sticker.FileUniqueID,
			Type:   "sticker",
			FileID: m.Sticker.FileID,
		})
	}

	return msg
}

func senderName(u *tgmodels.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}

// Render implements turns.Output.
func (a *Adapter) Render(ctx context.Context, turn *models.Turn, text string) error {
	chatID, err := parseChatID(turn.ChatID)
	if err != nil {
		return err
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: failed to send message: %w", err)
	}
	return nil
}

// RenderNotice implements turns.Output.
func (a *Adapter) RenderNotice(ctx context.Context, turn *models.Turn, kind turns.NoticeKind) error {
	text, ok := noticeTexts[kind]
	if !ok {
		text = noticeTexts[turns.NoticeError]
	}
	return a.Render(ctx, turn, text)
}

// SendSticker implements turns.Output.
func (a *Adapter) SendSticker(ctx context.Context, turn *models.Turn, sticker *models.Attachment) error {
	chatID, err := parseChatID(turn.ChatID)
	if err != nil {
		return err
	}
	_, err = a.bot.SendSticker(ctx, &bot.SendStickerParams{
		ChatID:  chatID,
		Sticker: &tgmodels.InputFileString{Data: sticker.FileID},
	})
	if err != nil {
		return fmt.Errorf("telegram: failed to send sticker: %w", err)
	}
	return nil
}

// FileURL resolves a Telegram file ID to a download URL. The view_media
// tool uses this to pull attachments into the model's context.
func (a *Adapter) FileURL(ctx context.Context, fileID string) (string, error) {
	file, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("telegram: getFile failed: %w", err)
	}
	return a.bot.FileDownloadLink(file), nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	return id, nil
}
