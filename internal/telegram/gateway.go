// Package telegram delivers bridge notifications through the Telegram Bot
// API using long polling.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/agent-command/bridged/internal/notify"
)

const pollTimeoutSeconds = 30

// botAPI is the subset of *tgbotapi.BotAPI the gateway needs.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Gateway sends every notification to a single chat. The operator identity
// reported on events is the chat id in decimal.
type Gateway struct {
	bot       botAPI
	chatID    int64
	log       zerolog.Logger
	listening atomic.Bool
}

func New(token string, chatID int64, log zerolog.Logger) (*Gateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Int64("chat_id", chatID).Msg("telegram bot authorized")
	return newGateway(bot, chatID, log), nil
}

func newGateway(bot botAPI, chatID int64, log zerolog.Logger) *Gateway {
	return &Gateway{bot: bot, chatID: chatID, log: log.With().Str("component", "telegram").Logger()}
}

// Operator returns the identity events from the configured chat carry.
func (g *Gateway) Operator() string {
	return strconv.FormatInt(g.chatID, 10)
}

func (g *Gateway) Send(ctx context.Context, n notify.Notification) (notify.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := n.Render()
	msg := tgbotapi.NewMessage(g.chatID, r.Text)
	if kb, ok := keyboard(r.Controls); ok {
		msg.ReplyMarkup = kb
	}
	sent, err := g.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", n.Kind(), err)
	}
	chatID := g.chatID
	if sent.Chat != nil {
		chatID = sent.Chat.ID
	}
	return formatRef(chatID, sent.MessageID), nil
}

// Update edits the message in place. Controls missing from the new rendering
// are removed from the message.
func (g *Gateway) Update(ctx context.Context, ref notify.MessageRef, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, messageID, err := parseRef(ref)
	if err != nil {
		return err
	}
	r := n.Render()
	edit := tgbotapi.NewEditMessageText(chatID, messageID, r.Text)
	if kb, ok := keyboard(r.Controls); ok {
		edit.ReplyMarkup = &kb
	}
	if _, err := g.bot.Request(edit); err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("update %s %s: %w", n.Kind(), ref, err)
	}
	return nil
}

func (g *Gateway) Listen(ctx context.Context) (<-chan notify.Event, error) {
	if !g.listening.CompareAndSwap(false, true) {
		return nil, notify.ErrAlreadyListening
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := g.bot.GetUpdatesChan(u)

	out := make(chan notify.Event)
	go func() {
		defer close(out)
		defer g.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				ev, ok := g.convert(update)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (g *Gateway) convert(update tgbotapi.Update) (notify.Event, bool) {
	if cq := update.CallbackQuery; cq != nil {
		// Stop the client spinner whatever happens to the event next.
		if _, err := g.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			g.log.Debug().Err(err).Msg("answer callback query")
		}
		control, err := notify.ParseControl(cq.Data)
		if err != nil {
			g.log.Warn().Err(err).Msg("ignoring callback")
			return notify.Event{}, false
		}
		ev := notify.Event{Kind: notify.EventControl, Control: control}
		if cq.Message != nil && cq.Message.Chat != nil {
			ev.Operator = strconv.FormatInt(cq.Message.Chat.ID, 10)
			ev.Ref = formatRef(cq.Message.Chat.ID, cq.Message.MessageID)
		} else if cq.From != nil {
			ev.Operator = strconv.FormatInt(cq.From.ID, 10)
		}
		return ev, true
	}

	if m := update.Message; m != nil && m.Chat != nil && m.Text != "" {
		return notify.Event{
			Kind:     notify.EventText,
			Operator: strconv.FormatInt(m.Chat.ID, 10),
			Text:     m.Text,
		}, true
	}
	return notify.Event{}, false
}

// keyboard lays out controls two per row.
func keyboard(controls []notify.Control) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(controls) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(controls); i += 2 {
		var row []tgbotapi.InlineKeyboardButton
		for _, c := range controls[i:min(i+2, len(controls))] {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data()))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func formatRef(chatID int64, messageID int) notify.MessageRef {
	return notify.MessageRef(fmt.Sprintf("%d:%d", chatID, messageID))
}

func parseRef(ref notify.MessageRef) (int64, int, error) {
	chat, msg, ok := strings.Cut(string(ref), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed telegram message ref %q", ref)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed telegram message ref %q: %w", ref, err)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed telegram message ref %q: %w", ref, err)
	}
	return chatID, messageID, nil
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
