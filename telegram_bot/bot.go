package telegram_bot

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xuiportal/common"
)

// Admin операции портала, доступные администратору из бота
type Admin interface {
	Boards() []string
	UserTraffic(ctx context.Context, email string) (*common.User, common.TrafficUsage, error)
	RefreshToken(ctx context.Context, email string) (string, error)
	RunMonitor(ctx context.Context) error
}

// Bot административный бот портала
type Bot struct {
	API     *tgbotapi.BotAPI
	sender  Sender
	admin   Admin
	adminID int64
	timeout time.Duration
}

// NewBot авторизует бота по токену. Команды обрабатываются после Start.
func NewBot(token string, adminID int64) (*Bot, error) {
	log.Printf("TELEGRAM_BOT: Инициализация Telegram бота")

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	log.Printf("TELEGRAM_BOT: Авторизован как @%s", api.Self.UserName)

	bot := newBot(api, adminID, nil)
	bot.API = api
	return bot, nil
}

func newBot(sender Sender, adminID int64, admin Admin) *Bot {
	return &Bot{sender: sender, admin: admin, adminID: adminID, timeout: 2 * time.Minute}
}

// Start обрабатывает обновления до отмены контекста
func (b *Bot) Start(ctx context.Context, admin Admin) {
	b.admin = admin
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.API.GetUpdatesChan(u)
	log.Printf("TELEGRAM_BOT: Запущен канал обновлений Telegram")

	for {
		select {
		case <-ctx.Done():
			b.API.StopReceivingUpdates()
			log.Printf("TELEGRAM_BOT: Бот остановлен")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				b.HandleMessage(ctx, update.Message)
			}
		}
	}
}

// HandleMessage выполняет команду администратора. Сообщения остальных пользователей игнорируются.
func (b *Bot) HandleMessage(ctx context.Context, message *tgbotapi.Message) {
	if b.admin == nil || message.From == nil || message.From.ID != b.adminID || b.adminID == 0 {
		return
	}
	if !message.IsCommand() {
		return
	}
	log.Printf("TELEGRAM_BOT: Команда администратора /%s", message.Command())

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var text string
	switch message.Command() {
	case "start", "status":
		text = b.statusText()
	case "traffic":
		text = b.trafficText(ctx, strings.TrimSpace(message.CommandArguments()))
	case "refresh":
		text = b.refreshText(ctx, strings.TrimSpace(message.CommandArguments()))
	case "check":
		if err := b.admin.RunMonitor(ctx); err != nil {
			text = fmt.Sprintf("❌ Проверка завершилась с ошибкой:\n<code>%s</code>", html.EscapeString(err.Error()))
		} else {
			text = "✅ Проверка трафика выполнена"
		}
	default:
		text = "Неизвестная команда. Доступны: /status, /traffic email, /refresh email, /check"
	}
	b.reply(message.Chat.ID, text)
}

func (b *Bot) statusText() string {
	boards := b.admin.Boards()
	if len(boards) == 0 {
		return "⚠️ Нет настроенных панелей"
	}
	escaped := make([]string, len(boards))
	for i, board := range boards {
		escaped[i] = html.EscapeString(board)
	}
	return fmt.Sprintf("🖥 <b>Панели (%d)</b>\n\n%s", len(boards), strings.Join(escaped, "\n"))
}

func (b *Bot) trafficText(ctx context.Context, email string) string {
	if email == "" {
		return "Использование: /traffic email"
	}
	user, usage, err := b.admin.UserTraffic(ctx, email)
	if user == nil {
		return fmt.Sprintf("❌ Пользователь <code>%s</code> не найден", html.EscapeString(email))
	}
	text := fmt.Sprintf("📊 <b>%s</b>\n\n⬆️ %s\n⬇️ %s\nВсего: %s",
		html.EscapeString(user.Email), common.FormatTraffic(usage.Up), common.FormatTraffic(usage.Down), common.FormatTraffic(usage.Total))
	if err != nil {
		text += fmt.Sprintf("\n\n⚠️ Часть узлов недоступна, значение занижено:\n<code>%s</code>", html.EscapeString(err.Error()))
	}
	return text
}

func (b *Bot) refreshText(ctx context.Context, email string) string {
	if email == "" {
		return "Использование: /refresh email"
	}
	token, err := b.admin.RefreshToken(ctx, email)
	if token == "" {
		return fmt.Sprintf("❌ Токен не обновлен: <code>%s</code>", html.EscapeString(errText(err)))
	}
	text := fmt.Sprintf("🔑 Новый токен подписки <code>%s</code>:\n<code>%s</code>", html.EscapeString(email), html.EscapeString(token))
	if err != nil {
		text += fmt.Sprintf("\n\n⚠️ Ключи обновлены не на всех узлах:\n<code>%s</code>", html.EscapeString(err.Error()))
	}
	return text
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.sender.Send(msg); err != nil {
		log.Printf("TELEGRAM_BOT: Ошибка отправки ответа: %v", err)
	}
}

func errText(err error) string {
	if err == nil {
		return "неизвестная ошибка"
	}
	return err.Error()
}

// SetBotCommands устанавливает команды бота в боковом меню
func SetBotCommands(bot *tgbotapi.BotAPI) error {
	log.Printf("TELEGRAM_BOT: Настройка команд бота")

	commands := []tgbotapi.BotCommand{
		{Command: "status", Description: "🖥 Подключенные панели"},
		{Command: "traffic", Description: "📊 Трафик пользователя по email"},
		{Command: "refresh", Description: "🔑 Новый токен подписки пользователя"},
		{Command: "check", Description: "🔄 Запустить проверку трафика"},
	}

	if _, err := bot.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		log.Printf("TELEGRAM_BOT: Ошибка настройки команд: %v", err)
		return err
	}
	log.Printf("TELEGRAM_BOT: Команды бота успешно настроены")
	return nil
}
