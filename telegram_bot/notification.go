package telegram_bot

import (
	"fmt"
	"html"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xuiportal/common"
)

// Sender отправка сообщений, реализуется *tgbotapi.BotAPI
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NotificationManager отправляет администратору уведомления о событиях сверки трафика
type NotificationManager struct {
	bot     Sender
	adminID int64
}

// NewNotificationManager создает менеджер уведомлений администратора
func NewNotificationManager(bot Sender, adminID int64) *NotificationManager {
	return &NotificationManager{
		bot:     bot,
		adminID: adminID,
	}
}

// UserDisabled сообщает об отключении пользователя на узлах
func (nm *NotificationManager) UserDisabled(user *common.User, reason string, used, quota int64) {
	text := fmt.Sprintf("🚫 <b>Пользователь отключен</b>\n\n"+
		"Email: <code>%s</code>\nПричина: %s\nТрафик: %s из %s",
		html.EscapeString(user.Email), reasonText(reason), common.FormatTraffic(used), common.FormatTraffic(quota))
	nm.send(text)
}

// UserEnabled сообщает о повторном включении пользователя
func (nm *NotificationManager) UserEnabled(user *common.User) {
	text := fmt.Sprintf("✅ <b>Пользователь включен</b>\n\nEmail: <code>%s</code>", html.EscapeString(user.Email))
	nm.send(text)
}

// ResetFailed сообщает о неудачном ежемесячном сбросе
func (nm *NotificationManager) ResetFailed(user *common.User, err error) {
	text := fmt.Sprintf("❌ <b>Ошибка сброса трафика</b>\n\n"+
		"Email: <code>%s</code>\nСброс будет повторен на следующей проверке.\n\n<code>%s</code>",
		html.EscapeString(user.Email), html.EscapeString(err.Error()))
	nm.send(text)
}

func (nm *NotificationManager) send(text string) {
	if nm == nil || nm.bot == nil || nm.adminID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(nm.adminID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := nm.bot.Send(msg); err != nil {
		log.Printf("NOTIFICATION: Ошибка отправки уведомления администратору %d: %v", nm.adminID, err)
	}
}

func reasonText(reason string) string {
	switch reason {
	case common.DisableReasonTrafficExceeded:
		return "превышен лимит трафика"
	case common.DisableReasonPackageExpired:
		return "истек срок пакета"
	default:
		return reason
	}
}
