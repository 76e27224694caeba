package common

import (
	"fmt"
	"strings"
	"time"
)

// Причины отключения пользователя на узлах
const (
	DisableReasonTrafficExceeded = "traffic_exceeded"
	DisableReasonPackageExpired  = "package_expired"
)

// ServerConfig описывает подключение к одной панели 3x-ui (борду)
type ServerConfig struct {
	ID        int64     `json:"id"`
	BoardName string    `json:"board_name"`
	Server    string    `json:"server"`
	Port      int       `json:"port"`
	Path      string    `json:"path"`
	SubPath   string    `json:"sub_path"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PanelURL возвращает базовый адрес API панели
func (s ServerConfig) PanelURL() string {
	return fmt.Sprintf("https://%s:%d/%s", s.Server, s.Port, strings.Trim(s.Path, "/"))
}

// SubscriptionURL возвращает базовый адрес подписок панели
func (s ServerConfig) SubscriptionURL() string {
	return fmt.Sprintf("https://%s:%d/%s", s.Server, s.Port, strings.Trim(s.SubPath, "/"))
}

// Package тарифный пакет с лимитом трафика
type Package struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	TotalTraffic int64         `json:"total_traffic"` // байты
	Nodes        []PackageNode `json:"nodes"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// PackageNode привязывает пакет к inbound на конкретной панели
type PackageNode struct {
	ID          int64     `json:"id"`
	PackageID   int64     `json:"package_id"`
	BoardName   string    `json:"board_name"`
	InboundID   int       `json:"inbound_id"`
	NodeName    string    `json:"node_name"` // только для отображения, может устареть
	TrafficRate float64   `json:"traffic_rate"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key возвращает стабильный ключ узла board/inbound
func (n PackageNode) Key() string {
	return fmt.Sprintf("%s/%d", n.BoardName, n.InboundID)
}

// User пользователь портала
type User struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email"`
	PackageID         *int64     `json:"package_id"`
	PackageExpireTime *time.Time `json:"package_expire_time"`
	NextResetTime     *time.Time `json:"next_reset_time"`
	ResetDay          int        `json:"reset_day"`
	UsedTraffic       int64      `json:"used_traffic"` // байты, всегда вычисляется
	SubscriptionToken string     `json:"subscription_token"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasPackage проверяет, назначен ли пользователю пакет
func (u *User) HasPackage() bool {
	return u != nil && u.PackageID != nil
}

// UserNodeStatus хранит факт отключения пользователя на узлах
type UserNodeStatus struct {
	UserID        int64      `json:"user_id"`
	IsDisabled    bool       `json:"is_disabled"`
	DisableReason string     `json:"disable_reason"`
	DisabledAt    *time.Time `json:"disabled_at"`
}

// IssuedToken выданный токен доступа
type IssuedToken struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	IsRevoked bool      `json:"is_revoked"`
	UserAgent string    `json:"user_agent"`
	IPAddress string    `json:"ip_address"`
	CreatedAt time.Time `json:"created_at"`
}

// MihomoTemplate шаблон конфигурации Mihomo
type MihomoTemplate struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// TrafficUsage использованный трафик с учетом коэффициентов
type TrafficUsage struct {
	Up    int64 `json:"up"`
	Down  int64 `json:"down"`
	Total int64 `json:"total"`
}

// TrafficInfo данные для заголовка Subscription-Userinfo
type TrafficInfo struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
	Total    int64 `json:"total"`
	Expire   int64 `json:"expire"`
}
