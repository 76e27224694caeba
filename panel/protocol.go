package panel

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"xuiportal/common"
)

// Protocol протокол inbound
type Protocol string

const (
	ProtocolVLESS       Protocol = "vless"
	ProtocolVMess       Protocol = "vmess"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolTrojan      Protocol = "trojan"
)

// Длины ключей поддерживаемых шифров Shadowsocks 2022
var shadowsocksKeyLengths = map[string]int{
	"2022-blake3-aes-128-gcm":       16,
	"2022-blake3-aes-256-gcm":       32,
	"2022-blake3-chacha20-poly1305": 32,
}

// maxUUIDAttempts ограничивает перегенерацию UUID при коллизиях
const maxUUIDAttempts = 16

// uuidSource источник новых UUID: локальный генератор или getNewUUID панели
type uuidSource func() (string, error)

func localUUID() (string, error) {
	return common.GenerateClientID(), nil
}

// protocolStrategy описывает, как протокол идентифицирует клиента и выдает секрет
type protocolStrategy struct {
	identifier func(c *RemoteClient) string
	provision  func(c *RemoteClient, settings *InboundSettings, next uuidSource) error
	rotate     func(c *RemoteClient, settings *InboundSettings, next uuidSource) error
}

var protocolTable = map[Protocol]protocolStrategy{
	ProtocolVLESS:       uuidStrategy,
	ProtocolVMess:       uuidStrategy,
	ProtocolShadowsocks: shadowsocksStrategy,
	ProtocolTrojan:      trojanStrategy,
}

var uuidStrategy = protocolStrategy{
	identifier: func(c *RemoteClient) string { return c.ID },
	provision: func(c *RemoteClient, settings *InboundSettings, next uuidSource) error {
		id, err := uniqueUUID(settings, next)
		if err != nil {
			return err
		}
		c.ID = id
		if def := settings.FindClient("default"); def != nil {
			c.Flow = def.Flow
		}
		return nil
	},
	rotate: func(c *RemoteClient, settings *InboundSettings, next uuidSource) error {
		id, err := uniqueUUID(settings, next)
		if err != nil {
			return err
		}
		c.ID = id
		return nil
	},
}

var shadowsocksStrategy = protocolStrategy{
	identifier: func(c *RemoteClient) string { return c.Email },
	provision: func(c *RemoteClient, settings *InboundSettings, _ uuidSource) error {
		password, err := GenerateShadowsocksPassword(settings.Method)
		if err != nil {
			return err
		}
		c.Password = password
		return nil
	},
	rotate: func(c *RemoteClient, settings *InboundSettings, _ uuidSource) error {
		password, err := GenerateShadowsocksPassword(settings.Method)
		if err != nil {
			return err
		}
		c.Password = password
		return nil
	},
}

var trojanStrategy = protocolStrategy{
	identifier: func(c *RemoteClient) string { return c.Email },
	provision: func(c *RemoteClient, _ *InboundSettings, _ uuidSource) error {
		password, err := common.GenerateTrojanPassword()
		if err != nil {
			return err
		}
		c.Password = password
		return nil
	},
	rotate: func(c *RemoteClient, _ *InboundSettings, _ uuidSource) error {
		password, err := common.GenerateTrojanPassword()
		if err != nil {
			return err
		}
		c.Password = password
		return nil
	},
}

// LookupProtocol возвращает протокол по имени из inbound
func LookupProtocol(name string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := protocolTable[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, name)
	}
	return p, nil
}

// Identifier возвращает идентификатор клиента для delClient/updateClient
func (p Protocol) Identifier(c *RemoteClient) string {
	return protocolTable[p].identifier(c)
}

func (p Protocol) provision(c *RemoteClient, settings *InboundSettings, next uuidSource) error {
	return protocolTable[p].provision(c, settings, next)
}

func (p Protocol) rotate(c *RemoteClient, settings *InboundSettings, next uuidSource) error {
	return protocolTable[p].rotate(c, settings, next)
}

// GenerateShadowsocksPassword генерирует ключ длины, требуемой шифром
func GenerateShadowsocksPassword(method string) (string, error) {
	keyLength, ok := shadowsocksKeyLengths[method]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCipher, method)
	}
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("ошибка генерации ключа: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func uniqueUUID(settings *InboundSettings, next uuidSource) (string, error) {
	if next == nil {
		next = localUUID
	}
	for i := 0; i < maxUUIDAttempts; i++ {
		id, err := next()
		if err != nil {
			return "", err
		}
		if id != "" && !settings.HasClientID(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("не удалось получить уникальный UUID за %d попыток", maxUUIDAttempts)
}
