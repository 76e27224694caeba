package panel

import (
	"encoding/json"
	"fmt"
)

// LoginRequest тело запроса авторизации в панели
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// apiResponse общий конверт ответов API 3x-ui
type apiResponse struct {
	Success *bool           `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// ClientRequest тело addClient/updateClient: settings передается строкой JSON
type ClientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

// ClientStat счетчики трафика клиента из clientStats
type ClientStat struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	SubID      string `json:"subId"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
	Reset      int    `json:"reset"`
}

// Inbound listener на панели
type Inbound struct {
	ID             int          `json:"id"`
	Up             int64        `json:"up"`
	Down           int64        `json:"down"`
	Total          int64        `json:"total"`
	Remark         string       `json:"remark"`
	Enable         bool         `json:"enable"`
	ExpiryTime     int64        `json:"expiryTime"`
	Listen         string       `json:"listen"`
	Port           int          `json:"port"`
	Protocol       string       `json:"protocol"`
	Settings       string       `json:"settings"`
	StreamSettings string       `json:"streamSettings"`
	Tag            string       `json:"tag"`
	Sniffing       string       `json:"sniffing"`
	ClientStats    []ClientStat `json:"clientStats"`
}

// TaggedInbound inbound с именем борда, для агрегированного списка
type TaggedInbound struct {
	Inbound
	BoardName string `json:"board_name"`
}

// RemoteClient клиент внутри settings inbound
type RemoteClient struct {
	ID         string `json:"id,omitempty"`
	Password   string `json:"password,omitempty"`
	Email      string `json:"email"`
	Flow       string `json:"flow"`
	Method     string `json:"method,omitempty"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       TgID   `json:"tgId"`
	SubID      string `json:"subId"`
	Comment    string `json:"comment"`
	Reset      int    `json:"reset"`
	CreatedAt  int64  `json:"created_at,omitempty"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`

	// Extra поля клиента, которые портал не разбирает (security VMess, ключи новых версий панели).
	// Сохраняются при полной замене клиента.
	Extra map[string]json.RawMessage `json:"-"`
}

// remoteClientFields известные ключи RemoteClient
var remoteClientFields = map[string]bool{
	"id": true, "password": true, "email": true, "flow": true, "method": true, "limitIp": true,
	"totalGB": true, "expiryTime": true, "enable": true, "tgId": true, "subId": true, "comment": true,
	"reset": true, "created_at": true, "updated_at": true,
}

type remoteClientJSON RemoteClient

// UnmarshalJSON разбирает известные поля и складывает остальные в Extra
func (c *RemoteClient) UnmarshalJSON(data []byte) error {
	var known remoteClientJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if remoteClientFields[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		known.Extra = raw
	}
	*c = RemoteClient(known)
	return nil
}

// MarshalJSON добавляет поля из Extra к известным
func (c RemoteClient) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(remoteClientJSON(c))
	if err != nil || len(c.Extra) == 0 {
		return data, err
	}
	merged := make(map[string]json.RawMessage, len(c.Extra)+len(remoteClientFields))
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range c.Extra {
		if !remoteClientFields[key] {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// TgID в разных версиях панели приходит числом или строкой
type TgID string

// UnmarshalJSON принимает и число, и строку
func (t *TgID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TgID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("некорректный tgId: %s", string(data))
	}
	*t = TgID(n.String())
	return nil
}

// InboundSettings разобранное поле settings inbound
type InboundSettings struct {
	Clients    []RemoteClient `json:"clients"`
	Decryption string         `json:"decryption,omitempty"`
	Method     string         `json:"method,omitempty"` // шифр Shadowsocks
}

// ParseSettings разбирает строку settings inbound
func (in *Inbound) ParseSettings() (*InboundSettings, error) {
	var settings InboundSettings
	if in.Settings == "" {
		return &settings, nil
	}
	if err := json.Unmarshal([]byte(in.Settings), &settings); err != nil {
		return nil, fmt.Errorf("%w: inbound %d: %v", ErrMalformedSettings, in.ID, err)
	}
	return &settings, nil
}

// FindClient ищет клиента по email
func (s *InboundSettings) FindClient(email string) *RemoteClient {
	for i := range s.Clients {
		if s.Clients[i].Email == email {
			return &s.Clients[i]
		}
	}
	return nil
}

// HasClientID проверяет, занят ли UUID в inbound
func (s *InboundSettings) HasClientID(id string) bool {
	for _, c := range s.Clients {
		if c.ID == id {
			return true
		}
	}
	return false
}

// FindStat ищет счетчики клиента по email
func (in *Inbound) FindStat(email string) *ClientStat {
	for i := range in.ClientStats {
		if in.ClientStats[i].Email == email {
			return &in.ClientStats[i]
		}
	}
	return nil
}
