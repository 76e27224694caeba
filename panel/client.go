// Package panel реализует клиент API одной панели 3x-ui с восстановлением сессии.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"xuiportal/common"
	"xuiportal/metrics"
)

// DefaultTimeout таймаут одного запроса к панели
const DefaultTimeout = 10 * time.Second

// Config параметры подключения к панели
type Config struct {
	BoardName          string
	BaseURL            string // https://server:port/path
	SubURL             string // https://server:port/sub_path
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
	RemoteUUID         bool // брать UUID из getNewUUID панели
}

// ConfigFromServer собирает Config из записи ServerConfig
func ConfigFromServer(s common.ServerConfig) Config {
	return Config{
		BoardName: s.BoardName,
		BaseURL:   s.PanelURL(),
		SubURL:    s.SubscriptionURL(),
		Username:  s.Username,
		Password:  s.Password,
	}
}

type sessionState int

const (
	stateLoggedOut sessionState = iota
	stateLoggingIn
	stateLoggedIn
)

func (s sessionState) String() string {
	switch s {
	case stateLoggingIn:
		return "logging_in"
	case stateLoggedIn:
		return "logged_in"
	default:
		return "logged_out"
	}
}

// Client клиент одной панели. Операции над одним бордом выполняются последовательно.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *InboundCache

	mu     sync.Mutex
	state  sessionState
	cookie string
	now    func() time.Time
}

// NewClient создает клиент панели. cache может быть общим для всех бордов.
func NewClient(cfg Config, cache *InboundCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SubURL = strings.TrimRight(cfg.SubURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
			},
		},
		cache: cache,
		now:   time.Now,
	}
}

// BoardName возвращает имя борда
func (c *Client) BoardName() string {
	return c.cfg.BoardName
}

// Login выполняет авторизацию в панели
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	c.state = stateLoggingIn
	c.cookie = ""

	jsonData, err := json.Marshal(LoginRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		c.state = stateLoggedOut
		return fmt.Errorf("ошибка сериализации данных авторизации: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/login", bytes.NewReader(jsonData))
	if err != nil {
		c.state = stateLoggedOut
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.state = stateLoggedOut
		log.Printf("PANEL_CLIENT: [%s] Ошибка выполнения запроса авторизации: %v", c.cfg.BoardName, err)
		return fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state = stateLoggedOut
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.state = stateLoggedOut
		return fmt.Errorf("%w: статус %d", ErrLoginFailed, resp.StatusCode)
	}

	var loginResp apiResponse
	if err := json.Unmarshal(body, &loginResp); err != nil {
		c.state = stateLoggedOut
		return fmt.Errorf("%w: ответ не JSON: %v", ErrLoginFailed, err)
	}
	if loginResp.Success == nil || !*loginResp.Success {
		c.state = stateLoggedOut
		log.Printf("PANEL_CLIENT: [%s] Авторизация не удалась: msg=%s", c.cfg.BoardName, loginResp.Msg)
		return fmt.Errorf("%w: %s", ErrLoginFailed, loginResp.Msg)
	}

	cookie := sessionCookie(resp)
	if cookie == "" {
		c.state = stateLoggedOut
		return fmt.Errorf("%w: кука сессии не найдена", ErrLoginFailed)
	}

	c.cookie = cookie
	c.state = stateLoggedIn
	log.Printf("PANEL_CLIENT: [%s] Успешная авторизация", c.cfg.BoardName)
	return nil
}

// sessionCookie извлекает куку 3x-ui, иначе первую выданную куку
func sessionCookie(resp *http.Response) string {
	var fallback string
	for _, cookie := range resp.Header.Values("Set-Cookie") {
		pair := strings.TrimSpace(strings.Split(cookie, ";")[0])
		if strings.HasPrefix(pair, "3x-ui=") {
			return pair
		}
		if fallback == "" && strings.Contains(pair, "=") {
			fallback = pair
		}
	}
	return fallback
}

// call выполняет запрос к API с одной повторной попыткой после переавторизации.
// Вызывающий должен держать c.mu.
func (c *Client) call(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	if c.state != stateLoggedIn {
		if err := c.login(ctx); err != nil {
			return nil, &RequestError{Board: c.cfg.BoardName, Method: method, Path: path, Err: err}
		}
	}

	obj, status, sessionLost, err := c.send(ctx, method, path, payload)
	if err == nil {
		metrics.PanelRequests.WithLabelValues(c.cfg.BoardName, "ok").Inc()
		return obj, nil
	}
	if !sessionLost {
		metrics.PanelRequests.WithLabelValues(c.cfg.BoardName, "error").Inc()
		return nil, &RequestError{Board: c.cfg.BoardName, Method: method, Path: path, Status: status, Err: err}
	}

	log.Printf("PANEL_CLIENT: [%s] Сессия истекла (%v), повторная авторизация", c.cfg.BoardName, err)
	metrics.PanelRelogins.WithLabelValues(c.cfg.BoardName).Inc()
	c.state = stateLoggedOut
	c.cookie = ""

	if err := c.login(ctx); err != nil {
		metrics.PanelRequests.WithLabelValues(c.cfg.BoardName, "error").Inc()
		return nil, &RequestError{Board: c.cfg.BoardName, Method: method, Path: path,
			Err: fmt.Errorf("%w: %v", ErrSessionExpired, err)}
	}

	obj, status, sessionLost, err = c.send(ctx, method, path, payload)
	if err != nil {
		metrics.PanelRequests.WithLabelValues(c.cfg.BoardName, "error").Inc()
		if sessionLost {
			c.state = stateLoggedOut
			c.cookie = ""
			err = fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return nil, &RequestError{Board: c.cfg.BoardName, Method: method, Path: path, Status: status, Err: err}
	}
	metrics.PanelRequests.WithLabelValues(c.cfg.BoardName, "ok").Inc()
	return obj, nil
}

// send выполняет один HTTP-запрос. sessionLost=true означает 401/403 или ответ не в формате JSON.
func (c *Client) send(ctx context.Context, method, path string, payload any) (json.RawMessage, int, bool, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, false, fmt.Errorf("ошибка сериализации запроса: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+"/"+path, body)
	if err != nil {
		return nil, 0, false, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", c.cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("ошибка выполнения запроса: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, false, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, true, fmt.Errorf("статус %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, false, fmt.Errorf("некорректный статус ответа: %d", resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, resp.StatusCode, true, fmt.Errorf("ответ не JSON: %v", err)
	}
	if envelope.Success == nil {
		return nil, resp.StatusCode, false, fmt.Errorf("%w: в ответе нет поля success", ErrRemoteFailure)
	}
	if !*envelope.Success {
		return nil, resp.StatusCode, false, fmt.Errorf("%w: %s", ErrRemoteFailure, envelope.Msg)
	}
	return envelope.Obj, resp.StatusCode, false, nil
}

// ListInbounds возвращает все inbound борда, при useCache сначала из кэша
func (c *Client) ListInbounds(ctx context.Context, useCache bool) ([]Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listInbounds(ctx, useCache)
}

func (c *Client) listInbounds(ctx context.Context, useCache bool) ([]Inbound, error) {
	if useCache && c.cache != nil {
		if inbounds, ok := c.cache.Get(c.cfg.BoardName); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return inbounds, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	obj, err := c.call(ctx, http.MethodGet, "panel/api/inbounds/list", nil)
	if err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка получения списка inbound: %v", c.cfg.BoardName, err)
		return nil, err
	}

	var inbounds []Inbound
	if len(obj) > 0 && string(obj) != "null" {
		if err := json.Unmarshal(obj, &inbounds); err != nil {
			return nil, fmt.Errorf("[%s] ошибка десериализации списка inbound: %w", c.cfg.BoardName, err)
		}
	}

	if c.cache != nil {
		c.cache.Set(c.cfg.BoardName, inbounds)
	}
	return inbounds, nil
}

// GetInbound ищет inbound по id в списке борда
func (c *Client) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getInbound(ctx, id)
}

func (c *Client) getInbound(ctx context.Context, id int) (*Inbound, error) {
	inbounds, err := c.listInbounds(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].ID == id {
			inbound := inbounds[i]
			return &inbound, nil
		}
	}
	log.Printf("PANEL_CLIENT: [%s] Inbound %d не найден", c.cfg.BoardName, id)
	return nil, fmt.Errorf("[%s] %w: %d", c.cfg.BoardName, ErrInboundNotFound, id)
}

// inboundContext загружает inbound, его протокол и разобранные settings
func (c *Client) inboundContext(ctx context.Context, inboundID int) (*Inbound, Protocol, *InboundSettings, error) {
	inbound, err := c.getInbound(ctx, inboundID)
	if err != nil {
		return nil, "", nil, err
	}
	protocol, err := LookupProtocol(inbound.Protocol)
	if err != nil {
		return nil, "", nil, err
	}
	settings, err := inbound.ParseSettings()
	if err != nil {
		return nil, "", nil, err
	}
	return inbound, protocol, settings, nil
}

// GetClient возвращает клиента inbound по email
func (c *Client) GetClient(ctx context.Context, inboundID int, email string) (*RemoteClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inbound, err := c.getInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	settings, err := inbound.ParseSettings()
	if err != nil {
		return nil, err
	}
	client := settings.FindClient(email)
	if client == nil {
		return nil, fmt.Errorf("[%s] %w: %s в inbound %d", c.cfg.BoardName, ErrClientNotFound, email, inboundID)
	}
	found := *client
	return &found, nil
}

// GetClientTraffic возвращает счетчики клиента из clientStats
func (c *Client) GetClientTraffic(ctx context.Context, inboundID int, email string) (*ClientStat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inbound, err := c.getInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	stat := inbound.FindStat(email)
	if stat == nil {
		return nil, fmt.Errorf("[%s] %w: нет статистики %s в inbound %d", c.cfg.BoardName, ErrClientNotFound, email, inboundID)
	}
	found := *stat
	return &found, nil
}

// AddClient создает клиента с новым секретом. Существующий клиент с тем же email удаляется.
func (c *Client) AddClient(ctx context.Context, inboundID int, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inbound, protocol, settings, err := c.inboundContext(ctx, inboundID)
	if err != nil {
		return err
	}

	if existing := settings.FindClient(email); existing != nil {
		log.Printf("PANEL_CLIENT: [%s] Клиент %s уже есть в inbound %d, удаляем перед добавлением", c.cfg.BoardName, email, inboundID)
		if err := c.deleteClient(ctx, inboundID, protocol.Identifier(existing)); err != nil {
			return err
		}
		inbound, protocol, settings, err = c.inboundContext(ctx, inboundID)
		if err != nil {
			return err
		}
	}

	subID, err := common.GenerateSubID()
	if err != nil {
		return err
	}
	nowMillis := c.now().UnixMilli()
	client := RemoteClient{
		Email:     email,
		Enable:    true,
		SubID:     subID,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	if err := protocol.provision(&client, settings, c.uuidSource(ctx)); err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка подготовки клиента %s (%s): %v", c.cfg.BoardName, email, protocol, err)
		return err
	}

	request, err := clientRequest(inbound.ID, client)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, http.MethodPost, "panel/api/inbounds/addClient", request); err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка добавления клиента %s: %v", c.cfg.BoardName, email, err)
		return err
	}
	c.invalidate()
	log.Printf("PANEL_CLIENT: [%s] Клиент %s добавлен в inbound %d", c.cfg.BoardName, email, inboundID)
	return nil
}

// UpdateClient полностью заменяет конфигурацию клиента
func (c *Client) UpdateClient(ctx context.Context, inboundID int, email string, data RemoteClient) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, protocol, settings, err := c.inboundContext(ctx, inboundID)
	if err != nil {
		return err
	}
	existing := settings.FindClient(email)
	if existing == nil {
		return fmt.Errorf("[%s] %w: %s в inbound %d", c.cfg.BoardName, ErrClientNotFound, email, inboundID)
	}
	return c.updateClient(ctx, inboundID, protocol.Identifier(existing), data)
}

func (c *Client) updateClient(ctx context.Context, inboundID int, identifier string, data RemoteClient) error {
	request, err := clientRequest(inboundID, data)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, http.MethodPost, "panel/api/inbounds/updateClient/"+url.PathEscape(identifier), request); err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка обновления клиента %s: %v", c.cfg.BoardName, data.Email, err)
		return err
	}
	c.invalidate()
	return nil
}

// DeleteClient удаляет клиента из inbound
func (c *Client) DeleteClient(ctx context.Context, inboundID int, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, protocol, settings, err := c.inboundContext(ctx, inboundID)
	if err != nil {
		return err
	}
	existing := settings.FindClient(email)
	if existing == nil {
		return fmt.Errorf("[%s] %w: %s в inbound %d", c.cfg.BoardName, ErrClientNotFound, email, inboundID)
	}
	return c.deleteClient(ctx, inboundID, protocol.Identifier(existing))
}

func (c *Client) deleteClient(ctx context.Context, inboundID int, identifier string) error {
	path := fmt.Sprintf("panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(identifier))
	if _, err := c.call(ctx, http.MethodPost, path, nil); err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка удаления клиента %s: %v", c.cfg.BoardName, identifier, err)
		return err
	}
	c.invalidate()
	return nil
}

// ResetClientTraffic обнуляет счетчики клиента на панели
func (c *Client) ResetClientTraffic(ctx context.Context, inboundID int, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := fmt.Sprintf("panel/api/inbounds/%d/resetClientTraffic/%s", inboundID, url.PathEscape(email))
	if _, err := c.call(ctx, http.MethodPost, path, nil); err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка сброса трафика %s: %v", c.cfg.BoardName, email, err)
		return err
	}
	c.invalidate()
	return nil
}

// RefreshClientKey выдает клиенту новый секрет (UUID или пароль)
func (c *Client) RefreshClientKey(ctx context.Context, inboundID int, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, protocol, settings, err := c.inboundContext(ctx, inboundID)
	if err != nil {
		return err
	}
	existing := settings.FindClient(email)
	if existing == nil {
		return fmt.Errorf("[%s] %w: %s в inbound %d", c.cfg.BoardName, ErrClientNotFound, email, inboundID)
	}

	updated := *existing
	if err := protocol.rotate(&updated, settings, c.uuidSource(ctx)); err != nil {
		return err
	}
	updated.UpdatedAt = c.now().UnixMilli()
	return c.updateClient(ctx, inboundID, protocol.Identifier(existing), updated)
}

// SetClientEnabled включает или отключает клиента. Если состояние уже нужное, запрос не отправляется.
func (c *Client) SetClientEnabled(ctx context.Context, inboundID int, email string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, protocol, settings, err := c.inboundContext(ctx, inboundID)
	if err != nil {
		return err
	}
	existing := settings.FindClient(email)
	if existing == nil {
		return fmt.Errorf("[%s] %w: %s в inbound %d", c.cfg.BoardName, ErrClientNotFound, email, inboundID)
	}
	if existing.Enable == enabled {
		return nil
	}

	updated := *existing
	updated.Enable = enabled
	updated.UpdatedAt = c.now().UnixMilli()
	return c.updateClient(ctx, inboundID, protocol.Identifier(existing), updated)
}

// GetNewUUID запрашивает UUID у панели
func (c *Client) GetNewUUID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getNewUUID(ctx)
}

func (c *Client) getNewUUID(ctx context.Context) (string, error) {
	obj, err := c.call(ctx, http.MethodGet, "panel/api/server/getNewUUID", nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(obj, &payload); err != nil {
		return "", fmt.Errorf("[%s] ошибка десериализации UUID: %w", c.cfg.BoardName, err)
	}
	if payload.UUID == "" {
		return "", fmt.Errorf("[%s] %w: пустой UUID", c.cfg.BoardName, ErrRemoteFailure)
	}
	return payload.UUID, nil
}

func (c *Client) uuidSource(ctx context.Context) uuidSource {
	if !c.cfg.RemoteUUID {
		return localUUID
	}
	return func() (string, error) {
		return c.getNewUUID(ctx)
	}
}

// GetSubscription загружает Base64 подписку клиента. Результат не кэшируется.
func (c *Client) GetSubscription(ctx context.Context, subID string) (string, error) {
	if subID == "" {
		return "", errors.New("пустой subId")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SubURL+"/"+url.PathEscape(subID), nil)
	if err != nil {
		return "", fmt.Errorf("ошибка создания запроса: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("PANEL_CLIENT: [%s] Ошибка загрузки подписки: %v", c.cfg.BoardName, err)
		return "", &RequestError{Board: c.cfg.BoardName, Method: http.MethodGet, Path: "sub", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ошибка чтения ответа: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{Board: c.cfg.BoardName, Method: http.MethodGet, Path: "sub", Status: resp.StatusCode,
			Err: fmt.Errorf("некорректный статус ответа: %d", resp.StatusCode)}
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) invalidate() {
	if c.cache != nil {
		c.cache.Invalidate(c.cfg.BoardName)
	}
}

func clientRequest(inboundID int, client RemoteClient) (ClientRequest, error) {
	settings, err := json.Marshal(InboundSettings{Clients: []RemoteClient{client}})
	if err != nil {
		return ClientRequest{}, fmt.Errorf("ошибка сериализации клиента: %w", err)
	}
	return ClientRequest{ID: inboundID, Settings: string(settings)}, nil
}
