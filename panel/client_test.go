package panel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestLogin_Success тестирует успешную авторизацию и сохранение куки
func TestLogin_Success(t *testing.T) {
	mock := newMockPanel(t)
	client := mock.client(nil)

	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Login() вернул ошибку: %v", err)
	}

	expectedCookie := "3x-ui=test_session_cookie"
	if client.cookie != expectedCookie {
		t.Errorf("Ожидалась кука %s, получена %s", expectedCookie, client.cookie)
	}
	if client.state != stateLoggedIn {
		t.Errorf("Ожидалось состояние logged_in, получено %s", client.state)
	}
}

// TestLogin_InvalidCredentials тестирует отказ панели в авторизации
func TestLogin_InvalidCredentials(t *testing.T) {
	mock := newMockPanel(t)
	mock.rejectLogin = true
	client := mock.client(nil)

	err := client.Login(context.Background())
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("Ожидалась ErrLoginFailed, получена %v", err)
	}
	if client.state != stateLoggedOut {
		t.Errorf("Ожидалось состояние logged_out, получено %s", client.state)
	}
}

// TestSessionRecovery тестирует одну переавторизацию и один повтор после 401
func TestSessionRecovery(t *testing.T) {
	tests := []struct {
		name        string
		failList    int
		htmlList    int
		wantErr     bool
		wantLogins  int
		wantListing int
		description string
	}{
		{
			name:        "401_then_success",
			failList:    1,
			wantLogins:  1,
			wantListing: 2,
			description: "Первый запрос 401, после переавторизации успех",
		},
		{
			name:        "html_login_page_then_success",
			htmlList:    1,
			wantLogins:  1,
			wantListing: 2,
			description: "Истекшая сессия отдала HTML страницу входа",
		},
		{
			name:        "401_twice",
			failList:    2,
			wantErr:     true,
			wantLogins:  1,
			wantListing: 2,
			description: "Повтор тоже неудачен, ошибка без третьей попытки",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPanel(t)
			mock.addInbound(1, "vless", "")
			client := mock.client(nil)

			if err := client.Login(context.Background()); err != nil {
				t.Fatalf("Login() вернул ошибку: %v", err)
			}
			mock.mu.Lock()
			mock.logins = 0
			mock.failListTimes = tt.failList
			mock.htmlListTimes = tt.htmlList
			mock.mu.Unlock()

			inbounds, err := client.ListInbounds(context.Background(), false)
			if tt.wantErr {
				if !errors.Is(err, ErrSessionExpired) {
					t.Errorf("%s: ожидалась ErrSessionExpired, получена %v", tt.description, err)
				}
				var reqErr *RequestError
				if !errors.As(err, &reqErr) || reqErr.Board != "board-a" {
					t.Errorf("%s: ожидалась RequestError с бордом, получена %v", tt.description, err)
				}
			} else {
				if err != nil {
					t.Fatalf("%s: неожиданная ошибка %v", tt.description, err)
				}
				if len(inbounds) != 1 {
					t.Errorf("%s: ожидался 1 inbound, получено %d", tt.description, len(inbounds))
				}
			}

			if mock.logins != tt.wantLogins {
				t.Errorf("%s: ожидалось %d авторизаций, получено %d", tt.description, tt.wantLogins, mock.logins)
			}
			if mock.listCalls != tt.wantListing {
				t.Errorf("%s: ожидалось %d запросов списка, получено %d", tt.description, tt.wantListing, mock.listCalls)
			}
		})
	}
}

// TestCall_RemoteFailureNotRetried тестирует, что success=false не вызывает переавторизацию
func TestCall_RemoteFailureNotRetried(t *testing.T) {
	mock := newMockPanel(t)
	client := mock.client(nil)

	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Login() вернул ошибку: %v", err)
	}
	mock.mu.Lock()
	mock.logins = 0
	mock.mu.Unlock()

	client.mu.Lock()
	_, err := client.call(context.Background(), http.MethodPost, "panel/api/inbounds/addClient", ClientRequest{ID: 42, Settings: `{"clients":[]}`})
	client.mu.Unlock()
	if !errors.Is(err, ErrRemoteFailure) {
		t.Fatalf("Ожидалась ErrRemoteFailure, получена %v", err)
	}
	if mock.logins != 0 {
		t.Errorf("Функциональная ошибка не должна вызывать переавторизацию, авторизаций: %d", mock.logins)
	}
}

// TestAddClient_IdempotentReAdd тестирует повторное добавление клиента с тем же email
func TestAddClient_IdempotentReAdd(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vless", "", RemoteClient{ID: "default-uuid", Email: "default", Flow: "xtls-rprx-vision", Enable: true})
	client := mock.client(NewInboundCache(time.Minute))
	ctx := context.Background()

	if err := client.AddClient(ctx, 1, "user@example.com"); err != nil {
		t.Fatalf("Первый AddClient() вернул ошибку: %v", err)
	}
	first := findByEmail(mock.clientsOf(1), "user@example.com")
	if first == nil {
		t.Fatal("Клиент не создан")
	}

	if err := client.AddClient(ctx, 1, "user@example.com"); err != nil {
		t.Fatalf("Второй AddClient() вернул ошибку: %v", err)
	}

	count := 0
	var second *RemoteClient
	for _, c := range mock.clientsOf(1) {
		if c.Email == "user@example.com" {
			count++
			c := c
			second = &c
		}
	}
	if count != 1 {
		t.Fatalf("Ожидался ровно 1 клиент, найдено %d", count)
	}
	if second.ID == first.ID {
		t.Errorf("Ожидался новый UUID после повторного добавления, остался %s", second.ID)
	}
	if second.Flow != "xtls-rprx-vision" {
		t.Errorf("Flow должен копироваться из клиента default, получен %q", second.Flow)
	}
	if len(second.SubID) != 16 {
		t.Errorf("Ожидался subId из 16 символов, получен %q", second.SubID)
	}
	if mock.lastDeleteID != first.ID {
		t.Errorf("Удаление VLESS клиента должно идти по UUID %s, получено %s", first.ID, mock.lastDeleteID)
	}
}

// TestAddClient_Shadowsocks тестирует генерацию пароля под шифр inbound
func TestAddClient_Shadowsocks(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		keyLen  int
		wantErr error
	}{
		{name: "aes_128", method: "2022-blake3-aes-128-gcm", keyLen: 16},
		{name: "aes_256", method: "2022-blake3-aes-256-gcm", keyLen: 32},
		{name: "chacha20", method: "2022-blake3-chacha20-poly1305", keyLen: 32},
		{name: "unknown_cipher", method: "aes-128-gcm", wantErr: ErrUnsupportedCipher},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPanel(t)
			mock.addInbound(3, "shadowsocks", tt.method)
			client := mock.client(nil)

			err := client.AddClient(context.Background(), 3, "ss@example.com")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Ожидалась ошибка %v, получена %v", tt.wantErr, err)
				}
				if mock.addCalls != 0 {
					t.Errorf("При неизвестном шифре запрос addClient не должен отправляться")
				}
				return
			}
			if err != nil {
				t.Fatalf("AddClient() вернул ошибку: %v", err)
			}

			created := findByEmail(mock.clientsOf(3), "ss@example.com")
			if created == nil {
				t.Fatal("Клиент не создан")
			}
			key, err := base64.StdEncoding.DecodeString(created.Password)
			if err != nil {
				t.Fatalf("Пароль должен быть в Base64: %v", err)
			}
			if len(key) != tt.keyLen {
				t.Errorf("Ожидался ключ %d байт, получено %d", tt.keyLen, len(key))
			}
		})
	}
}

// TestAddClient_RemoteUUID тестирует получение UUID через getNewUUID
func TestAddClient_RemoteUUID(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vmess", "")
	mock.nextUUID = "11111111-2222-3333-4444-555555555555"

	client := NewClient(Config{
		BoardName:  "board-a",
		BaseURL:    mock.server.URL + "/panel-path",
		SubURL:     mock.server.URL + "/sub",
		Username:   "admin",
		Password:   "secret",
		RemoteUUID: true,
	}, nil)

	if err := client.AddClient(context.Background(), 1, "vm@example.com"); err != nil {
		t.Fatalf("AddClient() вернул ошибку: %v", err)
	}
	created := findByEmail(mock.clientsOf(1), "vm@example.com")
	if created == nil || created.ID != mock.nextUUID {
		t.Errorf("Ожидался UUID от панели %s, получен %+v", mock.nextUUID, created)
	}
	if mock.uuidCalls != 1 {
		t.Errorf("Ожидался 1 вызов getNewUUID, получено %d", mock.uuidCalls)
	}
}

// TestDeleteClient_Identifier тестирует выбор идентификатора по протоколу
func TestDeleteClient_Identifier(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		method   string
		client   RemoteClient
		wantID   string
	}{
		{name: "vless", protocol: "vless", client: RemoteClient{ID: "uuid-1", Email: "a@x"}, wantID: "uuid-1"},
		{name: "vmess", protocol: "vmess", client: RemoteClient{ID: "uuid-2", Email: "a@x"}, wantID: "uuid-2"},
		{name: "shadowsocks", protocol: "shadowsocks", method: "2022-blake3-aes-256-gcm", client: RemoteClient{Password: "p", Email: "a@x"}, wantID: "a@x"},
		{name: "trojan", protocol: "trojan", client: RemoteClient{Password: "p", Email: "a@x"}, wantID: "a@x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPanel(t)
			mock.addInbound(7, tt.protocol, tt.method, tt.client)
			client := mock.client(nil)

			if err := client.DeleteClient(context.Background(), 7, "a@x"); err != nil {
				t.Fatalf("DeleteClient() вернул ошибку: %v", err)
			}
			if mock.lastDeleteID != tt.wantID {
				t.Errorf("Ожидался идентификатор %s, получен %s", tt.wantID, mock.lastDeleteID)
			}
			if len(mock.clientsOf(7)) != 0 {
				t.Errorf("Клиент должен быть удален")
			}
		})
	}
}

// TestDeleteClient_NotFound тестирует удаление отсутствующего клиента
func TestDeleteClient_NotFound(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vless", "")
	client := mock.client(nil)

	err := client.DeleteClient(context.Background(), 1, "ghost@example.com")
	if !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Ожидалась ErrClientNotFound, получена %v", err)
	}
}

// TestRefreshClientKey тестирует смену UUID с обновлением по старому идентификатору
func TestRefreshClientKey(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vless", "", RemoteClient{ID: "old-uuid", Email: "u@x", Enable: true, SubID: "abc"})
	client := mock.client(nil)

	if err := client.RefreshClientKey(context.Background(), 1, "u@x"); err != nil {
		t.Fatalf("RefreshClientKey() вернул ошибку: %v", err)
	}
	if mock.lastUpdateID != "old-uuid" {
		t.Errorf("updateClient должен адресоваться старым UUID, получен %s", mock.lastUpdateID)
	}
	updated := findByEmail(mock.clientsOf(1), "u@x")
	if updated == nil || updated.ID == "old-uuid" || updated.ID == "" {
		t.Fatalf("UUID не обновлен: %+v", updated)
	}
	if updated.SubID != "abc" {
		t.Errorf("subId должен сохраниться, получен %s", updated.SubID)
	}
}

// TestSetClientEnabled тестирует переключение enable и отсутствие лишних запросов
func TestSetClientEnabled(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "trojan", "", RemoteClient{Password: "p", Email: "u@x", Enable: true})
	client := mock.client(NewInboundCache(time.Minute))
	ctx := context.Background()

	if err := client.SetClientEnabled(ctx, 1, "u@x", false); err != nil {
		t.Fatalf("SetClientEnabled(false) вернул ошибку: %v", err)
	}
	if findByEmail(mock.clientsOf(1), "u@x").Enable {
		t.Error("Клиент должен быть отключен")
	}
	if err := client.SetClientEnabled(ctx, 1, "u@x", false); err != nil {
		t.Fatalf("Повторный SetClientEnabled(false) вернул ошибку: %v", err)
	}
	if mock.updateCalls != 1 {
		t.Errorf("Повторное отключение не должно отправлять запрос, updateClient вызван %d раз", mock.updateCalls)
	}
}

// TestUpdateClient_InvalidatesCache тестирует сброс кэша после изменения клиента
func TestUpdateClient_InvalidatesCache(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "trojan", "", RemoteClient{Password: "p", Email: "u@x", Enable: true})
	cache := NewInboundCache(time.Minute)
	client := mock.client(cache)
	ctx := context.Background()

	if _, err := client.ListInbounds(ctx, true); err != nil {
		t.Fatalf("ListInbounds() вернул ошибку: %v", err)
	}
	if _, ok := cache.Get("board-a"); !ok {
		t.Fatal("После загрузки кэш должен быть заполнен")
	}

	if err := client.UpdateClient(ctx, 1, "u@x", RemoteClient{Password: "new", Email: "u@x", Enable: true}); err != nil {
		t.Fatalf("UpdateClient() вернул ошибку: %v", err)
	}
	if _, ok := cache.Get("board-a"); ok {
		t.Error("После UpdateClient кэш борда должен быть сброшен")
	}
}

// TestListInbounds_UsesCache тестирует отсутствие запроса при теплом кэше
func TestListInbounds_UsesCache(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vless", "")
	client := mock.client(NewInboundCache(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.GetInbound(ctx, 1); err != nil {
			t.Fatalf("GetInbound() вернул ошибку: %v", err)
		}
	}
	if mock.listCalls != 1 {
		t.Errorf("Ожидался 1 запрос списка при теплом кэше, получено %d", mock.listCalls)
	}

	if _, err := client.GetInbound(ctx, 2); !errors.Is(err, ErrInboundNotFound) {
		t.Errorf("Ожидалась ErrInboundNotFound, получена %v", err)
	}
}

// TestGetClientTraffic тестирует чтение счетчиков из clientStats
func TestGetClientTraffic(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vless", "", RemoteClient{ID: "u1", Email: "u@x"})
	mock.setStat(1, "u@x", 100, 50)
	client := mock.client(nil)

	stat, err := client.GetClientTraffic(context.Background(), 1, "u@x")
	if err != nil {
		t.Fatalf("GetClientTraffic() вернул ошибку: %v", err)
	}
	if stat.Up != 100 || stat.Down != 50 {
		t.Errorf("Ожидалось up=100 down=50, получено up=%d down=%d", stat.Up, stat.Down)
	}

	if _, err := client.GetClientTraffic(context.Background(), 1, "other@x"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Ожидалась ErrClientNotFound, получена %v", err)
	}
}

// TestResetClientTraffic тестирует обнуление счетчиков
func TestResetClientTraffic(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vless", "", RemoteClient{ID: "u1", Email: "u@x"})
	mock.setStat(1, "u@x", 100, 50)
	client := mock.client(nil)
	ctx := context.Background()

	if err := client.ResetClientTraffic(ctx, 1, "u@x"); err != nil {
		t.Fatalf("ResetClientTraffic() вернул ошибку: %v", err)
	}
	stat, err := client.GetClientTraffic(ctx, 1, "u@x")
	if err != nil {
		t.Fatalf("GetClientTraffic() вернул ошибку: %v", err)
	}
	if stat.Up != 0 || stat.Down != 0 {
		t.Errorf("Счетчики должны быть обнулены, получено up=%d down=%d", stat.Up, stat.Down)
	}
}

// TestGetSubscription тестирует загрузку подписки без сессии
func TestGetSubscription(t *testing.T) {
	mock := newMockPanel(t)
	mock.subs["abc123"] = "dmxlc3M6Ly94QGg6MQ==\n"
	client := mock.client(nil)

	content, err := client.GetSubscription(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("GetSubscription() вернул ошибку: %v", err)
	}
	if content != "dmxlc3M6Ly94QGg6MQ==" {
		t.Errorf("Неожиданное содержимое подписки: %q", content)
	}
	if mock.logins != 0 {
		t.Errorf("Подписка не требует авторизации, авторизаций: %d", mock.logins)
	}

	if _, err := client.GetSubscription(context.Background(), "missing"); err == nil {
		t.Error("Ожидалась ошибка для неизвестного subId")
	}
}

// TestUnsupportedProtocol тестирует отказ для неизвестного протокола
func TestUnsupportedProtocol(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "wireguard", "")
	client := mock.client(nil)

	if err := client.AddClient(context.Background(), 1, "u@x"); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Errorf("Ожидалась ErrUnsupportedProtocol, получена %v", err)
	}
}

// TestSessionCookie_Fallback тестирует выбор куки сессии
func TestSessionCookie_Fallback(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Add("Set-Cookie", "lang=en; Path=/")
	rec.Header().Add("Set-Cookie", "3x-ui=abc; Path=/; HttpOnly")
	if got := sessionCookie(rec.Result()); got != "3x-ui=abc" {
		t.Errorf("Ожидалась кука 3x-ui=abc, получена %s", got)
	}

	rec = httptest.NewRecorder()
	rec.Header().Add("Set-Cookie", "session=xyz; Path=/")
	if got := sessionCookie(rec.Result()); got != "session=xyz" {
		t.Errorf("Ожидалась кука session=xyz, получена %s", got)
	}
}

func findByEmail(clients []RemoteClient, email string) *RemoteClient {
	for i := range clients {
		if clients[i].Email == email {
			return &clients[i]
		}
	}
	return nil
}

// TestSetClientEnabled_KeepsUnknownFields тестирует сохранение неразобранных полей клиента при замене
func TestSetClientEnabled_KeepsUnknownFields(t *testing.T) {
	mock := newMockPanel(t)
	mock.addInbound(1, "vmess", "", RemoteClient{
		ID:     "uuid-1",
		Email:  "u@x",
		Enable: true,
		Extra:  map[string]json.RawMessage{"security": json.RawMessage(`"aes-128-gcm"`)},
	})
	client := mock.client(nil)

	if err := client.SetClientEnabled(context.Background(), 1, "u@x", false); err != nil {
		t.Fatalf("SetClientEnabled() вернул ошибку: %v", err)
	}

	stored := mock.clientsOf(1)
	if len(stored) != 1 {
		t.Fatalf("Ожидался 1 клиент, получено %d", len(stored))
	}
	if stored[0].Enable {
		t.Error("Клиент должен быть отключен")
	}
	if got := string(stored[0].Extra["security"]); got != `"aes-128-gcm"` {
		t.Errorf("Поле security потеряно при обновлении: %q", got)
	}
	if _, ok := stored[0].Extra["email"]; ok {
		t.Error("Известные поля не должны попадать в Extra")
	}
}
