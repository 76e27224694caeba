package panel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// mockPanel имитирует API 3x-ui с хранением inbound в памяти
type mockPanel struct {
	t *testing.T

	mu       sync.Mutex
	inbounds map[int]*Inbound
	clients  map[int][]RemoteClient
	subs     map[string]string

	logins        int
	listCalls     int
	addCalls      int
	updateCalls   int
	deleteCalls   int
	resetCalls    int
	uuidCalls     int
	lastUpdateID  string
	lastDeleteID  string
	failListTimes int    // сколько раз подряд отвечать 401 на list
	htmlListTimes int    // сколько раз подряд отдавать HTML вместо JSON
	rejectLogin   bool   // success=false на login
	nextUUID      string // ответ getNewUUID
	server        *httptest.Server
}

func newMockPanel(t *testing.T) *mockPanel {
	t.Helper()
	m := &mockPanel{
		t:        t,
		inbounds: make(map[int]*Inbound),
		clients:  make(map[int][]RemoteClient),
		subs:     make(map[string]string),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockPanel) addInbound(id int, protocol, method string, clients ...RemoteClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbounds[id] = &Inbound{ID: id, Protocol: protocol, Remark: "node-" + strconv.Itoa(id), Enable: true}
	m.clients[id] = append([]RemoteClient(nil), clients...)
	if method != "" {
		m.inbounds[id].Settings = `{"method":"` + method + `"}`
	}
}

func (m *mockPanel) setStat(inboundID int, email string, up, down int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := m.inbounds[inboundID]
	for i := range in.ClientStats {
		if in.ClientStats[i].Email == email {
			in.ClientStats[i].Up = up
			in.ClientStats[i].Down = down
			return
		}
	}
	in.ClientStats = append(in.ClientStats, ClientStat{InboundID: inboundID, Email: email, Up: up, Down: down, Enable: true})
}

func (m *mockPanel) clientsOf(inboundID int) []RemoteClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RemoteClient(nil), m.clients[inboundID]...)
}

func (m *mockPanel) client(cache *InboundCache) *Client {
	return NewClient(Config{
		BoardName: "board-a",
		BaseURL:   m.server.URL + "/panel-path/",
		SubURL:    m.server.URL + "/sub/",
		Username:  "admin",
		Password:  "secret",
	}, cache)
}

func (m *mockPanel) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/panel-path/")

	if strings.HasPrefix(r.URL.Path, "/sub/") {
		sub, ok := m.subs[strings.TrimPrefix(r.URL.Path, "/sub/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(sub))
		return
	}

	if path == "login" {
		m.logins++
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			m.t.Errorf("Ошибка декодирования запроса авторизации: %v", err)
		}
		if m.rejectLogin || req.Username != "admin" || req.Password != "secret" {
			writeJSON(w, map[string]any{"success": false, "msg": "Invalid credentials"})
			return
		}
		w.Header().Set("Set-Cookie", "3x-ui=test_session_cookie; Path=/; HttpOnly")
		writeJSON(w, map[string]any{"success": true, "msg": "Login successful"})
		return
	}

	if r.Header.Get("Cookie") != "3x-ui=test_session_cookie" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case path == "panel/api/inbounds/list":
		m.listCalls++
		if m.failListTimes > 0 {
			m.failListTimes--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if m.htmlListTimes > 0 {
			m.htmlListTimes--
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body>login</body></html>"))
			return
		}
		writeJSON(w, map[string]any{"success": true, "obj": m.snapshot()})

	case path == "panel/api/inbounds/addClient":
		m.addCalls++
		id, clients := m.decodeClients(r)
		if _, ok := m.inbounds[id]; !ok {
			writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
			return
		}
		for _, c := range clients {
			for _, existing := range m.clients[id] {
				if existing.Email == c.Email {
					writeJSON(w, map[string]any{"success": false, "msg": "Duplicate email: " + c.Email})
					return
				}
			}
		}
		m.clients[id] = append(m.clients[id], clients...)
		writeJSON(w, map[string]any{"success": true})

	case strings.HasPrefix(path, "panel/api/inbounds/updateClient/"):
		m.updateCalls++
		m.lastUpdateID = strings.TrimPrefix(path, "panel/api/inbounds/updateClient/")
		id, clients := m.decodeClients(r)
		for i, existing := range m.clients[id] {
			if m.identifier(id, existing) == m.lastUpdateID {
				m.clients[id][i] = clients[0]
				writeJSON(w, map[string]any{"success": true})
				return
			}
		}
		writeJSON(w, map[string]any{"success": false, "msg": "client not found"})

	case strings.Contains(path, "/delClient/"):
		m.deleteCalls++
		parts := strings.Split(path, "/")
		id, _ := strconv.Atoi(parts[3])
		m.lastDeleteID = parts[5]
		kept := m.clients[id][:0]
		found := false
		for _, existing := range m.clients[id] {
			if m.identifier(id, existing) == m.lastDeleteID {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		m.clients[id] = kept
		writeJSON(w, map[string]any{"success": found})

	case strings.Contains(path, "/resetClientTraffic/"):
		m.resetCalls++
		parts := strings.Split(path, "/")
		id, _ := strconv.Atoi(parts[3])
		email := parts[5]
		for i := range m.inbounds[id].ClientStats {
			if m.inbounds[id].ClientStats[i].Email == email {
				m.inbounds[id].ClientStats[i].Up = 0
				m.inbounds[id].ClientStats[i].Down = 0
			}
		}
		writeJSON(w, map[string]any{"success": true})

	case path == "panel/api/server/getNewUUID":
		m.uuidCalls++
		writeJSON(w, map[string]any{"success": true, "obj": map[string]string{"uuid": m.nextUUID}})

	default:
		http.NotFound(w, r)
	}
}

func (m *mockPanel) identifier(inboundID int, c RemoteClient) string {
	switch m.inbounds[inboundID].Protocol {
	case "vless", "vmess":
		return c.ID
	default:
		return c.Email
	}
}

func (m *mockPanel) decodeClients(r *http.Request) (int, []RemoteClient) {
	var req ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.t.Errorf("Ошибка декодирования запроса клиента: %v", err)
		return 0, nil
	}
	var settings InboundSettings
	if err := json.Unmarshal([]byte(req.Settings), &settings); err != nil {
		m.t.Errorf("settings должен быть строкой JSON: %v", err)
	}
	return req.ID, settings.Clients
}

// snapshot собирает inbound с актуальным settings. Вызывается под m.mu.
func (m *mockPanel) snapshot() []Inbound {
	result := make([]Inbound, 0, len(m.inbounds))
	for id, in := range m.inbounds {
		copyIn := *in
		var settings InboundSettings
		if in.Settings != "" {
			json.Unmarshal([]byte(in.Settings), &settings)
		}
		settings.Clients = m.clients[id]
		raw, _ := json.Marshal(settings)
		copyIn.Settings = string(raw)
		copyIn.ClientStats = append([]ClientStat(nil), in.ClientStats...)
		result = append(result, copyIn)
	}
	return result
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
