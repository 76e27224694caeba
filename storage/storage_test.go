package storage

import (
	"errors"
	"testing"
	"time"

	"xuiportal/common"
)

// openTestDB открывает пустую in-memory базу SQLite
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(&common.Config{DBType: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("Не удалось открыть базу: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func int64Ptr(v int64) *int64 { return &v }

// TestRewriteQuery тестирует замену плейсхолдеров для PostgreSQL
func TestRewriteQuery(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{name: "sqlite без изменений", dialect: DialectSQLite, query: "SELECT ? , ?", want: "SELECT ? , ?"},
		{name: "postgres", dialect: DialectPostgres, query: "UPDATE t SET a = ? WHERE id = ?", want: "UPDATE t SET a = $1 WHERE id = $2"},
		{name: "литерал", dialect: DialectPostgres, query: "SELECT '?' , ?", want: "SELECT '?' , $1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewriteQuery(tt.dialect, tt.query); got != tt.want {
				t.Errorf("rewriteQuery() = %q, ожидалось %q", got, tt.want)
			}
		})
	}
}

// TestServers тестирует сохранение, обновление и удаление серверов
func TestServers(t *testing.T) {
	db := openTestDB(t)

	s := &common.ServerConfig{BoardName: "de-1", Server: "de.example.com", Port: 2053, Path: "/panel/", SubPath: "/sub/",
		Username: "admin", Password: "secret"}
	if err := db.SaveServer(s); err != nil {
		t.Fatalf("SaveServer() вернул ошибку: %v", err)
	}
	if s.ID == 0 {
		t.Fatal("После создания должен быть назначен ID")
	}

	s.Port = 443
	if err := db.SaveServer(s); err != nil {
		t.Fatalf("Повторный SaveServer() вернул ошибку: %v", err)
	}
	servers, err := db.ListServers()
	if err != nil || len(servers) != 1 || servers[0].Port != 443 {
		t.Fatalf("Ожидался один обновленный сервер, получено %+v (%v)", servers, err)
	}
	if servers[0].PanelURL() != "https://de.example.com:443/panel" {
		t.Errorf("Некорректный адрес панели: %s", servers[0].PanelURL())
	}

	if err := db.DeleteServer("de-1"); err != nil {
		t.Fatalf("DeleteServer() вернул ошибку: %v", err)
	}
	if _, err := db.GetServer("de-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидалась ErrNotFound после удаления, получено %v", err)
	}
	if err := db.DeleteServer("de-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторное удаление должно вернуть ErrNotFound, получено %v", err)
	}
}

// TestPackages тестирует пакет с узлами и каскадное удаление
func TestPackages(t *testing.T) {
	db := openTestDB(t)

	pkg := &common.Package{Name: "basic", TotalTraffic: 10 << 30, Nodes: []common.PackageNode{
		{BoardName: "a", InboundID: 1, NodeName: "A-1", TrafficRate: 1},
		{BoardName: "b", InboundID: 2, NodeName: "B-2", TrafficRate: 2.5},
	}}
	if err := db.CreatePackage(pkg); err != nil {
		t.Fatalf("CreatePackage() вернул ошибку: %v", err)
	}

	loaded, err := db.GetPackage(pkg.ID)
	if err != nil {
		t.Fatalf("GetPackage() вернул ошибку: %v", err)
	}
	if len(loaded.Nodes) != 2 || loaded.Nodes[1].TrafficRate != 2.5 || loaded.Nodes[1].Key() != "b/2" {
		t.Errorf("Узлы пакета загружены некорректно: %+v", loaded.Nodes)
	}
	if n, _ := db.CountBoardNodes("a"); n != 1 {
		t.Errorf("Ожидался 1 узел на борде a, получено %d", n)
	}

	pkg.Nodes = []common.PackageNode{{BoardName: "c", InboundID: 3, TrafficRate: 1}}
	if err := db.UpdatePackage(pkg); err != nil {
		t.Fatalf("UpdatePackage() вернул ошибку: %v", err)
	}
	nodes, _ := db.GetPackageNodes(pkg.ID)
	if len(nodes) != 1 || nodes[0].BoardName != "c" {
		t.Errorf("Набор узлов должен быть заменен, получено %+v", nodes)
	}

	expire := time.Now().Add(24 * time.Hour)
	user := &common.User{Username: "alice", Email: "alice@example.com", PackageID: int64Ptr(pkg.ID),
		PackageExpireTime: &expire, ResetDay: 15}
	if err := db.CreateUser(user); err != nil {
		t.Fatalf("CreateUser() вернул ошибку: %v", err)
	}
	if err := db.MarkDisabled(user.ID, common.DisableReasonTrafficExceeded, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := db.DeletePackage(pkg.ID); err != nil {
		t.Fatalf("DeletePackage() вернул ошибку: %v", err)
	}
	reloaded, _ := db.GetUser(user.ID)
	if reloaded.HasPackage() || reloaded.PackageExpireTime != nil || reloaded.NextResetTime != nil {
		t.Errorf("Поля пакета пользователя должны быть очищены: %+v", reloaded)
	}
	if status, _ := db.GetNodeStatus(user.ID); status.IsDisabled {
		t.Error("Статус отключения должен быть удален вместе с пакетом")
	}
	if _, err := db.GetPackage(pkg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Пакет должен быть удален, получено %v", err)
	}
}

// TestUsers тестирует выборки пользователей и перенос даты сброса
func TestUsers(t *testing.T) {
	db := openTestDB(t)
	pkg := &common.Package{Name: "p", TotalTraffic: 100}
	if err := db.CreatePackage(pkg); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour)
	later := now.Add(time.Hour)

	alice := &common.User{Username: "alice", Email: "alice", SubscriptionToken: "tok-a"}
	bob := &common.User{Username: "bob", Email: "bob"}
	carol := &common.User{Username: "carol", Email: "carol"}
	for _, u := range []*common.User{alice, bob, carol} {
		if err := db.CreateUser(u); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SetUserPackage(alice.ID, &pkg.ID, nil, &due, 10); err != nil {
		t.Fatal(err)
	}
	if err := db.SetUserPackage(bob.ID, &pkg.ID, nil, &later, 10); err != nil {
		t.Fatal(err)
	}

	withPackage, _ := db.ListUsersWithPackage()
	if len(withPackage) != 2 {
		t.Errorf("Ожидалось 2 пользователя с пакетом, получено %d", len(withPackage))
	}
	dueUsers, _ := db.ListUsersDueReset(now)
	if len(dueUsers) != 1 || dueUsers[0].ID != alice.ID {
		t.Errorf("К сбросу должна быть только alice, получено %+v", dueUsers)
	}

	byToken, err := db.GetUserBySubscriptionToken("tok-a")
	if err != nil || byToken.ID != alice.ID {
		t.Errorf("Поиск по токену вернул %+v, %v", byToken, err)
	}
	if _, err := db.GetUserBySubscriptionToken(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Пустой токен должен давать ErrNotFound, получено %v", err)
	}

	if err := db.UpdateUsedTraffic(alice.ID, 500); err != nil {
		t.Fatal(err)
	}
	next := common.NextMonthlyReset(due, 10)
	if err := db.CompleteReset(alice.ID, next); err != nil {
		t.Fatalf("CompleteReset() вернул ошибку: %v", err)
	}
	reloaded, _ := db.GetUser(alice.ID)
	if reloaded.UsedTraffic != 0 || !reloaded.NextResetTime.Equal(time.Unix(next.Unix(), 0)) {
		t.Errorf("После сброса ожидался used=0 и next=%v, получено %+v", next, reloaded)
	}
	if err := db.CompleteReset(alice.ID, due); err == nil {
		t.Error("Дата сброса не должна двигаться назад")
	}
}

// TestUsers_TermsAndDelete тестирует продление пакета без сброса трафика и удаление пользователя
func TestUsers_TermsAndDelete(t *testing.T) {
	db := openTestDB(t)
	pkg := &common.Package{Name: "p", TotalTraffic: 100}
	if err := db.CreatePackage(pkg); err != nil {
		t.Fatal(err)
	}
	alice := &common.User{Username: "alice", Email: "alice"}
	bob := &common.User{Username: "bob", Email: "bob"}
	for _, u := range []*common.User{alice, bob} {
		if err := db.CreateUser(u); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SetUserPackage(alice.ID, &pkg.ID, nil, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateUsedTraffic(alice.ID, 70); err != nil {
		t.Fatal(err)
	}

	expire := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next := time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)
	if err := db.UpdatePackageTerms(alice.ID, &expire, &next, 15); err != nil {
		t.Fatalf("UpdatePackageTerms() вернул ошибку: %v", err)
	}
	reloaded, _ := db.GetUser(alice.ID)
	if reloaded.UsedTraffic != 70 || *reloaded.PackageID != pkg.ID || reloaded.ResetDay != 15 ||
		!reloaded.PackageExpireTime.Equal(expire) || !reloaded.NextResetTime.Equal(next) {
		t.Errorf("Условия пакета обновлены некорректно: %+v", reloaded)
	}
	if err := db.UpdatePackageTerms(bob.ID, &expire, nil, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Пользователь без пакета должен давать ErrNotFound, получено %v", err)
	}

	if err := db.MarkDisabled(alice.ID, common.DisableReasonPackageExpired, expire); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveToken(&common.IssuedToken{UserID: alice.ID, TokenID: "jti-a", ExpiresAt: expire}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteUser(alice.ID); err != nil {
		t.Fatalf("DeleteUser() вернул ошибку: %v", err)
	}
	if _, err := db.GetUser(alice.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Пользователь должен быть удален, получено %v", err)
	}
	if _, err := db.GetToken("jti-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Токены пользователя должны быть удалены, получено %v", err)
	}
	if status, _ := db.GetNodeStatus(alice.ID); status.IsDisabled {
		t.Error("Статус пользователя должен быть удален")
	}
	if err := db.DeleteUser(alice.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторное удаление должно давать ErrNotFound, получено %v", err)
	}
}

// TestNodeStatus тестирует запись и сброс статуса отключения
func TestNodeStatus(t *testing.T) {
	db := openTestDB(t)

	status, err := db.GetNodeStatus(42)
	if err != nil || status.IsDisabled {
		t.Fatalf("Без записи пользователь должен считаться включенным: %+v, %v", status, err)
	}

	at := time.Unix(1700000000, 0)
	if err := db.MarkDisabled(42, common.DisableReasonPackageExpired, at); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkDisabled(42, common.DisableReasonTrafficExceeded, at); err != nil {
		t.Fatalf("Повторное отключение должно обновлять запись: %v", err)
	}
	status, _ = db.GetNodeStatus(42)
	if !status.IsDisabled || status.DisableReason != common.DisableReasonTrafficExceeded || !status.DisabledAt.Equal(at) {
		t.Errorf("Некорректный статус: %+v", status)
	}

	if err := db.ClearNodeStatus(42); err != nil {
		t.Fatal(err)
	}
	if status, _ = db.GetNodeStatus(42); status.IsDisabled {
		t.Error("После сброса пользователь должен быть включен")
	}
}

// TestTokens тестирует отзыв и удаление просроченных токенов
func TestTokens(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	tokens := []*common.IssuedToken{
		{UserID: 1, TokenID: "old", ExpiresAt: now.Add(-time.Hour)},
		{UserID: 1, TokenID: "fresh", ExpiresAt: now.Add(time.Hour), UserAgent: "curl", IPAddress: "10.0.0.1"},
		{UserID: 2, TokenID: "other", ExpiresAt: now.Add(time.Hour)},
	}
	for _, tok := range tokens {
		if err := db.SaveToken(tok); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := db.DeleteExpiredTokens(now)
	if err != nil || deleted != 1 {
		t.Fatalf("Ожидалось удаление 1 токена, получено %d (%v)", deleted, err)
	}
	if _, err := db.GetToken("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Просроченный токен должен быть удален, получено %v", err)
	}

	if n, _ := db.RevokeUserTokens(1); n != 1 {
		t.Errorf("Ожидался отзыв 1 токена пользователя 1, получено %d", n)
	}
	fresh, _ := db.GetToken("fresh")
	if !fresh.IsRevoked || fresh.UserAgent != "curl" {
		t.Errorf("Токен fresh должен быть отозван: %+v", fresh)
	}
	other, _ := db.GetToken("other")
	if other.IsRevoked {
		t.Error("Токены других пользователей не должны отзываться")
	}
}

// TestTemplates тестирует единственность активного шаблона
func TestTemplates(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.GetActiveTemplate(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Без шаблонов ожидалась ErrNotFound, получено %v", err)
	}

	first := &common.MihomoTemplate{Name: "first", Content: "proxies: []", IsActive: true}
	second := &common.MihomoTemplate{Name: "second", Content: "mode: rule", IsActive: true}
	if err := db.SaveTemplate(first); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveTemplate(second); err != nil {
		t.Fatal(err)
	}
	active, err := db.GetActiveTemplate()
	if err != nil || active.Name != "second" {
		t.Errorf("Активным должен быть second, получено %+v (%v)", active, err)
	}

	if err := db.ActivateTemplate(first.ID); err != nil {
		t.Fatal(err)
	}
	active, _ = db.GetActiveTemplate()
	if active.Name != "first" {
		t.Errorf("Активным должен быть first, получено %s", active.Name)
	}
}
