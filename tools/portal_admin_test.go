package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xuiportal/app"
	"xuiportal/common"
)

// TestParseNodes тестирует разбор списка узлов пакета
func TestParseNodes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []common.PackageNode
		wantErr bool
	}{
		{name: "один узел", raw: "A:1", want: []common.PackageNode{{BoardName: "A", InboundID: 1, TrafficRate: 1}}},
		{name: "с коэффициентом", raw: "A:1:1.5, B:2", want: []common.PackageNode{
			{BoardName: "A", InboundID: 1, TrafficRate: 1.5},
			{BoardName: "B", InboundID: 2, TrafficRate: 1},
		}},
		{name: "некорректный коэффициент", raw: "A:1:abc", want: []common.PackageNode{{BoardName: "A", InboundID: 1, TrafficRate: 1}}},
		{name: "пусто", raw: " , ", wantErr: true},
		{name: "без inbound", raw: "A", wantErr: true},
		{name: "нулевой inbound", raw: "A:0", wantErr: true},
		{name: "без борда", raw: ":1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNodes(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseNodes(%q) ошибка = %v, ожидалась ошибка: %v", tt.raw, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseNodes(%q) = %+v, ожидалось %+v", tt.raw, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Узел %d = %+v, ожидалось %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func newTestCore(t *testing.T) *app.Core {
	t.Helper()
	core, err := app.NewCore(&common.Config{
		DBType:                "sqlite",
		SQLitePath:            ":memory:",
		CacheInboundsDuration: time.Minute,
		PanelRequestTimeout:   time.Second,
		FleetWorkers:          1,
		JWTSecret:             "test",
		JWTTTL:                time.Hour,
	})
	if err != nil {
		t.Fatalf("NewCore() вернул ошибку: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

// TestConsole тестирует сценарий настройки портала через консоль
func TestConsole(t *testing.T) {
	core := newTestCore(t)
	templatePath := filepath.Join(t.TempDir(), "mihomo.yaml")
	if err := os.WriteFile(templatePath, []byte("mixed-port: 7890\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	input := strings.Join([]string{
		"2", "A", "a.example.com", "2053", "", "sub", "admin", "secret",
		"5", "plan", "10", "A:1:2",
		"7", "alice", "alice@example.com",
		"10", "default", templatePath,
		"3", "A",
		"42",
		"4",
		"0",
	}, "\n") + "\n"

	var out bytes.Buffer
	newConsole(core, strings.NewReader(input), &out).run(context.Background())

	if boards := core.Fleet.Boards(); len(boards) != 1 || boards[0] != "A" {
		t.Errorf("Флот должен содержать борд A, получено %v", boards)
	}
	packages, err := core.DB.ListPackages()
	if err != nil || len(packages) != 1 || packages[0].TotalTraffic != 10*gigabyte || packages[0].Nodes[0].TrafficRate != 2 {
		t.Fatalf("Некорректные пакеты: %+v, %v", packages, err)
	}
	if user, err := core.DB.GetUserByEmail("alice@example.com"); err != nil || user.SubscriptionToken == "" {
		t.Errorf("Пользователь должен быть создан с токеном: %+v, %v", user, err)
	}
	if tpl, err := core.DB.GetActiveTemplate(); err != nil || tpl.Content != "mixed-port: 7890\n" {
		t.Errorf("Шаблон должен быть активен: %+v, %v", tpl, err)
	}

	text := out.String()
	for _, want := range []string{"сервер используется в пакетах", "Неизвестный пункт меню", "ПАКЕТЫ (1)", "A/1 x2.00"} {
		if !strings.Contains(text, want) {
			t.Errorf("Вывод не содержит %q:\n%s", want, text)
		}
	}
}

// TestConsole_ExtendAndDelete тестирует продление пакета и удаление пользователей через консоль
func TestConsole_ExtendAndDelete(t *testing.T) {
	core := newTestCore(t)
	pkg := &common.Package{Name: "plan", TotalTraffic: gigabyte, Nodes: []common.PackageNode{
		{BoardName: "B", InboundID: 1, TrafficRate: 1},
	}}
	if err := core.Packages.CreatePackage(pkg); err != nil {
		t.Fatal(err)
	}
	alice, err := core.Users.CreateUser("alice", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := core.DB.SetUserPackage(alice.ID, &pkg.ID, &past, nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := core.Users.CreateUser("bob", "bob@example.com"); err != nil {
		t.Fatal(err)
	}

	input := strings.Join([]string{
		"12", "alice@example.com", "30", "2030-01-15",
		"13", "alice@example.com", "yes",
		"13", "bob@example.com", "no",
		"13", "bob@example.com", "yes",
		"0",
	}, "\n") + "\n"

	var out bytes.Buffer
	newConsole(core, strings.NewReader(input), &out).run(context.Background())

	user, err := core.DB.GetUserByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("Пользователь с недоступными узлами не должен удаляться: %v", err)
	}
	if user.PackageExpireTime == nil || user.PackageExpireTime.Before(time.Now().AddDate(0, 0, 29)) {
		t.Errorf("Срок пакета должен быть продлен, получено %v", user.PackageExpireTime)
	}
	if user.ResetDay != 15 || user.PackageID == nil || *user.PackageID != pkg.ID {
		t.Errorf("Ожидался день сброса 15 и прежний пакет, получено %+v", user)
	}
	if _, err := core.DB.GetUserByEmail("bob@example.com"); err == nil {
		t.Error("bob должен быть удален")
	}

	text := out.String()
	for _, want := range []string{"Пакет пользователя alice@example.com продлен", "Ошибка:", "Операция отменена", "Пользователь bob@example.com удален"} {
		if !strings.Contains(text, want) {
			t.Errorf("Вывод не содержит %q:\n%s", want, text)
		}
	}
}

// TestConsole_EndOfInput тестирует выход по концу ввода
func TestConsole_EndOfInput(t *testing.T) {
	core := newTestCore(t)
	var out bytes.Buffer
	newConsole(core, strings.NewReader("1"), &out).run(context.Background())

	if !strings.Contains(out.String(), "СЕРВЕРЫ (0)") {
		t.Errorf("Последняя строка без перевода должна обрабатываться:\n%s", out.String())
	}
}
