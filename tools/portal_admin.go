// Консоль администратора портала: серверы, пакеты, пользователи и шаблоны Mihomo.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"xuiportal/app"
	"xuiportal/common"
)

const gigabyte = 1024 * 1024 * 1024

type console struct {
	core *app.Core
	in   *bufio.Reader
	out  io.Writer
}

func newConsole(core *app.Core, in io.Reader, out io.Writer) *console {
	return &console{core: core, in: bufio.NewReader(in), out: out}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// read возвращает введенную строку. io.EOF означает конец ввода.
func (c *console) read(prompt string) (string, error) {
	c.printf("%s", prompt)
	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// run обрабатывает меню до выбора 0 или конца ввода
func (c *console) run(ctx context.Context) {
	actions := map[string]func(context.Context) error{
		"1":  c.showServers,
		"2":  c.saveServer,
		"3":  c.deleteServer,
		"4":  c.showPackages,
		"5":  c.createPackage,
		"6":  c.deletePackage,
		"7":  c.createUser,
		"8":  c.assignPackage,
		"9":  c.refreshToken,
		"10": c.loadTemplate,
		"11": c.showInbounds,
		"12": c.extendPackage,
		"13": c.deleteUser,
	}

	for {
		c.printf("\nВыберите действие:\n")
		c.printf("1. Показать серверы\n2. Добавить или обновить сервер\n3. Удалить сервер\n")
		c.printf("4. Показать пакеты\n5. Создать пакет\n6. Удалить пакет\n")
		c.printf("7. Создать пользователя\n8. Назначить пакет пользователю\n9. Обновить токен подписки\n")
		c.printf("10. Загрузить шаблон Mihomo\n11. Показать inbound всех панелей\n")
		c.printf("12. Продлить пакет пользователя\n13. Удалить пользователя\n0. Выход\n")

		choice, err := c.read("Ваш выбор: ")
		if err != nil || choice == "0" {
			return
		}
		action, ok := actions[choice]
		if !ok {
			c.printf("Неизвестный пункт меню\n")
			continue
		}
		if err := action(ctx); err != nil {
			c.printf("Ошибка: %v\n", err)
		}
	}
}

func (c *console) showServers(context.Context) error {
	servers, err := c.core.DB.ListServers()
	if err != nil {
		return err
	}
	c.printf("\n=== СЕРВЕРЫ (%d) ===\n", len(servers))
	for _, s := range servers {
		c.printf("%s: %s (подписки: %s)\n", s.BoardName, s.PanelURL(), s.SubscriptionURL())
	}
	return nil
}

func (c *console) saveServer(context.Context) error {
	var s common.ServerConfig
	var err error
	if s.BoardName, err = c.read("Имя борда: "); err != nil {
		return err
	}
	if s.Server, err = c.read("Адрес панели: "); err != nil {
		return err
	}
	port, err := c.read("Порт: ")
	if err != nil {
		return err
	}
	if s.Port, err = strconv.Atoi(port); err != nil {
		return fmt.Errorf("некорректный порт: %v", err)
	}
	if s.Path, err = c.read("Путь панели (может быть пустым): "); err != nil {
		return err
	}
	if s.SubPath, err = c.read("Путь подписок: "); err != nil {
		return err
	}
	if s.Username, err = c.read("Логин: "); err != nil {
		return err
	}
	if s.Password, err = c.read("Пароль: "); err != nil {
		return err
	}
	if err := c.core.Servers.SaveServer(&s); err != nil {
		return err
	}
	c.printf("✅ Сервер %s сохранен\n", s.BoardName)
	return nil
}

func (c *console) deleteServer(context.Context) error {
	board, err := c.read("Имя борда для удаления: ")
	if err != nil {
		return err
	}
	if err := c.core.Servers.DeleteServer(board); err != nil {
		return err
	}
	c.printf("✅ Сервер %s удален\n", board)
	return nil
}

func (c *console) showPackages(context.Context) error {
	packages, err := c.core.DB.ListPackages()
	if err != nil {
		return err
	}
	c.printf("\n=== ПАКЕТЫ (%d) ===\n", len(packages))
	for _, p := range packages {
		c.printf("%d) %s, квота %s\n", p.ID, p.Name, common.FormatTraffic(p.TotalTraffic))
		for _, n := range p.Nodes {
			c.printf("   %s x%.2f\n", n.Key(), n.TrafficRate)
		}
	}
	return nil
}

func (c *console) createPackage(context.Context) error {
	name, err := c.read("Название пакета: ")
	if err != nil {
		return err
	}
	quota, err := c.read("Квота, ГБ: ")
	if err != nil {
		return err
	}
	gb, err := strconv.ParseFloat(quota, 64)
	if err != nil {
		return fmt.Errorf("некорректная квота: %v", err)
	}
	rawNodes, err := c.read("Узлы (борд:inbound[:коэффициент] через запятую): ")
	if err != nil {
		return err
	}
	nodes, err := parseNodes(rawNodes)
	if err != nil {
		return err
	}

	pkg := &common.Package{Name: name, TotalTraffic: int64(gb * gigabyte), Nodes: nodes}
	if err := c.core.Packages.CreatePackage(pkg); err != nil {
		return err
	}
	c.printf("✅ Пакет %s создан, id=%d\n", pkg.Name, pkg.ID)
	return nil
}

func (c *console) deletePackage(ctx context.Context) error {
	id, err := c.readID("ID пакета для удаления: ")
	if err != nil {
		return err
	}
	confirm, err := c.read("Клиенты будут удалены со всех узлов пакета. Продолжить? (yes/no): ")
	if err != nil {
		return err
	}
	if strings.ToLower(confirm) != "yes" {
		c.printf("Операция отменена\n")
		return nil
	}
	if err := c.core.Packages.DeletePackage(ctx, id); err != nil {
		return err
	}
	c.printf("✅ Пакет %d удален\n", id)
	return nil
}

func (c *console) createUser(context.Context) error {
	username, err := c.read("Имя пользователя: ")
	if err != nil {
		return err
	}
	email, err := c.read("Email: ")
	if err != nil {
		return err
	}
	user, err := c.core.Users.CreateUser(username, email)
	if err != nil {
		return err
	}
	c.printf("✅ Пользователь %s создан, id=%d, токен подписки: %s\n", user.Email, user.ID, user.SubscriptionToken)
	return nil
}

func (c *console) assignPackage(ctx context.Context) error {
	email, err := c.read("Email пользователя: ")
	if err != nil {
		return err
	}
	user, err := c.core.DB.GetUserByEmail(email)
	if err != nil {
		return err
	}
	rawID, err := c.read("ID пакета (пусто чтобы снять пакет): ")
	if err != nil {
		return err
	}

	var packageID *int64
	var expire *time.Time
	if rawID != "" {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return fmt.Errorf("некорректный ID: %v", err)
		}
		packageID = &id

		rawDays, err := c.read("Срок в днях (0 для бессрочного): ")
		if err != nil {
			return err
		}
		days, err := strconv.Atoi(rawDays)
		if err != nil || days < 0 {
			return fmt.Errorf("некорректный срок: %q", rawDays)
		}
		if days > 0 {
			t := time.Now().AddDate(0, 0, days)
			expire = &t
		}
	}

	if err := c.core.Packages.AssignPackage(ctx, user.ID, packageID, expire); err != nil {
		return err
	}
	c.printf("✅ Пакет пользователя %s обновлен\n", user.Email)
	return nil
}

// extendPackage меняет срок и дату сброса без пересоздания клиентов на узлах
func (c *console) extendPackage(context.Context) error {
	email, err := c.read("Email пользователя: ")
	if err != nil {
		return err
	}
	user, err := c.core.DB.GetUserByEmail(email)
	if err != nil {
		return err
	}
	rawDays, err := c.read("Новый срок в днях от сегодня (0 для бессрочного): ")
	if err != nil {
		return err
	}
	days, err := strconv.Atoi(rawDays)
	if err != nil || days < 0 {
		return fmt.Errorf("некорректный срок: %q", rawDays)
	}
	var expire *time.Time
	if days > 0 {
		t := time.Now().AddDate(0, 0, days)
		expire = &t
	}

	rawReset, err := c.read("Дата следующего сброса ГГГГ-ММ-ДД (пусто чтобы не менять): ")
	if err != nil {
		return err
	}
	var nextReset *time.Time
	if rawReset != "" {
		t, err := time.ParseInLocation("2006-01-02", rawReset, time.Local)
		if err != nil {
			return fmt.Errorf("некорректная дата сброса: %v", err)
		}
		nextReset = &t
	}

	if err := c.core.Packages.UpdateUserPackage(user.ID, expire, nextReset); err != nil {
		return err
	}
	c.printf("✅ Пакет пользователя %s продлен\n", user.Email)
	return nil
}

func (c *console) deleteUser(ctx context.Context) error {
	email, err := c.read("Email пользователя для удаления: ")
	if err != nil {
		return err
	}
	user, err := c.core.DB.GetUserByEmail(email)
	if err != nil {
		return err
	}
	confirm, err := c.read("Клиент будет удален со всех узлов пакета. Продолжить? (yes/no): ")
	if err != nil {
		return err
	}
	if strings.ToLower(confirm) != "yes" {
		c.printf("Операция отменена\n")
		return nil
	}
	if err := c.core.Users.DeleteUser(ctx, user.ID); err != nil {
		return err
	}
	c.printf("✅ Пользователь %s удален\n", user.Email)
	return nil
}

func (c *console) refreshToken(ctx context.Context) error {
	email, err := c.read("Email пользователя: ")
	if err != nil {
		return err
	}
	user, err := c.core.DB.GetUserByEmail(email)
	if err != nil {
		return err
	}
	token, err := c.core.Users.RefreshSubscriptionToken(ctx, user.ID)
	if token != "" {
		c.printf("🔑 Новый токен подписки: %s\n", token)
	}
	return err
}

func (c *console) loadTemplate(context.Context) error {
	name, err := c.read("Название шаблона: ")
	if err != nil {
		return err
	}
	path, err := c.read("Путь к YAML-файлу: ")
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ошибка чтения шаблона: %v", err)
	}
	tpl := &common.MihomoTemplate{Name: name, Content: string(content), IsActive: true}
	if err := c.core.DB.SaveTemplate(tpl); err != nil {
		return err
	}
	c.printf("✅ Шаблон %s загружен и активирован, id=%d\n", tpl.Name, tpl.ID)
	return nil
}

func (c *console) showInbounds(ctx context.Context) error {
	inbounds, err := c.core.Fleet.GetAllInbounds(ctx)
	for _, in := range inbounds {
		c.printf("%s/%d %s %s:%d клиентов: %d\n", in.BoardName, in.ID, in.Protocol, in.Remark, in.Port, len(in.ClientStats))
	}
	if err != nil {
		c.printf("⚠️ Часть панелей недоступна\n")
	}
	return err
}

func (c *console) readID(prompt string) (int64, error) {
	raw, err := c.read(prompt)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный ID: %v", err)
	}
	return id, nil
}

// parseNodes разбирает список узлов вида "A:1:1.5, B:2"
func parseNodes(raw string) ([]common.PackageNode, error) {
	var nodes []common.PackageNode
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("некорректный узел %q", item)
		}
		inboundID, err := strconv.Atoi(parts[1])
		if err != nil || inboundID <= 0 {
			return nil, fmt.Errorf("некорректный inbound в узле %q", item)
		}
		rate := common.DefaultTrafficRate
		if len(parts) == 3 {
			rate = common.ParseTrafficRate(parts[2])
		}
		nodes = append(nodes, common.PackageNode{BoardName: parts[0], InboundID: inboundID, TrafficRate: rate})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("не указан ни один узел")
	}
	return nodes, nil
}

func main() {
	cfg := common.LoadConfig(".env", "tools/.env")

	fmt.Println("=== Консоль администратора портала ===")
	core, err := app.NewCore(cfg)
	if err != nil {
		log.Fatalf("Ошибка инициализации: %v", err)
	}
	defer core.Close()

	newConsole(core, os.Stdin, os.Stdout).run(context.Background())
}
