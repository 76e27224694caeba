package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"xuiportal/common"
	"xuiportal/fleet"
)

// ErrInvalidPackage некорректные параметры пакета
var ErrInvalidPackage = errors.New("некорректный пакет")

// PackageStore хранилище пакетов и назначений
type PackageStore interface {
	GetPackage(id int64) (*common.Package, error)
	CreatePackage(pkg *common.Package) error
	UpdatePackage(pkg *common.Package) error
	DeletePackage(id int64) error
	ListUsersByPackage(packageID int64) ([]common.User, error)
	GetUser(id int64) (*common.User, error)
	SetUserPackage(userID int64, packageID *int64, expire, nextReset *time.Time, resetDay int) error
	UpdatePackageTerms(userID int64, expire, nextReset *time.Time, resetDay int) error
	GetNodeStatus(userID int64) (common.UserNodeStatus, error)
	ClearNodeStatus(userID int64) error
}

// PackageFleet операции флота при изменении пакетов
type PackageFleet interface {
	AddClientToPackageNodes(ctx context.Context, user *common.User) error
	DeleteClientFromPackageNodes(ctx context.Context, email string, packageID int64) error
	AddClientsToNode(ctx context.Context, board string, inboundID int, clients []fleet.NodeClient) error
	DeleteClientsFromNode(ctx context.Context, board string, inboundID int, emails []string) error
}

// PackageService управляет пакетами и синхронизирует клиентов на узлах
type PackageService struct {
	store PackageStore
	fleet PackageFleet
	now   func() time.Time
}

// NewPackageService создает сервис пакетов
func NewPackageService(store PackageStore, fleet PackageFleet) *PackageService {
	return &PackageService{store: store, fleet: fleet, now: time.Now}
}

func validatePackage(pkg *common.Package) error {
	if pkg.Name == "" {
		return fmt.Errorf("%w: пустое имя", ErrInvalidPackage)
	}
	if pkg.TotalTraffic < 0 {
		return fmt.Errorf("%w: отрицательная квота", ErrInvalidPackage)
	}
	seen := make(map[string]bool, len(pkg.Nodes))
	for i := range pkg.Nodes {
		n := &pkg.Nodes[i]
		if n.BoardName == "" || n.InboundID <= 0 {
			return fmt.Errorf("%w: узел без борда или inbound", ErrInvalidPackage)
		}
		if seen[n.Key()] {
			return fmt.Errorf("%w: узел %s указан дважды", ErrInvalidPackage, n.Key())
		}
		seen[n.Key()] = true
		if n.TrafficRate < 0 {
			n.TrafficRate = common.DefaultTrafficRate
		}
	}
	return nil
}

// CreatePackage создает пакет
func (ps *PackageService) CreatePackage(pkg *common.Package) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	if err := ps.store.CreatePackage(pkg); err != nil {
		return err
	}
	log.Printf("PACKAGE_SERVICE: Создан пакет %s (%s, узлов: %d)", pkg.Name, common.FormatTraffic(pkg.TotalTraffic), len(pkg.Nodes))
	return nil
}

// UpdatePackage сохраняет пакет и переносит клиентов пользователей на новый набор узлов
func (ps *PackageService) UpdatePackage(ctx context.Context, pkg *common.Package) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	old, err := ps.store.GetPackage(pkg.ID)
	if err != nil {
		return err
	}
	if err := ps.store.UpdatePackage(pkg); err != nil {
		return err
	}

	added, removed := diffNodes(old.Nodes, pkg.Nodes)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	users, err := ps.store.ListUsersByPackage(pkg.ID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}
	emails := make([]string, 0, len(users))
	clients := make([]fleet.NodeClient, 0, len(users))
	for _, u := range users {
		status, err := ps.store.GetNodeStatus(u.ID)
		if err != nil {
			return err
		}
		emails = append(emails, u.Email)
		clients = append(clients, fleet.NodeClient{Email: u.Email, Disabled: status.IsDisabled})
	}

	log.Printf("PACKAGE_SERVICE: Пакет %s: новых узлов %d, удаленных %d, пользователей %d",
		pkg.Name, len(added), len(removed), len(emails))

	var errs []error
	for _, n := range removed {
		if err := ps.fleet.DeleteClientsFromNode(ctx, n.BoardName, n.InboundID, emails); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range added {
		if err := ps.fleet.AddClientsToNode(ctx, n.BoardName, n.InboundID, clients); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func diffNodes(old, updated []common.PackageNode) (added, removed []common.PackageNode) {
	oldKeys := make(map[string]bool, len(old))
	for _, n := range old {
		oldKeys[n.Key()] = true
	}
	newKeys := make(map[string]bool, len(updated))
	for _, n := range updated {
		newKeys[n.Key()] = true
		if !oldKeys[n.Key()] {
			added = append(added, n)
		}
	}
	for _, n := range old {
		if !newKeys[n.Key()] {
			removed = append(removed, n)
		}
	}
	return added, removed
}

// DeletePackage удаляет клиентов пользователей со всех узлов пакета, отвязывает пользователей и удаляет пакет.
// Ошибки на узлах не останавливают удаление и возвращаются вместе.
func (ps *PackageService) DeletePackage(ctx context.Context, id int64) error {
	users, err := ps.store.ListUsersByPackage(id)
	if err != nil {
		return err
	}

	var errs []error
	for _, u := range users {
		if err := ps.fleet.DeleteClientFromPackageNodes(ctx, u.Email, id); err != nil {
			log.Printf("PACKAGE_SERVICE: Ошибка удаления клиента %s с узлов пакета %d: %v", u.Email, id, err)
			errs = append(errs, err)
		}
	}
	if err := ps.store.DeletePackage(id); err != nil {
		return errors.Join(append(errs, err)...)
	}
	log.Printf("PACKAGE_SERVICE: Пакет %d удален, отвязано пользователей: %d", id, len(users))
	return errors.Join(errs...)
}

// AssignPackage назначает пользователю пакет или снимает его при packageID == nil.
// Цикл сброса начинается с текущего дня месяца.
func (ps *PackageService) AssignPackage(ctx context.Context, userID int64, packageID *int64, expire *time.Time) error {
	user, err := ps.store.GetUser(userID)
	if err != nil {
		return err
	}
	if packageID != nil {
		if _, err := ps.store.GetPackage(*packageID); err != nil {
			return err
		}
	}

	if user.HasPackage() {
		if err := ps.fleet.DeleteClientFromPackageNodes(ctx, user.Email, *user.PackageID); err != nil {
			log.Printf("PACKAGE_SERVICE: Ошибка удаления %s со старых узлов: %v", user.Email, err)
		}
	}
	if err := ps.store.ClearNodeStatus(user.ID); err != nil {
		return err
	}

	if packageID == nil {
		log.Printf("PACKAGE_SERVICE: Пакет пользователя %s снят", user.Email)
		return ps.store.SetUserPackage(user.ID, nil, nil, nil, 0)
	}

	now := ps.now()
	resetDay := now.Day()
	nextReset := common.NextMonthlyReset(now, resetDay)
	if err := ps.store.SetUserPackage(user.ID, packageID, expire, &nextReset, resetDay); err != nil {
		return err
	}
	user.PackageID = packageID
	user.PackageExpireTime = expire
	user.NextResetTime = &nextReset
	user.ResetDay = resetDay

	log.Printf("PACKAGE_SERVICE: Пользователю %s назначен пакет %d, сброс %s", user.Email, *packageID, nextReset.Format("2006-01-02"))
	return ps.fleet.AddClientToPackageNodes(ctx, user)
}

// UpdateUserPackage продлевает текущий пакет пользователя: меняет срок и, если nextReset задан, дату сброса.
// Клиенты на узлах не пересоздаются, счетчики и ссылки сохраняются.
// Отключение по сроку снимается следующим проходом мониторинга.
func (ps *PackageService) UpdateUserPackage(userID int64, expire, nextReset *time.Time) error {
	user, err := ps.store.GetUser(userID)
	if err != nil {
		return err
	}
	if !user.HasPackage() {
		return fmt.Errorf("%w: %s", fleet.ErrNoPackage, user.Email)
	}

	resetDay := user.ResetDay
	if nextReset != nil {
		resetDay = nextReset.Day()
	} else {
		nextReset = user.NextResetTime
	}
	if err := ps.store.UpdatePackageTerms(user.ID, expire, nextReset, resetDay); err != nil {
		return err
	}

	expireText := "бессрочно"
	if expire != nil {
		expireText = expire.Format("2006-01-02")
	}
	log.Printf("PACKAGE_SERVICE: Пакет пользователя %s продлен: срок %s", user.Email, expireText)
	return nil
}
