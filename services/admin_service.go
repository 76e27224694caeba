package services

import (
	"context"

	"xuiportal/common"
)

// UserLookup поиск пользователя по email
type UserLookup interface {
	GetUserByEmail(email string) (*common.User, error)
}

// BoardLister список подключенных бордов
type BoardLister interface {
	Boards() []string
}

// AdminService операции администратора для бота
type AdminService struct {
	lookup    UserLookup
	users     *UserService
	scheduler *Scheduler
	fleet     BoardLister
}

// NewAdminService создает сервис администратора
func NewAdminService(lookup UserLookup, users *UserService, scheduler *Scheduler, fleet BoardLister) *AdminService {
	return &AdminService{lookup: lookup, users: users, scheduler: scheduler, fleet: fleet}
}

// Boards возвращает подключенные борды
func (a *AdminService) Boards() []string {
	return a.fleet.Boards()
}

// UserTraffic пересчитывает трафик пользователя по email
func (a *AdminService) UserTraffic(ctx context.Context, email string) (*common.User, common.TrafficUsage, error) {
	user, err := a.lookup.GetUserByEmail(email)
	if err != nil {
		return nil, common.TrafficUsage{}, err
	}
	usage, err := a.users.RecalculateTraffic(ctx, user.ID)
	return user, usage, err
}

// RefreshToken выдает пользователю новый токен подписки
func (a *AdminService) RefreshToken(ctx context.Context, email string) (string, error) {
	user, err := a.lookup.GetUserByEmail(email)
	if err != nil {
		return "", err
	}
	return a.users.RefreshSubscriptionToken(ctx, user.ID)
}

// RunMonitor запускает внеочередную проверку трафика
func (a *AdminService) RunMonitor(ctx context.Context) error {
	return a.scheduler.RunMonitor(ctx)
}
