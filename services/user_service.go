package services

import (
	"context"
	"fmt"
	"log"

	"xuiportal/common"
)

// UserStore хранилище пользователей
type UserStore interface {
	CreateUser(u *common.User) error
	GetUser(id int64) (*common.User, error)
	SetSubscriptionToken(userID int64, token string) error
	UpdateUsedTraffic(userID, used int64) error
	DeleteUser(userID int64) error
}

// UserFleet операции флота для пользователя
type UserFleet interface {
	RefreshClientFromPackageNodes(ctx context.Context, user *common.User) error
	GetUsedTraffic(ctx context.Context, user *common.User) (common.TrafficUsage, error)
	DeleteClientFromPackageNodes(ctx context.Context, email string, packageID int64) error
}

// TokenRevoker отзывает токены доступа пользователя
type TokenRevoker interface {
	RevokeAll(userID int64) error
}

// UserService операции над пользователем, затрагивающие узлы
type UserService struct {
	store  UserStore
	fleet  UserFleet
	tokens TokenRevoker
}

// NewUserService создает сервис пользователей. tokens может быть nil.
func NewUserService(store UserStore, fleet UserFleet, tokens TokenRevoker) *UserService {
	return &UserService{store: store, fleet: fleet, tokens: tokens}
}

// CreateUser создает пользователя с токеном подписки
func (us *UserService) CreateUser(username, email string) (*common.User, error) {
	if username == "" || email == "" {
		return nil, fmt.Errorf("не указано имя или email")
	}
	token, err := common.GenerateSubscriptionToken()
	if err != nil {
		return nil, err
	}
	user := &common.User{Username: username, Email: email, SubscriptionToken: token}
	if err := us.store.CreateUser(user); err != nil {
		return nil, err
	}
	log.Printf("USER_SERVICE: Создан пользователь %s", email)
	return user, nil
}

// RefreshSubscriptionToken меняет секреты клиента на всех узлах и выдает новый токен подписки.
// Новый токен сохраняется и при частичной ошибке на узлах, ошибка возвращается вместе с ним.
func (us *UserService) RefreshSubscriptionToken(ctx context.Context, userID int64) (string, error) {
	user, err := us.store.GetUser(userID)
	if err != nil {
		return "", err
	}

	var rotateErr error
	if user.HasPackage() {
		if rotateErr = us.fleet.RefreshClientFromPackageNodes(ctx, user); rotateErr != nil {
			log.Printf("USER_SERVICE: Ключи %s обновлены не на всех узлах: %v", user.Email, rotateErr)
		}
	}

	token, err := common.GenerateSubscriptionToken()
	if err != nil {
		return "", err
	}
	if err := us.store.SetSubscriptionToken(user.ID, token); err != nil {
		return "", err
	}
	if us.tokens != nil {
		if err := us.tokens.RevokeAll(user.ID); err != nil {
			log.Printf("USER_SERVICE: Ошибка отзыва токенов %s: %v", user.Email, err)
		}
	}
	log.Printf("USER_SERVICE: Токен подписки %s обновлен", user.Email)
	return token, rotateErr
}

// RecalculateTraffic пересчитывает использованный трафик по узлам.
// Частичный результат возвращается, но не сохраняется.
func (us *UserService) RecalculateTraffic(ctx context.Context, userID int64) (common.TrafficUsage, error) {
	user, err := us.store.GetUser(userID)
	if err != nil {
		return common.TrafficUsage{}, err
	}
	usage, err := us.fleet.GetUsedTraffic(ctx, user)
	if err != nil {
		return usage, err
	}
	if err := us.store.UpdateUsedTraffic(user.ID, usage.Total); err != nil {
		return usage, err
	}
	return usage, nil
}

// DeleteUser удаляет клиента пользователя со всех узлов пакета, затем пользователя.
// Если хотя бы один узел не ответил, пользователь остается в базе, чтобы удаление можно было повторить.
func (us *UserService) DeleteUser(ctx context.Context, userID int64) error {
	user, err := us.store.GetUser(userID)
	if err != nil {
		return err
	}
	if user.HasPackage() {
		if err := us.fleet.DeleteClientFromPackageNodes(ctx, user.Email, *user.PackageID); err != nil {
			log.Printf("USER_SERVICE: Клиент %s удален не со всех узлов: %v", user.Email, err)
			return fmt.Errorf("клиент %s не удален с узлов: %w", user.Email, err)
		}
	}
	if err := us.store.DeleteUser(user.ID); err != nil {
		return err
	}
	log.Printf("USER_SERVICE: Пользователь %s удален", user.Email)
	return nil
}
