package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"xuiportal/common"
	"xuiportal/metrics"
	"xuiportal/storage"
)

// CheckUsers сверяет срок пакета и трафик каждого пользователя с пакетом.
// Ошибка одного пользователя не прерывает обработку остальных.
func (s *Scheduler) CheckUsers(ctx context.Context) error {
	users, err := s.store.ListUsersWithPackage()
	if err != nil {
		return fmt.Errorf("ошибка получения пользователей: %w", err)
	}

	failed := 0
	for i := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.checkUser(ctx, &users[i]); err != nil {
			failed++
			log.Printf("TRAFFIC_MONITOR: Пользователь %s: %v", users[i].Email, err)
		}
	}

	log.Printf("TRAFFIC_MONITOR: Проверено пользователей: %d, с ошибками: %d", len(users), failed)
	if failed > 0 {
		return fmt.Errorf("ошибки у %d из %d пользователей", failed, len(users))
	}
	return nil
}

func (s *Scheduler) checkUser(ctx context.Context, user *common.User) error {
	pkg, err := s.store.GetPackage(*user.PackageID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("TRAFFIC_MONITOR: Пакет %d пользователя %s не существует, пропуск", *user.PackageID, user.Email)
		return nil
	}
	if err != nil {
		return err
	}

	status, err := s.store.GetNodeStatus(user.ID)
	if err != nil {
		return err
	}

	now := s.now()
	var (
		reason     string
		usage      common.TrafficUsage
		conclusive = true
	)

	if common.IsPackageExpired(user.PackageExpireTime, now) {
		reason = common.DisableReasonPackageExpired
	} else {
		var usageErr error
		usage, usageErr = s.fleet.GetUsedTraffic(ctx, user)
		if usageErr != nil {
			// часть узлов недоступна: usage является нижней оценкой
			conclusive = false
			log.Printf("TRAFFIC_MONITOR: Трафик %s посчитан частично: %v", user.Email, usageErr)
		} else if err := s.store.UpdateUsedTraffic(user.ID, usage.Total); err != nil {
			return err
		}
		if pkg.TotalTraffic > 0 && usage.Total >= pkg.TotalTraffic {
			reason = common.DisableReasonTrafficExceeded
		}
	}

	switch {
	case reason != "" && !status.IsDisabled:
		if err := s.fleet.DisableClientFromPackageNodes(ctx, user); err != nil {
			return fmt.Errorf("ошибка отключения на узлах: %w", err)
		}
		if err := s.store.MarkDisabled(user.ID, reason, now); err != nil {
			return err
		}
		metrics.UserTransitions.WithLabelValues("disabled", reason).Inc()
		log.Printf("TRAFFIC_MONITOR: Пользователь %s отключен: %s (%s из %s)", user.Email, reason,
			common.FormatTraffic(usage.Total), common.FormatTraffic(pkg.TotalTraffic))
		s.notifyDisabled(user, reason, usage.Total, pkg.TotalTraffic)

	case reason != "" && status.DisableReason != reason:
		// уже отключен, меняется только причина
		if err := s.store.MarkDisabled(user.ID, reason, now); err != nil {
			return err
		}
		log.Printf("TRAFFIC_MONITOR: Причина отключения %s изменена: %s -> %s", user.Email, status.DisableReason, reason)

	case reason == "" && status.IsDisabled:
		if !conclusive {
			return nil
		}
		if err := s.fleet.EnableClientFromPackageNodes(ctx, user); err != nil {
			return fmt.Errorf("ошибка включения на узлах: %w", err)
		}
		if err := s.store.ClearNodeStatus(user.ID); err != nil {
			return err
		}
		metrics.UserTransitions.WithLabelValues("enabled", status.DisableReason).Inc()
		log.Printf("TRAFFIC_MONITOR: Пользователь %s снова включен", user.Email)
		s.notifyEnabled(user)
	}
	return nil
}
