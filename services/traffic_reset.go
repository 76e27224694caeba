package services

import (
	"context"
	"fmt"
	"log"

	"xuiportal/common"
	"xuiportal/metrics"
)

// ResetDueUsers сбрасывает трафик пользователей с наступившей датой сброса.
// Дата переносится на месяц только если сброс прошел на всех узлах.
func (s *Scheduler) ResetDueUsers(ctx context.Context) error {
	now := s.now()
	users, err := s.store.ListUsersDueReset(now)
	if err != nil {
		return fmt.Errorf("ошибка получения пользователей для сброса: %w", err)
	}
	if len(users) == 0 {
		return nil
	}

	failed := 0
	for i := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.resetUser(ctx, &users[i]); err != nil {
			failed++
			log.Printf("TRAFFIC_RESET: Пользователь %s: %v", users[i].Email, err)
		}
	}

	log.Printf("TRAFFIC_RESET: Сброшено %d из %d пользователей", len(users)-failed, len(users))
	if failed > 0 {
		return fmt.Errorf("сброс не выполнен у %d из %d пользователей", failed, len(users))
	}
	return nil
}

func (s *Scheduler) resetUser(ctx context.Context, user *common.User) error {
	if user.NextResetTime == nil {
		return nil
	}

	if err := s.fleet.ResetClientTrafficOnPackageNodes(ctx, user); err != nil {
		s.notifyResetFailed(user, err)
		return fmt.Errorf("сброс на узлах не завершен, дата сброса не изменена: %w", err)
	}

	next := common.NextMonthlyReset(*user.NextResetTime, user.ResetDay)
	if err := s.store.CompleteReset(user.ID, next); err != nil {
		return err
	}
	user.NextResetTime = &next
	user.UsedTraffic = 0
	log.Printf("TRAFFIC_RESET: Трафик %s сброшен, следующий сброс %s", user.Email, next.Format("2006-01-02 15:04"))

	status, err := s.store.GetNodeStatus(user.ID)
	if err != nil {
		return err
	}
	if !status.IsDisabled || status.DisableReason != common.DisableReasonTrafficExceeded {
		return nil
	}
	if err := s.fleet.EnableClientFromPackageNodes(ctx, user); err != nil {
		return fmt.Errorf("ошибка включения после сброса: %w", err)
	}
	if err := s.store.ClearNodeStatus(user.ID); err != nil {
		return err
	}
	metrics.UserTransitions.WithLabelValues("enabled", common.DisableReasonTrafficExceeded).Inc()
	log.Printf("TRAFFIC_RESET: Пользователь %s включен после сброса", user.Email)
	s.notifyEnabled(user)
	return nil
}
