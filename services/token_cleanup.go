package services

import "log"

// CleanupTokens удаляет просроченные токены доступа
func (s *Scheduler) CleanupTokens() error {
	deleted, err := s.tokens.CleanupExpired()
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Printf("TOKEN_CLEANUP: Удалено просроченных токенов: %d", deleted)
	}
	return nil
}
