package services

import (
	"context"
	"log"
)

// RefreshInbounds обновляет объединенный список inbound всех бордов.
// При недоступности части бордов кэшируется то, что удалось получить.
func (s *Scheduler) RefreshInbounds(ctx context.Context) error {
	inbounds, err := s.fleet.GetAllInbounds(ctx)
	if s.cache != nil && len(inbounds) > 0 {
		s.cache.SetAggregated(inbounds)
	}
	log.Printf("INBOUND_REFRESH: Получено inbound: %d", len(inbounds))
	return err
}
